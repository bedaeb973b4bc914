package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/storage"
)

// LocalStorage serves a directory tree as remote storage. Useful for a
// synced folder (Dropbox, Syncthing) and for tests.
type LocalStorage struct {
	root   string
	logger logger.Logger
	subs   atomic.Int64
}

func NewLocalStorage(root string, log logger.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{root: root, logger: log.Named("local-storage")}, nil
}

func (s *LocalStorage) dir(folder string) string {
	return filepath.Join(s.root, filepath.FromSlash(folder))
}

func (s *LocalStorage) List(ctx context.Context, folder string) ([]storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir(folder))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", folder, err)
	}

	handles := make([]storage.Handle, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		handles = append(handles, storage.Handle{
			Folder:  folder,
			Name:    entry.Name(),
			Key:     storage.Key(folder, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	return handles, nil
}

func (s *LocalStorage) Download(ctx context.Context, h storage.Handle) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(h.Key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", h.Key, storage.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) Upload(ctx context.Context, folder, name string, data []byte) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return storage.Handle{}, err
	}
	dir := s.dir(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.Handle{}, fmt.Errorf("failed to create folder: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".upload-*")
	if err != nil {
		return storage.Handle{}, fmt.Errorf("failed to store file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return storage.Handle{}, fmt.Errorf("failed to store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return storage.Handle{}, fmt.Errorf("failed to store file: %w", err)
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return storage.Handle{}, fmt.Errorf("failed to store file: %w", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return storage.Handle{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return storage.Handle{
		Folder:  folder,
		Name:    name,
		Key:     storage.Key(folder, name),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}, nil
}

func (s *LocalStorage) Delete(ctx context.Context, h storage.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(h.Key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("Failed to delete file",
			logger.String("key", h.Key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Subscribe watches folder with fsnotify. The subscription ends when ttl
// elapses, ctx is cancelled or Close is called.
func (s *LocalStorage) Subscribe(ctx context.Context, folder string, ttl time.Duration) (*storage.Subscription, error) {
	dir := s.dir(folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create folder: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	id := fmt.Sprintf("fsnotify-%d", s.subs.Add(1))
	expires := time.Now().Add(ttl)
	events := make(chan storage.Event, 16)
	subCtx, cancel := context.WithDeadline(ctx, expires)

	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				name := filepath.Base(ev.Name)
				if storage.IsHidden(name) {
					continue
				}
				select {
				case events <- storage.Event{Folder: folder, Name: name, Op: ev.Op.String()}:
				default:
					// a trigger is already queued
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Watcher error", logger.String("folder", folder), logger.Error(err))
			}
		}
	}()

	return storage.NewSubscription(id, folder, expires, events, cancel), nil
}
