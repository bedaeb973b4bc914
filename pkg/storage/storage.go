package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// ErrNotExist is returned when a handle no longer points at an object.
var ErrNotExist = errors.New("object does not exist")

// Handle identifies one object in a remote folder.
type Handle struct {
	Folder  string    `json:"folder"`
	Name    string    `json:"name"`
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	ETag    string    `json:"etag,omitempty"`
}

// Version changes whenever the object content changes.
func (h Handle) Version() string {
	if h.ETag != "" {
		return strings.Trim(h.ETag, `"`)
	}
	return fmt.Sprintf("%d-%d", h.Size, h.ModTime.UnixNano())
}

// Storage 远端文件存储
type Storage interface {
	// List returns the direct children of folder.
	List(ctx context.Context, folder string) ([]Handle, error)
	Download(ctx context.Context, h Handle) (io.ReadCloser, error)
	Upload(ctx context.Context, folder, name string, data []byte) (Handle, error)
	Delete(ctx context.Context, h Handle) error
}

// Event is a change notification for one object.
type Event struct {
	Folder string
	Name   string
	Op     string
}

// Subscription delivers change events for a folder until it expires or is closed.
type Subscription struct {
	ID        string
	Folder    string
	ExpiresAt time.Time
	Events    <-chan Event

	once sync.Once
	stop func()
}

// NewSubscription is used by adapters to build a subscription.
func NewSubscription(id, folder string, expires time.Time, events <-chan Event, stop func()) *Subscription {
	return &Subscription{ID: id, Folder: folder, ExpiresAt: expires, Events: events, stop: stop}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Notifier is implemented by storages that can push change notifications.
// Polling remains the correctness path; notifications only trigger early runs.
type Notifier interface {
	Subscribe(ctx context.Context, folder string, ttl time.Duration) (*Subscription, error)
}

// Key joins a folder and a name into an object key.
func Key(folder, name string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return name
	}
	return path.Join(folder, name)
}

// IsHidden reports dot files and editor leftovers that never enter the pipeline.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") || strings.HasSuffix(name, "~")
}
