package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/converters"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// IOError is a failure reading or writing the record directory. It is the
// only error class that aborts a processing run.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("record store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err came from the record directory itself.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// Store keeps one front matter document per record in a local directory.
// Every write replaces the whole document atomically.
type Store struct {
	dir       string
	converter converters.RecordConverter
	logger    logger.Logger
	now       func() time.Time

	mu sync.RWMutex
}

func New(dir string, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "create", Path: dir, Err: err}
	}
	return &Store{
		dir:       dir,
		converter: converters.NewFrontMatterConverter(),
		logger:    log.Named("store"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the document path for an identity.
func (s *Store) Path(identity string) string {
	return filepath.Join(s.dir, models.DocumentKey(identity))
}

func (s *Store) Get(ctx context.Context, identity string) (*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(identity)
}

func (s *Store) read(identity string) (*models.Record, error) {
	path := s.Path(identity)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", identity, models.ErrNotFound)
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	rec, err := s.converter.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	// the file name is authoritative for identity
	rec.Identity = identity
	return rec, nil
}

// Put replaces the stored record. Concurrent writers resolve last-write-wins;
// a write based on a stale revision is logged as a conflict. The returned
// record is the normalised copy that was persisted.
func (s *Store) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	if rec == nil || strings.TrimSpace(rec.Identity) == "" {
		return nil, fmt.Errorf("record identity is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := rec.Clone()
	existing, err := s.read(next.Identity)
	switch {
	case err == nil:
		if next.Revision != existing.Revision {
			conflict := &models.ConflictError{Identity: next.Identity, Expected: next.Revision, Actual: existing.Revision}
			s.logger.Warn("Overwriting newer record",
				logger.String("identity", next.Identity),
				logger.Error(conflict),
			)
		}
		if next.ReprocessRounds < existing.ReprocessRounds {
			s.logger.Warn("Refusing to lower reprocess rounds",
				logger.String("identity", next.Identity),
				logger.Int("stored", existing.ReprocessRounds),
				logger.Int("incoming", next.ReprocessRounds),
			)
			next.ReprocessRounds = existing.ReprocessRounds
		}
		if next.ProcessedAt.IsZero() {
			next.ProcessedAt = existing.ProcessedAt
		}
		next.Revision = existing.Revision + 1
	case errors.Is(err, models.ErrNotFound):
		next.Revision = 1
	case IsIOError(err):
		return nil, err
	default:
		// unreadable document: replace it
		s.logger.Warn("Replacing unreadable record", logger.String("identity", next.Identity), logger.Error(err))
		next.Revision = 1
	}

	now := s.now()
	if next.ProcessedAt.IsZero() {
		next.ProcessedAt = now
	}
	next.UpdatedAt = now
	next.Normalize()

	data, err := s.converter.Encode(next)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", next.Identity, err)
	}
	path := s.Path(next.Identity)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}

	s.logger.Debug("Record written",
		logger.String("identity", next.Identity),
		logger.String("parseStatus", string(next.ParseStatus)),
		logger.String("reprocessStatus", string(next.ReprocessStatus)),
		logger.Int64("revision", next.Revision),
	)
	return next.Clone(), nil
}

// List returns every readable record sorted by identity. Documents that do
// not parse are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*models.Record, error) {
	return s.ListFunc(ctx, nil)
}

// ListFunc returns the records accepted by keep.
func (s *Store) ListFunc(ctx context.Context, keep func(*models.Record) bool) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: s.dir, Err: err}
	}

	records := make([]*models.Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(name, ".md"))
		if err != nil {
			if IsIOError(err) {
				return nil, err
			}
			s.logger.Warn("Skipping unreadable record", logger.String("file", name), logger.Error(err))
			continue
		}
		if keep == nil || keep(rec) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identity < records[j].Identity })
	return records, nil
}

// Document returns the raw stored document and its sha256.
func (s *Store) Document(ctx context.Context, identity string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.Path(identity)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%s: %w", identity, models.ErrNotFound)
	}
	if err != nil {
		return nil, "", &IOError{Op: "read", Path: path, Err: err}
	}
	return data, HashBytes(data), nil
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
