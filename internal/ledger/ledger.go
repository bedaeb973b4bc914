package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/feichai0017/knowledge-inbox/internal/models"
)

// Entry tracks one inbox file through download, upload and inbox deletion.
type Entry struct {
	ID                 uint   `gorm:"primaryKey"`
	Identity           string `gorm:"uniqueIndex;not null"`
	SourceName         string
	InboxKey           string
	InboxVersion       string
	SourceHash         string
	DownloadedAt       *time.Time
	ProcessedAt        *time.Time
	SourceUploadedAt   *time.Time
	RecordUploadedHash string
	RecordUploadedAt   *time.Time
	InboxDeletedAt     *time.Time
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Uploaded reports whether both the source and the record reached the
// processed folders.
func (e *Entry) Uploaded() bool {
	return e.SourceUploadedAt != nil && e.RecordUploadedAt != nil
}

// AwaitingDelete reports whether only the inbox delete is outstanding.
func (e *Entry) AwaitingDelete() bool {
	return e.Uploaded() && e.InboxDeletedAt == nil && e.InboxKey != ""
}

// Ledger is the local "already processed" set, kept in SQLite.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Ledger) Get(ctx context.Context, identity string) (*Entry, error) {
	var e Entry
	err := l.db.WithContext(ctx).Where("identity = ?", identity).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ledger %s: %w", identity, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordDownload notes that an inbox file was fetched into staging. A new
// remote version, or a file that reappeared after its delete, resets the
// upload and delete progress.
func (l *Ledger) RecordDownload(ctx context.Context, identity, name, key, version string) error {
	now := l.now()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Entry
		err := tx.Where("identity = ?", identity).First(&e).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			e = Entry{Identity: identity}
		case err != nil:
			return err
		}
		if e.InboxVersion != version || e.InboxDeletedAt != nil {
			e.ProcessedAt = nil
			e.SourceUploadedAt = nil
			e.RecordUploadedAt = nil
			e.RecordUploadedHash = ""
			e.InboxDeletedAt = nil
			e.SourceHash = ""
		}
		e.SourceName = name
		e.InboxKey = key
		e.InboxVersion = version
		e.DownloadedAt = &now
		e.LastError = ""
		return tx.Save(&e).Error
	})
}

func (l *Ledger) MarkProcessed(ctx context.Context, identity, sourceHash string) error {
	now := l.now()
	return l.update(ctx, identity, map[string]interface{}{
		"processed_at": &now,
		"source_hash":  sourceHash,
		"last_error":   "",
	})
}

func (l *Ledger) MarkSourceUploaded(ctx context.Context, identity string) error {
	now := l.now()
	return l.update(ctx, identity, map[string]interface{}{"source_uploaded_at": &now})
}

func (l *Ledger) MarkRecordUploaded(ctx context.Context, identity, hash string) error {
	now := l.now()
	return l.update(ctx, identity, map[string]interface{}{
		"record_uploaded_at":   &now,
		"record_uploaded_hash": hash,
	})
}

func (l *Ledger) MarkInboxDeleted(ctx context.Context, identity string) error {
	now := l.now()
	return l.update(ctx, identity, map[string]interface{}{
		"inbox_deleted_at": &now,
		"last_error":       "",
	})
}

// MarkError stores the last failure for an identity, creating the row when
// the failure happened before the first successful download.
func (l *Ledger) MarkError(ctx context.Context, identity, stage string, cause error) error {
	msg := fmt.Sprintf("%s: %v", stage, cause)
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Entry
		err := tx.Where("identity = ?", identity).First(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Entry{Identity: identity, LastError: msg}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&e).Update("last_error", msg).Error
	})
}

// EnsureRecordEntry creates a row for records that never came through the
// inbox, so their uploads can be tracked too.
func (l *Ledger) EnsureRecordEntry(ctx context.Context, identity, name string) (*Entry, error) {
	e := Entry{Identity: identity, SourceName: name}
	err := l.db.WithContext(ctx).Where("identity = ?", identity).FirstOrCreate(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingDeletes lists entries whose uploads succeeded but whose inbox
// original still exists.
func (l *Ledger) PendingDeletes(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("source_uploaded_at IS NOT NULL AND record_uploaded_at IS NOT NULL").
		Where("inbox_deleted_at IS NULL AND inbox_key <> ''").
		Order("identity").
		Find(&entries).Error
	return entries, err
}

func (l *Ledger) All(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).Order("identity").Find(&entries).Error
	return entries, err
}

func (l *Ledger) update(ctx context.Context, identity string, values map[string]interface{}) error {
	res := l.db.WithContext(ctx).Model(&Entry{}).Where("identity = ?", identity).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger %s: %w", identity, models.ErrNotFound)
	}
	return nil
}
