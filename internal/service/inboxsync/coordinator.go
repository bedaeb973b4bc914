package inboxsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/ledger"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/storage"
)

// Coordinator reconciles the remote inbox and processed folders with the
// local staging directory and record store.
type Coordinator struct {
	remote      storage.Storage
	ledger      *ledger.Ledger
	store       *store.Store
	folders     cfg.FoldersConfig
	stagingDir  string
	concurrency int
	logger      logger.Logger
}

func NewCoordinator(
	remote storage.Storage,
	led *ledger.Ledger,
	st *store.Store,
	folders cfg.FoldersConfig,
	stagingDir string,
	concurrency int,
	log logger.Logger,
) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		remote:      remote,
		ledger:      led,
		store:       st,
		folders:     folders,
		stagingDir:  stagingDir,
		concurrency: concurrency,
		logger:      log.Named("sync"),
	}
}

// Remote returns the storage the coordinator syncs against.
func (c *Coordinator) Remote() storage.Storage { return c.remote }

// InboxFolder is the remote folder new files arrive in.
func (c *Coordinator) InboxFolder() string { return c.folders.Inbox }

// Pull downloads every inbox file that is new or changed into staging.
// Inbox originals that were fully uploaded but not yet deleted are deleted
// instead of downloaded again.
func (c *Coordinator) Pull(ctx context.Context) (models.SyncReport, error) {
	var report models.SyncReport

	handles, err := c.remote.List(ctx, c.folders.Inbox)
	if err != nil {
		return report, fmt.Errorf("list inbox: %w", err)
	}
	if err := os.MkdirAll(c.stagingDir, 0o755); err != nil {
		return report, &store.IOError{Op: "create", Path: c.stagingDir, Err: err}
	}

	listed := make(map[string]storage.Handle, len(handles))
	visible := handles[:0]
	for _, h := range handles {
		if storage.IsHidden(h.Name) {
			continue
		}
		listed[h.Key] = h
		visible = append(visible, h)
	}
	report.Listed = len(visible)

	c.retryDeletes(ctx, listed, &report)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, h := range visible {
		if _, ok := listed[h.Key]; !ok {
			// deleted above
			continue
		}
		h := h
		g.Go(func() error {
			downloaded, err := c.pullOne(gctx, h)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && gctx.Err() != nil:
				return err
			case err != nil:
				report.AddError(h.Name, "download", err)
			case downloaded:
				report.Downloaded = append(report.Downloaded, h.Name)
			default:
				report.Skipped = append(report.Skipped, h.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	c.logger.Info("Pull finished",
		logger.Int("listed", report.Listed),
		logger.Int("downloaded", len(report.Downloaded)),
		logger.Int("deleted", len(report.Deleted)),
		logger.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (c *Coordinator) pullOne(ctx context.Context, h storage.Handle) (bool, error) {
	identity := models.IdentityFor(h.Name)
	staged := filepath.Join(c.stagingDir, h.Name)

	entry, err := c.ledger.Get(ctx, identity)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return false, err
	}
	if entry != nil && entry.InboxVersion == h.Version() && entry.InboxKey == h.Key {
		switch {
		case entry.AwaitingDelete():
			return false, nil
		case entry.InboxDeletedAt == nil && entry.ProcessedAt != nil:
			// processed, waiting for push
			return false, nil
		case fileExists(staged):
			// left in staging by an interrupted run
			return false, nil
		}
	}

	if err := c.download(ctx, h, staged); err != nil {
		c.markError(ctx, identity, "download", err)
		return false, err
	}
	if err := c.ledger.RecordDownload(ctx, identity, h.Name, h.Key, h.Version()); err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	c.logger.Debug("Downloaded inbox file",
		logger.String("key", h.Key),
		logger.String("version", h.Version()),
	)
	return true, nil
}

func (c *Coordinator) download(ctx context.Context, h storage.Handle, target string) error {
	rc, err := c.remote.Download(ctx, h)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(c.stagingDir, "."+h.Name+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// retryDeletes removes inbox originals whose uploads were acknowledged in
// an earlier run. Deleted handles are dropped from listed.
func (c *Coordinator) retryDeletes(ctx context.Context, listed map[string]storage.Handle, report *models.SyncReport) {
	entries, err := c.ledger.PendingDeletes(ctx)
	if err != nil {
		c.logger.Error("Failed to read pending deletes", logger.Error(err))
		return
	}
	for _, e := range entries {
		h, ok := listed[e.InboxKey]
		if !ok {
			// already gone remotely
			if err := c.ledger.MarkInboxDeleted(ctx, e.Identity); err != nil {
				c.logger.Warn("Failed to update ledger", logger.String("identity", e.Identity), logger.Error(err))
			}
			continue
		}
		if h.Version() != e.InboxVersion {
			// a newer upload replaced the original; it is pulled as a new version
			continue
		}
		if err := c.deleteInbox(ctx, e); err != nil {
			report.AddError(e.SourceName, "delete", err)
			continue
		}
		delete(listed, e.InboxKey)
		report.Deleted = append(report.Deleted, e.SourceName)
	}
}

// Push uploads every record document that changed since its last upload
// together with its source, then deletes inbox originals whose uploads were
// both acknowledged.
func (c *Coordinator) Push(ctx context.Context) (models.SyncReport, error) {
	var report models.SyncReport

	records, err := c.store.List(ctx)
	if err != nil {
		return report, err
	}
	report.Listed = len(records)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			res := c.pushOne(gctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if gctx.Err() != nil {
				return gctx.Err()
			}
			report.Merge(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	c.logger.Info("Push finished",
		logger.Int("records", report.Listed),
		logger.Int("uploaded", len(report.Uploaded)),
		logger.Int("deleted", len(report.Deleted)),
		logger.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (c *Coordinator) pushOne(ctx context.Context, rec *models.Record) models.SyncReport {
	var report models.SyncReport
	log := c.logger.With(logger.String("identity", rec.Identity))

	entry, err := c.ledger.EnsureRecordEntry(ctx, rec.Identity, rec.SourceFilename)
	if err != nil {
		report.AddError(rec.Identity, "ledger", err)
		return report
	}

	data, hash, err := c.store.Document(ctx, rec.Identity)
	if err != nil {
		report.AddError(rec.Identity, "read record", err)
		return report
	}
	if entry.RecordUploadedHash != hash {
		name := models.DocumentKey(rec.Identity)
		if _, err := c.remote.Upload(ctx, c.folders.ProcessedRecords, name, data); err != nil {
			log.Warn("Record upload failed", logger.Error(err))
			c.markError(ctx, rec.Identity, "upload record", err)
			report.AddError(name, "upload record", err)
			return report
		}
		if err := c.ledger.MarkRecordUploaded(ctx, rec.Identity, hash); err != nil {
			report.AddError(name, "ledger", err)
			return report
		}
		report.Uploaded = append(report.Uploaded, name)
	}

	// the inbox original only goes once its processed source is safe
	if entry.InboxKey == "" || entry.ProcessedAt == nil || entry.InboxDeletedAt != nil {
		return report
	}
	if entry.SourceUploadedAt == nil {
		source, err := os.ReadFile(rec.SourcePath)
		if err != nil {
			report.AddError(rec.Identity, "read source", err)
			return report
		}
		if _, err := c.remote.Upload(ctx, c.folders.ProcessedSources, rec.Identity, source); err != nil {
			log.Warn("Source upload failed", logger.Error(err))
			c.markError(ctx, rec.Identity, "upload source", err)
			report.AddError(rec.Identity, "upload source", err)
			return report
		}
		if err := c.ledger.MarkSourceUploaded(ctx, rec.Identity); err != nil {
			report.AddError(rec.Identity, "ledger", err)
			return report
		}
		report.Uploaded = append(report.Uploaded, rec.Identity)
	}

	if err := c.deleteInbox(ctx, *entry); err != nil {
		report.AddError(entry.SourceName, "delete", err)
		return report
	}
	report.Deleted = append(report.Deleted, entry.SourceName)
	return report
}

func (c *Coordinator) deleteInbox(ctx context.Context, e ledger.Entry) error {
	h := storage.Handle{Folder: c.folders.Inbox, Name: e.SourceName, Key: e.InboxKey}
	if err := c.remote.Delete(ctx, h); err != nil && !errors.Is(err, storage.ErrNotExist) {
		c.logger.Warn("Inbox delete failed, retrying next run",
			logger.String("key", e.InboxKey),
			logger.Error(err),
		)
		c.markError(ctx, e.Identity, "delete", err)
		return err
	}
	return c.ledger.MarkInboxDeleted(ctx, e.Identity)
}

func (c *Coordinator) markError(ctx context.Context, identity, stage string, cause error) {
	if err := c.ledger.MarkError(ctx, identity, stage, cause); err != nil {
		c.logger.Warn("Failed to record error in ledger",
			logger.String("identity", identity),
			logger.Error(err),
		)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
