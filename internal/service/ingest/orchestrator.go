package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/knowledge-inbox/internal/agent"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/enrich"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/lock"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/storage"
)

// Extractor turns a staged file into text.
type Extractor interface {
	Extract(ctx context.Context, f document.File) *agent.ExtractionResult
}

// Enricher adds AI metadata to a record.
type Enricher interface {
	Enrich(ctx context.Context, rec *models.Record, profile, notes string) *enrich.Result
}

// Tracker is the part of the sync ledger the orchestrator reports to.
type Tracker interface {
	MarkProcessed(ctx context.Context, identity, sourceHash string) error
	MarkError(ctx context.Context, identity, stage string, cause error) error
}

// LockKey is the identity lock shared by ingestion and reprocessing.
func LockKey(identity string) string {
	return "record:" + identity
}

type Config struct {
	StagingDir  string
	SourcesDir  string
	Concurrency int
}

// Orchestrator moves staged files through extraction and enrichment into
// the record store.
type Orchestrator struct {
	store     *store.Store
	extractor Extractor
	enricher  Enricher
	tracker   Tracker
	locker    lock.Locker
	config    Config
	logger    logger.Logger
	now       func() time.Time
}

func NewOrchestrator(
	st *store.Store,
	extractor Extractor,
	enricher Enricher,
	tracker Tracker,
	locker lock.Locker,
	c Config,
	log logger.Logger,
) (*Orchestrator, error) {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	for _, dir := range []string{c.StagingDir, c.SourcesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &store.IOError{Op: "create", Path: dir, Err: err}
		}
	}
	return &Orchestrator{
		store:     st,
		extractor: extractor,
		enricher:  enricher,
		tracker:   tracker,
		locker:    locker,
		config:    c,
		logger:    log.Named("ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeBusy
)

// Staged lists the files waiting in the staging directory.
func (o *Orchestrator) Staged() ([]string, error) {
	entries, err := os.ReadDir(o.config.StagingDir)
	if err != nil {
		return nil, &store.IOError{Op: "list", Path: o.config.StagingDir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || storage.IsHidden(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ProcessBatch runs every staged file through the pipeline. One file's
// failure is recorded and skipped; only store write failures abort the
// batch. Busy identities stay in staging for the next run.
func (o *Orchestrator) ProcessBatch(ctx context.Context) (models.BatchReport, error) {
	var report models.BatchReport

	names, err := o.Staged()
	if err != nil {
		return report, err
	}
	if len(names) == 0 {
		return report, nil
	}
	o.logger.Info("Processing staged files", logger.Int("count", len(names)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)

	for _, name := range names {
		if gctx.Err() != nil {
			break
		}
		name := name
		g.Go(func() error {
			res, err := o.processFile(gctx, name)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && (store.IsIOError(err) || gctx.Err() != nil):
				return err
			case err != nil:
				report.Errors = append(report.Errors, models.FileError{Name: name, Stage: "process", Error: err.Error()})
			case res == outcomeBusy:
				report.Busy = append(report.Busy, name)
			case res == outcomeSkipped:
				report.Skipped = append(report.Skipped, name)
			default:
				report.Processed = append(report.Processed, name)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("Batch aborted", logger.Error(err))
		return report, err
	}

	o.logger.Info("Batch finished",
		logger.Int("processed", len(report.Processed)),
		logger.Int("skipped", len(report.Skipped)),
		logger.Int("busy", len(report.Busy)),
		logger.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// processFile runs one staged file under its identity lock.
func (o *Orchestrator) processFile(ctx context.Context, name string) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	identity := models.IdentityFor(name)
	log := o.logger.With(logger.String("identity", identity), logger.String("file", name))

	unlock, ok, err := o.locker.TryLock(ctx, LockKey(identity))
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", identity, err)
	}
	if !ok {
		log.Info("Identity busy, leaving file in staging")
		return outcomeBusy, nil
	}
	defer unlock()

	path := filepath.Join(o.config.StagingDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		o.markError(ctx, identity, "read", err)
		return 0, fmt.Errorf("read staged file: %w", err)
	}
	hash := store.HashBytes(data)

	existing, err := o.store.Get(ctx, identity)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		existing = nil
	case store.IsIOError(err):
		return 0, err
	default:
		log.Warn("Existing record unreadable, replacing it", logger.Error(err))
		existing = nil
	}

	// 同一份源文件已经完成 AI 处理，只需要消费掉暂存文件
	if existing != nil && existing.SourceHash == hash && existing.ParseStatus == models.ParseFullAI {
		log.Info("Source unchanged and already enriched, consuming staged copy")
		if err := o.consume(ctx, name, existing); err != nil {
			return 0, err
		}
		return outcomeSkipped, nil
	}

	ext := o.extractor.Extract(ctx, document.File{Name: name, Data: data})
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	rec := o.prepare(name, existing, ext)
	rec.SourceHash = hash
	rec.SourcePath = filepath.Join(o.config.SourcesDir, identity)

	if ext.Status == models.ParseBasic && rec.RawText != "" {
		note := rec.ProcessingNote
		res := o.enricher.Enrich(ctx, rec, rec.ProcessingProfile, "")
		if ctx.Err() != nil {
			// interrupted enrichment leaves no partial record behind
			return 0, ctx.Err()
		}
		res.Apply(rec)
		if rec.ProcessingNote == "" {
			rec.ProcessingNote = note
		}
	}

	written, err := o.store.Put(ctx, rec)
	if err != nil {
		if store.IsIOError(err) {
			return 0, err
		}
		o.markError(ctx, identity, "write", err)
		return 0, fmt.Errorf("write record: %w", err)
	}
	log.Info("Record staged for review",
		logger.String("parseStatus", string(written.ParseStatus)),
		logger.String("method", written.ExtractionMethod),
	)

	if err := o.consume(ctx, name, written); err != nil {
		return 0, err
	}
	return outcomeProcessed, nil
}

// prepare builds the record for a fresh extraction. A record that already
// exists for the identity is overwritten field by field; only review
// history and the processing profile carry over.
func (o *Orchestrator) prepare(name string, existing *models.Record, ext *agent.ExtractionResult) *models.Record {
	rec := models.NewRecord(name, ext.FileType)
	if existing != nil {
		rec.Revision = existing.Revision
		rec.ReprocessRounds = existing.ReprocessRounds
		rec.ReprocessHistory = existing.ReprocessHistory
		rec.ProcessingProfile = existing.ProcessingProfile
		rec.SourceURL = existing.SourceURL
	}
	rec.RawText = ext.RawText
	rec.ExtractionMethod = ext.Method
	rec.ExtractedURLs = ext.URLs
	rec.Author = ext.Author
	rec.ParseStatus = ext.Status
	rec.ProcessingNote = ext.Note
	rec.ProcessedAt = o.now()
	rec.Reviewed = false
	if ext.LinkedIn {
		rec.Category = "Social Media"
	}
	return rec
}

// consume moves the staged source next to the other processed sources and
// notes the identity as processed in the ledger.
func (o *Orchestrator) consume(ctx context.Context, name string, rec *models.Record) error {
	src := filepath.Join(o.config.StagingDir, name)
	dst := rec.SourcePath
	if dst == "" {
		dst = filepath.Join(o.config.SourcesDir, rec.Identity)
	}
	if err := moveFile(src, dst); err != nil {
		o.markError(ctx, rec.Identity, "move source", err)
		return fmt.Errorf("move source: %w", err)
	}
	if o.tracker == nil {
		return nil
	}
	if err := o.tracker.MarkProcessed(ctx, rec.Identity, rec.SourceHash); err != nil && !errors.Is(err, models.ErrNotFound) {
		o.logger.Warn("Failed to update ledger",
			logger.String("identity", rec.Identity),
			logger.Error(err),
		)
	}
	return nil
}

func (o *Orchestrator) markError(ctx context.Context, identity, stage string, cause error) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.MarkError(ctx, identity, stage, cause); err != nil {
		o.logger.Warn("Failed to record error in ledger",
			logger.String("identity", identity),
			logger.Error(err),
		)
	}
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// rename fails across filesystems
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
