package review

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/ingest"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/lock"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const noTextNote = "Reprocessing failed: no text could be extracted from the source."

type LoopConfig struct {
	Concurrency int
	// in_progress rounds untouched for this long are resumed
	StaleAfter time.Duration
}

// ReprocessLoop re-runs enrichment for records a reviewer flagged.
type ReprocessLoop struct {
	store     *store.Store
	extractor ingest.Extractor
	enricher  ingest.Enricher
	locker    lock.Locker
	config    LoopConfig
	logger    logger.Logger
	now       func() time.Time
}

func NewReprocessLoop(
	st *store.Store,
	extractor ingest.Extractor,
	enricher ingest.Enricher,
	locker lock.Locker,
	c LoopConfig,
	log logger.Logger,
) *ReprocessLoop {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return &ReprocessLoop{
		store:     st,
		extractor: extractor,
		enricher:  enricher,
		locker:    locker,
		config:    c,
		logger:    log.Named("reprocess"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *ReprocessLoop) candidate(r *models.Record) bool {
	switch r.ReprocessStatus {
	case models.ReprocessRequested:
		return true
	case models.ReprocessInProgress:
		return l.now().Sub(r.UpdatedAt) >= l.config.StaleAfter
	}
	return false
}

// ScanAndRequeue runs one reprocessing round for every flagged record and
// returns how many rounds finished. Records whose identity is locked are
// left for the next scan.
func (l *ReprocessLoop) ScanAndRequeue(ctx context.Context) (int, error) {
	records, err := l.store.ListFunc(ctx, l.candidate)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	l.logger.Info("Reprocessing flagged records", logger.Int("count", len(records)))

	var (
		mu    sync.Mutex
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.Concurrency)
	for _, rec := range records {
		identity := rec.Identity
		g.Go(func() error {
			done, err := l.Reprocess(gctx, identity)
			if err != nil {
				if store.IsIOError(err) || gctx.Err() != nil {
					return err
				}
				l.logger.Error("Reprocessing round failed",
					logger.String("identity", identity),
					logger.Error(err),
				)
				return nil
			}
			if done {
				mu.Lock()
				count++
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return count, err
}

// Reprocess runs one round for identity. It reports false when the record
// is busy or no longer flagged.
func (l *ReprocessLoop) Reprocess(ctx context.Context, identity string) (bool, error) {
	unlock, ok, err := l.locker.TryLock(ctx, ingest.LockKey(identity))
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", identity, err)
	}
	if !ok {
		l.logger.Debug("Identity busy, reprocessing later", logger.String("identity", identity))
		return false, nil
	}
	defer unlock()

	rec, err := l.store.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	log := l.logger.With(logger.String("identity", identity))

	switch rec.ReprocessStatus {
	case models.ReprocessRequested:
		// 轮次在领取时递增
		rec.ReprocessRounds++
	case models.ReprocessInProgress:
		log.Info("Resuming interrupted round", logger.Int("round", rec.ReprocessRounds))
	default:
		return false, nil
	}

	notes := rec.ReprocessNotes
	rec.ClearEnrichment()
	rec.ParseStatus = models.ParseBasic
	rec.ProcessingNote = ""
	rec.ReprocessStatus = models.ReprocessInProgress
	rec, err = l.store.Put(ctx, rec)
	if err != nil {
		return false, err
	}
	log.Info("Reprocessing round started",
		logger.Int("round", rec.ReprocessRounds),
		logger.Bool("hasNotes", notes != ""),
	)

	if strings.TrimSpace(rec.RawText) == "" {
		l.reextract(ctx, rec, log)
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}

	outcome := models.ReprocessComplete
	if strings.TrimSpace(rec.RawText) == "" {
		outcome = models.ReprocessFailed
		if rec.ProcessingNote == "" {
			rec.ProcessingNote = noTextNote
		}
	} else {
		res := l.enricher.Enrich(ctx, rec, rec.ProcessingProfile, notes)
		if err := ctx.Err(); err != nil {
			// the round stays in_progress and resumes without a new increment
			return false, err
		}
		res.Apply(rec)
	}

	rec.ReprocessHistory = append(rec.ReprocessHistory, models.ReprocessRound{
		Round:       rec.ReprocessRounds,
		Notes:       notes,
		ParseStatus: rec.ParseStatus,
		Outcome:     outcome,
		FinishedAt:  l.now(),
	})
	rec.ReprocessNotes = ""
	rec.ReprocessStatus = outcome

	written, err := l.store.Put(ctx, rec)
	if err != nil {
		return false, err
	}
	log.Info("Reprocessing round finished",
		logger.Int("round", written.ReprocessRounds),
		logger.String("outcome", string(outcome)),
		logger.String("parseStatus", string(written.ParseStatus)),
	)
	return true, nil
}

// reextract reads the processed source again when the cached text is empty.
func (l *ReprocessLoop) reextract(ctx context.Context, rec *models.Record, log logger.Logger) {
	if rec.SourcePath == "" {
		log.Warn("No source artifact to re-extract from")
		return
	}
	data, err := os.ReadFile(rec.SourcePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("Cannot read source artifact", logger.Error(err))
		}
		rec.ProcessingNote = "Reprocessing failed: source artifact unavailable."
		return
	}
	ext := l.extractor.Extract(ctx, document.File{Name: rec.SourceFilename, Data: data})
	if ext.Status != models.ParseBasic {
		rec.ParseStatus = ext.Status
		rec.ProcessingNote = ext.Note
		return
	}
	rec.RawText = ext.RawText
	rec.ExtractionMethod = ext.Method
	rec.ExtractedURLs = ext.URLs
	if ext.Author != "" {
		rec.Author = ext.Author
	}
	rec.ProcessingNote = ext.Note
}
