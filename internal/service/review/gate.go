package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// Gate is the read side of the review workflow plus the single write path
// reviewers use.
type Gate struct {
	store  *store.Store
	logger logger.Logger
	nudge  func(identity string)
}

func NewGate(st *store.Store, log logger.Logger) *Gate {
	return &Gate{store: st, logger: log.Named("review")}
}

// OnReprocessRequested registers fn to run after a reviewer asks for
// reprocessing. fn must not block.
func (g *Gate) OnReprocessRequested(fn func(identity string)) {
	g.nudge = fn
}

// ListPending returns every record not yet approved, newest first.
func (g *Gate) ListPending(ctx context.Context) ([]*models.Record, error) {
	records, err := g.store.ListFunc(ctx, func(r *models.Record) bool { return r.Pending() })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.ProcessedAt.Equal(b.ProcessedAt) {
			return a.ProcessedAt.After(b.ProcessedAt)
		}
		return a.Identity < b.Identity
	})
	return records, nil
}

func (g *Gate) Get(ctx context.Context, identity string) (*models.Record, error) {
	return g.store.Get(ctx, identity)
}

// ApplyUpdate replaces the stored record with rec. The identity always comes
// from the caller's path. Asking for reprocessing un-approves the record.
// A write based on a stale revision still wins and is logged as a conflict.
func (g *Gate) ApplyUpdate(ctx context.Context, identity string, rec *models.Record) (*models.Record, error) {
	if rec == nil {
		return nil, errors.New("record body is required")
	}
	identity = strings.TrimSpace(identity)
	existing, err := g.store.Get(ctx, identity)
	if err != nil {
		return nil, err
	}

	next := rec.Clone()
	if next.Identity != "" && next.Identity != identity {
		g.logger.Warn("Ignoring identity change in review update",
			logger.String("identity", identity),
			logger.String("requested", next.Identity),
		)
	}
	next.Identity = identity
	if next.SourceFilename == "" {
		next.SourceFilename = existing.SourceFilename
	}
	if next.ReprocessStatus == models.ReprocessRequested {
		next.Reviewed = false
	}
	if next.Revision != existing.Revision {
		conflict := &models.ConflictError{Identity: identity, Expected: next.Revision, Actual: existing.Revision}
		g.logger.Warn("Review update based on stale record, last write wins", logger.Error(conflict))
	}

	written, err := g.store.Put(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("apply review update: %w", err)
	}
	g.logger.Info("Review update applied",
		logger.String("identity", identity),
		logger.Bool("reviewed", written.Reviewed),
		logger.String("reprocessStatus", string(written.ReprocessStatus)),
	)
	if written.ReprocessStatus == models.ReprocessRequested && g.nudge != nil {
		g.nudge(identity)
	}
	return written, nil
}
