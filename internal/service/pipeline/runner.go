package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/inboxsync"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// 触发来源
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerWatch    = "watch"
	TriggerAPI      = "api"
	TriggerReview   = "review"
	TriggerSchedule = "schedule"
)

// Syncer pulls new inbox files and pushes results back.
type Syncer interface {
	Pull(ctx context.Context) (models.SyncReport, error)
	Push(ctx context.Context) (models.SyncReport, error)
	Watch(ctx context.Context, state *inboxsync.WatchState, wc inboxsync.WatchConfig, trigger func()) error
}

type Processor interface {
	ProcessBatch(ctx context.Context) (models.BatchReport, error)
}

type Reprocessor interface {
	ScanAndRequeue(ctx context.Context) (int, error)
}

// ReportStore keeps the outcome of finished cycles.
type ReportStore interface {
	SaveReport(ctx context.Context, report models.CycleReport) error
	LastReport(ctx context.Context) (*models.CycleReport, error)
}

type Config struct {
	Interval time.Duration
	Watch    inboxsync.WatchConfig
}

// Status is what the runner exposes to the API.
type Status struct {
	Running bool                  `json:"running"`
	Last    *models.CycleReport   `json:"last,omitempty"`
	Watch   inboxsync.WatchStatus `json:"watch"`
}

// Runner sequences pull, process, reprocess and push. Only one cycle runs
// at a time; concurrent requests share the running cycle's report.
type Runner struct {
	syncer      Syncer
	processor   Processor
	reprocessor Reprocessor
	reports     ReportStore
	watch       *inboxsync.WatchState
	config      Config
	logger      logger.Logger

	flight  singleflight.Group
	trigger chan string

	mu      sync.Mutex
	running bool
}

func NewRunner(
	syncer Syncer,
	processor Processor,
	reprocessor Reprocessor,
	reports ReportStore,
	c Config,
	log logger.Logger,
) *Runner {
	if reports == nil {
		reports = NewMemoryReports()
	}
	return &Runner{
		syncer:      syncer,
		processor:   processor,
		reprocessor: reprocessor,
		reports:     reports,
		watch:       inboxsync.NewWatchState(),
		config:      c,
		logger:      log.Named("pipeline"),
		trigger:     make(chan string, 1),
	}
}

// Trigger asks Run for a cycle as soon as possible. Requests made while one
// is already queued are merged.
func (r *Runner) Trigger(reason string) {
	select {
	case r.trigger <- reason:
	default:
	}
}

// Reconcile runs one full cycle.
func (r *Runner) Reconcile(ctx context.Context, trigger string) (models.CycleReport, error) {
	v, err, shared := r.flight.Do("cycle", func() (interface{}, error) {
		return r.cycle(ctx, trigger)
	})
	if shared {
		r.logger.Debug("Joined running cycle", logger.String("trigger", trigger))
	}
	report, _ := v.(models.CycleReport)
	return report, err
}

func (r *Runner) cycle(ctx context.Context, trigger string) (models.CycleReport, error) {
	r.setRunning(true)
	defer r.setRunning(false)

	report := models.CycleReport{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	log := r.logger.With(logger.String("cycle", report.ID), logger.String("trigger", trigger))
	log.Info("Cycle started")

	err := r.stages(ctx, &report, log)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
		log.Error("Cycle aborted", logger.Error(err))
	} else {
		log.Info("Cycle finished",
			logger.Int("downloaded", len(report.Pull.Downloaded)),
			logger.Int("processed", len(report.Batch.Processed)),
			logger.Int("reprocessed", report.Reprocessed),
			logger.Int("uploaded", len(report.Push.Uploaded)),
			logger.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
		)
	}

	// the report outlives a cancelled cycle
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := r.reports.SaveReport(saveCtx, report); serr != nil {
		log.Warn("Failed to save cycle report", logger.Error(serr))
	}
	return report, err
}

func (r *Runner) stages(ctx context.Context, report *models.CycleReport, log logger.Logger) error {
	pull, err := r.syncer.Pull(ctx)
	report.Pull = pull
	if err != nil {
		if ctx.Err() != nil || store.IsIOError(err) {
			return fmt.Errorf("pull: %w", err)
		}
		// staged leftovers can still be processed
		log.Warn("Pull failed, processing what is staged", logger.Error(err))
		report.Pull.Errors = append(report.Pull.Errors, models.FileError{Stage: "list", Error: err.Error()})
	}

	batch, err := r.processor.ProcessBatch(ctx)
	report.Batch = batch
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	n, err := r.reprocessor.ScanAndRequeue(ctx)
	report.Reprocessed = n
	if err != nil {
		return fmt.Errorf("reprocess: %w", err)
	}

	push, err := r.syncer.Push(ctx)
	report.Push = push
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

func (r *Runner) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}

func (r *Runner) Status(ctx context.Context) Status {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	last, err := r.reports.LastReport(ctx)
	if err != nil {
		r.logger.Warn("Failed to load last cycle report", logger.Error(err))
	}
	return Status{Running: running, Last: last, Watch: r.watch.Status()}
}

// Run reconciles on start, on every interval tick, on Trigger and on inbox
// change notifications, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.config.Interval <= 0 {
		return errors.New("sync interval must be positive")
	}

	// watch 跟随 Run 退出,包括致命错误返回时
	watchCtx, cancelWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := r.syncer.Watch(watchCtx, r.watch, r.config.Watch, func() { r.Trigger(TriggerWatch) })
		switch {
		case errors.Is(err, inboxsync.ErrNotifyUnsupported):
			r.logger.Info("Storage has no change notifications, polling only")
		case err != nil && watchCtx.Err() == nil:
			r.logger.Warn("Watch stopped", logger.Error(err))
		}
	}()
	defer func() {
		cancelWatch()
		wg.Wait()
	}()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	reason := TriggerStartup
	for {
		if _, err := r.Reconcile(ctx, reason); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if store.IsIOError(err) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reason = TriggerInterval
		case reason = <-r.trigger:
		}
	}
}

// MemoryReports keeps the most recent reports in process.
type MemoryReports struct {
	mu      sync.Mutex
	reports []models.CycleReport
	keep    int
}

func NewMemoryReports() *MemoryReports {
	return &MemoryReports{keep: 20}
}

func (m *MemoryReports) SaveReport(ctx context.Context, report models.CycleReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	if len(m.reports) > m.keep {
		m.reports = m.reports[len(m.reports)-m.keep:]
	}
	return nil
}

func (m *MemoryReports) LastReport(ctx context.Context) (*models.CycleReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return nil, nil
	}
	last := m.reports[len(m.reports)-1]
	return &last, nil
}
