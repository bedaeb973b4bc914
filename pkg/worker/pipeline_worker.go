package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/queue"
)

// CycleRunner runs one pull, process, reprocess, push cycle.
type CycleRunner interface {
	Reconcile(ctx context.Context, trigger string) (models.CycleReport, error)
}

// RecordReprocessor runs one reprocessing round for a record.
type RecordReprocessor interface {
	Reprocess(ctx context.Context, identity string) (bool, error)
}

type PipelineWorker struct {
	BaseWorker
	runner      CycleRunner
	reprocessor RecordReprocessor
}

func NewPipelineWorker(cfg *Config, runner CycleRunner, reprocessor RecordReprocessor, log logger.Logger) (*PipelineWorker, error) {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)

	w := &PipelineWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log.Named("worker"),
			stopChan: make(chan struct{}),
		},
		runner:      runner,
		reprocessor: reprocessor,
	}

	if cfg.CycleCron != "" {
		w.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
		task, err := queue.NewCycleTask("schedule")
		if err != nil {
			return nil, err
		}
		if _, err := w.scheduler.Register(cfg.CycleCron, task); err != nil {
			return nil, fmt.Errorf("failed to register cycle schedule %q: %w", cfg.CycleCron, err)
		}
	}

	// 注册任务处理器
	w.registerHandlers()
	return w, nil
}

func (w *PipelineWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeCycle, w.handleCycle)
	w.mux.HandleFunc(queue.TaskTypeReprocess, w.handleReprocess)
}

func (w *PipelineWorker) handleCycle(ctx context.Context, t *asynq.Task) error {
	var p queue.CyclePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.logger.Error("Failed to unmarshal task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("failed to unmarshal task: %w: %w", err, asynq.SkipRetry)
	}

	report, err := w.runner.Reconcile(ctx, p.Trigger)
	w.writeResult(t, report)
	if err != nil {
		return fmt.Errorf("cycle %s: %w", report.ID, err)
	}
	return nil
}

func (w *PipelineWorker) handleReprocess(ctx context.Context, t *asynq.Task) error {
	var p queue.ReprocessPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.Identity == "" {
		w.logger.Error("Invalid reprocess task", logger.String("payload", string(t.Payload())))
		return fmt.Errorf("invalid reprocess task: %w", asynq.SkipRetry)
	}

	done, err := w.reprocessor.Reprocess(ctx, p.Identity)
	if err != nil {
		return fmt.Errorf("reprocess %s: %w", p.Identity, err)
	}
	if !done {
		// busy or no longer flagged; the periodic scan picks it up
		w.logger.Info("Reprocess task had nothing to do", logger.String("identity", p.Identity))
	}
	return nil
}

func (w *PipelineWorker) writeResult(t *asynq.Task, report models.CycleReport) {
	info := t.ResultWriter()
	if info == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	if _, err := info.Write(data); err != nil {
		w.logger.Error("Failed to write task result", logger.Error(err))
	}
}

func (w *PipelineWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.stopChan:
		}
	}()

	return nil
}
