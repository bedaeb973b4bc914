package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/agent"
	"github.com/feichai0017/knowledge-inbox/internal/agent/llm"
	"github.com/feichai0017/knowledge-inbox/internal/ledger"
	"github.com/feichai0017/knowledge-inbox/internal/service/enrich"
	"github.com/feichai0017/knowledge-inbox/internal/service/inboxsync"
	"github.com/feichai0017/knowledge-inbox/internal/service/ingest"
	"github.com/feichai0017/knowledge-inbox/internal/service/review"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/lock"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/queue"
	"github.com/feichai0017/knowledge-inbox/pkg/storage"
	"github.com/feichai0017/knowledge-inbox/pkg/storage/local"
	"github.com/feichai0017/knowledge-inbox/pkg/storage/minio"
	"github.com/feichai0017/knowledge-inbox/pkg/storage/s3"
)

// Service holds every wired component of the pipeline.
type Service struct {
	Config       cfg.Config
	Store        *store.Store
	Ledger       *ledger.Ledger
	Sync         *inboxsync.Coordinator
	Orchestrator *ingest.Orchestrator
	Gate         *review.Gate
	Reprocess    *review.ReprocessLoop
	Runner       *Runner
	// nil unless the queue is enabled
	Queue *queue.AsynqQueue

	logger  logger.Logger
	closers []func() error
}

// NewStorage opens the remote storage named by the config.
func NewStorage(ctx context.Context, c cfg.StorageConfig, log logger.Logger) (storage.Storage, error) {
	switch c.Type {
	case cfg.StorageTypeS3:
		return s3.NewS3Storage(ctx, c.S3, log)
	case cfg.StorageTypeMinio:
		return minio.NewMinioStorage(ctx, c.Minio, log)
	case cfg.StorageTypeLocal:
		return local.NewLocalStorage(c.Local.Root, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Type)
	}
}

// NewService wires the pipeline from configuration.
func NewService(ctx context.Context, c cfg.Config, log logger.Logger) (*Service, error) {
	s := &Service{Config: c, logger: log}
	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	c, log := s.Config, s.logger

	// 初始化远端存储
	remote, err := NewStorage(ctx, c.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	s.Store, err = store.New(c.Workspace.RecordsDir(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}

	s.Ledger, err = ledger.Open(c.Ledger.Path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	s.closers = append(s.closers, s.Ledger.Close)

	var redisClient *redis.Client
	if c.Queue.Enabled {
		s.Queue = queue.NewAsynqQueue(c.Queue)
		s.closers = append(s.closers, s.Queue.Close)
		redisClient = s.Queue.Redis()
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if c.Lock.Backend == "redis" {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{Addr: c.Queue.RedisAddr, DB: c.Queue.RedisDB})
			s.closers = append(s.closers, redisClient.Close)
		}
		locker = lock.NewRedisLocker(redisClient, "pkm:lock:", c.Lock.TTL)
	}

	dispatcher, err := agent.NewDispatcher(ctx, c.Extraction, log)
	if err != nil {
		return fmt.Errorf("failed to initialize extraction dispatcher: %w", err)
	}

	completer := llm.NewClient(c.AI.Endpoint, c.AI.APIKey, c.AI.Timeout, log)
	engine := enrich.NewEngine(completer, c.AI, log)
	if !engine.Configured() {
		log.Warn("AI credentials missing, records will keep basic metadata")
	}

	s.Orchestrator, err = ingest.NewOrchestrator(s.Store, dispatcher, engine, s.Ledger, locker, ingest.Config{
		StagingDir:  c.Workspace.StagingDir(),
		SourcesDir:  c.Workspace.SourcesDir(),
		Concurrency: c.Sync.Concurrency,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	s.Sync = inboxsync.NewCoordinator(remote, s.Ledger, s.Store, c.Storage.Folders, c.Workspace.StagingDir(), c.Sync.Concurrency, log)
	s.Gate = review.NewGate(s.Store, log)
	s.Reprocess = review.NewReprocessLoop(s.Store, dispatcher, engine, locker, review.LoopConfig{
		Concurrency: c.Sync.Concurrency,
		StaleAfter:  c.Sync.StaleAfter,
	}, log)

	var reports ReportStore
	if s.Queue != nil {
		reports = s.Queue
	}
	s.Runner = NewRunner(s.Sync, s.Orchestrator, s.Reprocess, reports, Config{
		Interval: c.Sync.Interval,
		Watch: inboxsync.WatchConfig{
			TTL:         c.Sync.WatchTTL,
			RenewBefore: c.Sync.RenewBefore,
			Debounce:    c.Sync.Debounce,
		},
	}, log)

	s.Gate.OnReprocessRequested(s.nudge)
	return nil
}

// nudge schedules reprocessing right after a reviewer asks for it.
func (s *Service) nudge(identity string) {
	if s.Queue == nil {
		s.Runner.Trigger(TriggerReview)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Queue.EnqueueReprocess(ctx, identity); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			s.logger.Warn("Failed to enqueue reprocess task, falling back to the next cycle",
				logger.String("identity", identity),
				logger.Error(err),
			)
		}
	}()
}

// RequestCycle runs a cycle through the queue when enabled, otherwise it
// wakes the in-process runner. It returns the task id when queued.
func (s *Service) RequestCycle(ctx context.Context, trigger string) (string, error) {
	if s.Queue == nil {
		s.Runner.Trigger(trigger)
		return "", nil
	}
	id, err := s.Queue.EnqueueCycle(ctx, trigger)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return "", nil
	}
	return id, err
}

// WatchInbox enqueues a cycle for every burst of inbox changes. It is used
// by the worker process, where the runner loop does not run.
func (s *Service) WatchInbox(ctx context.Context) error {
	return s.Sync.Watch(ctx, s.Runner.watch, s.Runner.config.Watch, func() {
		if _, err := s.RequestCycle(ctx, TriggerWatch); err != nil {
			s.logger.Warn("Failed to request cycle on inbox change", logger.Error(err))
		}
	})
}

// Status returns the runner state and the last finished cycle.
func (s *Service) Status(ctx context.Context) Status {
	return s.Runner.Status(ctx)
}

// ErrQueueDisabled is returned for task lookups without a queue.
var ErrQueueDisabled = errors.New("task queue is disabled")

func (s *Service) TaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error) {
	if s.Queue == nil {
		return nil, ErrQueueDisabled
	}
	return s.Queue.GetTaskStatus(ctx, taskID)
}

// Ping reports whether the service's dependencies are reachable.
func (s *Service) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.Store.Dir()); err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	if s.Queue != nil {
		if err := s.Queue.Redis().Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
