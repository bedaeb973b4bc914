// pkg/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/models"
)

// TaskType 定义任务类型
const (
	TaskTypeCycle     = "inbox:cycle"
	TaskTypeReprocess = "record:reprocess"
)

const (
	lastReportKey  = "pkm:cycle:last"
	historyKey     = "pkm:cycle:history"
	historyLength  = 50
	reportTTL      = 7 * 24 * time.Hour
	cycleUniqueTTL = time.Minute
)

var queueNames = []string{"critical", "default", "low"}

// Queue distributes pipeline work to workers.
type Queue interface {
	EnqueueCycle(ctx context.Context, trigger string) (string, error)
	EnqueueReprocess(ctx context.Context, identity string) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
}

// CyclePayload is the body of a cycle task.
type CyclePayload struct {
	Trigger     string    `json:"trigger"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ReprocessPayload is the body of a reprocess task.
type ReprocessPayload struct {
	Identity    string    `json:"identity"`
	RequestedAt time.Time `json:"requestedAt"`
}

// TaskStatus 定义任务状态
type TaskStatus struct {
	TaskID     string    `json:"taskId"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// AsynqQueue 实现
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
}

// RedisOpt converts the queue config for asynq.
func RedisOpt(c cfg.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, DB: c.RedisDB}
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(c cfg.QueueConfig) *AsynqQueue {
	redisOpt := RedisOpt(c)
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redis:     redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB}),
	}
}

// Redis exposes the shared client for locks.
func (q *AsynqQueue) Redis() *redis.Client { return q.redis }

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redis.Close())
}

// NewCycleTask builds a cycle task. Cycles requested while one is queued
// are dropped by asynq's uniqueness lock.
func NewCycleTask(trigger string) (*asynq.Task, error) {
	payload, err := json.Marshal(CyclePayload{Trigger: trigger, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return asynq.NewTask(TaskTypeCycle, payload,
		asynq.Queue("default"),
		asynq.MaxRetry(1),
		asynq.Timeout(30*time.Minute),
		asynq.Unique(cycleUniqueTTL),
	), nil
}

func NewReprocessTask(identity string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReprocessPayload{Identity: identity, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return asynq.NewTask(TaskTypeReprocess, payload,
		asynq.Queue("critical"),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.TaskID("reprocess:"+identity),
	), nil
}

// EnqueueCycle 将一次同步周期加入队列
func (q *AsynqQueue) EnqueueCycle(ctx context.Context, trigger string) (string, error) {
	t, err := NewCycleTask(trigger)
	if err != nil {
		return "", err
	}
	info, err := q.client.EnqueueContext(ctx, t)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", ErrAlreadyQueued
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

func (q *AsynqQueue) EnqueueReprocess(ctx context.Context, identity string) (string, error) {
	t, err := NewReprocessTask(identity)
	if err != nil {
		return "", err
	}
	info, err := q.client.EnqueueContext(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", ErrAlreadyQueued
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// ErrAlreadyQueued means an equivalent task is already waiting.
var ErrAlreadyQueued = errors.New("task already queued")

// GetTaskStatus 获取任务状态
func (q *AsynqQueue) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var lastErr error
	for _, queueName := range queueNames {
		info, err := q.inspector.GetTaskInfo(queueName, taskID)
		if err == nil {
			return convertAsynqStatus(info), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("task not found in any queue: %w", lastErr)
}

// SaveReport stores a cycle report as the latest one and in a capped history.
func (q *AsynqQueue) SaveReport(ctx context.Context, report models.CycleReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, lastReportKey, data, reportTTL)
	pipe.LPush(ctx, historyKey, data)
	pipe.LTrim(ctx, historyKey, 0, historyLength-1)
	pipe.Expire(ctx, historyKey, reportTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// LastReport returns nil when no cycle has finished yet.
func (q *AsynqQueue) LastReport(ctx context.Context) (*models.CycleReport, error) {
	data, err := q.redis.Get(ctx, lastReportKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report from redis: %w", err)
	}
	var report models.CycleReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

// convertAsynqStatus 将 asynq 状态转换为 TaskStatus
func convertAsynqStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{
		TaskID:    info.ID,
		Type:      info.Type,
		StartedAt: info.NextProcessAt,
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled:
		status.Status = "pending"
	case asynq.TaskStateActive:
		status.Status = "running"
	case asynq.TaskStateCompleted:
		status.Status = "completed"
		status.FinishedAt = info.CompletedAt
	case asynq.TaskStateRetry:
		status.Status = "retrying"
		status.Error = info.LastErr
	case asynq.TaskStateArchived:
		status.Status = "failed"
		status.Error = info.LastErr
	default:
		status.Status = info.State.String()
	}

	return status
}
