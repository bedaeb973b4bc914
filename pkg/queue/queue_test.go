package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCycleTask(t *testing.T) {
	task, err := NewCycleTask("api")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeCycle, task.Type())

	var p CyclePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "api", p.Trigger)
	assert.False(t, p.RequestedAt.IsZero())
}

func TestNewReprocessTask(t *testing.T) {
	task, err := NewReprocessTask("note.txt")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeReprocess, task.Type())

	var p ReprocessPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "note.txt", p.Identity)
}

func TestConvertAsynqStatus(t *testing.T) {
	done := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	cases := []struct {
		info *asynq.TaskInfo
		want string
	}{
		{&asynq.TaskInfo{ID: "a", State: asynq.TaskStatePending}, "pending"},
		{&asynq.TaskInfo{ID: "b", State: asynq.TaskStateActive}, "running"},
		{&asynq.TaskInfo{ID: "c", State: asynq.TaskStateCompleted, CompletedAt: done}, "completed"},
		{&asynq.TaskInfo{ID: "d", State: asynq.TaskStateRetry, LastErr: "boom"}, "retrying"},
		{&asynq.TaskInfo{ID: "e", State: asynq.TaskStateArchived, LastErr: "boom"}, "failed"},
	}
	for _, tc := range cases {
		got := convertAsynqStatus(tc.info)
		assert.Equal(t, tc.want, got.Status, tc.info.ID)
		assert.Equal(t, tc.info.ID, got.TaskID)
	}
	assert.Equal(t, done, convertAsynqStatus(cases[2].info).FinishedAt)
	assert.Equal(t, "boom", convertAsynqStatus(cases[3].info).Error)
}
