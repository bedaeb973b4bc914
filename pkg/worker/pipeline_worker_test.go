package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/queue"
)

type fakeRunner struct {
	triggers []string
	err      error
}

func (f *fakeRunner) Reconcile(ctx context.Context, trigger string) (models.CycleReport, error) {
	f.triggers = append(f.triggers, trigger)
	return models.CycleReport{ID: "c1", Trigger: trigger}, f.err
}

type fakeReprocessor struct {
	identities []string
}

func (f *fakeReprocessor) Reprocess(ctx context.Context, identity string) (bool, error) {
	f.identities = append(f.identities, identity)
	return true, nil
}

func newTestWorker(r CycleRunner, p RecordReprocessor) *PipelineWorker {
	return &PipelineWorker{
		BaseWorker:  BaseWorker{mux: asynq.NewServeMux(), logger: logger.NewTestLogger(), stopChan: make(chan struct{})},
		runner:      r,
		reprocessor: p,
	}
}

func TestHandleCycle(t *testing.T) {
	r := &fakeRunner{}
	w := newTestWorker(r, &fakeReprocessor{})

	task, err := queue.NewCycleTask("schedule")
	require.NoError(t, err)
	require.NoError(t, w.handleCycle(context.Background(), task))
	assert.Equal(t, []string{"schedule"}, r.triggers)

	r.err = errors.New("store down")
	assert.Error(t, w.handleCycle(context.Background(), task))
}

func TestHandleCycleBadPayloadSkipsRetry(t *testing.T) {
	w := newTestWorker(&fakeRunner{}, &fakeReprocessor{})
	err := w.handleCycle(context.Background(), asynq.NewTask(queue.TaskTypeCycle, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleReprocess(t *testing.T) {
	p := &fakeReprocessor{}
	w := newTestWorker(&fakeRunner{}, p)

	task, err := queue.NewReprocessTask("note.txt")
	require.NoError(t, err)
	require.NoError(t, w.handleReprocess(context.Background(), task))
	assert.Equal(t, []string{"note.txt"}, p.identities)

	err = w.handleReprocess(context.Background(), asynq.NewTask(queue.TaskTypeReprocess, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
