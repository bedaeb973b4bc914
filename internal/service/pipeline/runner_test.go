package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/inboxsync"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

type fakeStages struct {
	mu      sync.Mutex
	calls   []string
	pullErr error
	// closed by the test to let Pull return
	release chan struct{}
	entered chan struct{}
}

func (f *fakeStages) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeStages) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStages) count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeStages) Pull(ctx context.Context) (models.SyncReport, error) {
	f.record("pull")
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return models.SyncReport{Listed: 1, Downloaded: []string{"note.txt"}}, f.pullErr
}

func (f *fakeStages) Push(ctx context.Context) (models.SyncReport, error) {
	f.record("push")
	return models.SyncReport{Uploaded: []string{"note.txt"}}, nil
}

func (f *fakeStages) Watch(ctx context.Context, state *inboxsync.WatchState, wc inboxsync.WatchConfig, trigger func()) error {
	return inboxsync.ErrNotifyUnsupported
}

func (f *fakeStages) ProcessBatch(ctx context.Context) (models.BatchReport, error) {
	f.record("process")
	return models.BatchReport{Processed: []string{"note.txt"}}, nil
}

func (f *fakeStages) ScanAndRequeue(ctx context.Context) (int, error) {
	f.record("reprocess")
	return 2, nil
}

func newRunner(f *fakeStages, interval time.Duration) *Runner {
	return NewRunner(f, f, f, nil, Config{Interval: interval}, logger.NewTestLogger())
}

func TestReconcileRunsStagesInOrder(t *testing.T) {
	f := &fakeStages{}
	r := newRunner(f, time.Minute)

	report, err := r.Reconcile(context.Background(), TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, []string{"pull", "process", "reprocess", "push"}, f.Calls())
	assert.Equal(t, TriggerAPI, report.Trigger)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, []string{"note.txt"}, report.Pull.Downloaded)
	assert.Equal(t, []string{"note.txt"}, report.Batch.Processed)
	assert.Equal(t, 2, report.Reprocessed)
	assert.Equal(t, []string{"note.txt"}, report.Push.Uploaded)
	assert.Empty(t, report.Error)

	status := r.Status(context.Background())
	assert.False(t, status.Running)
	require.NotNil(t, status.Last)
	assert.Equal(t, report.ID, status.Last.ID)
}

func TestReconcileContinuesAfterListFailure(t *testing.T) {
	f := &fakeStages{pullErr: errors.New("remote unavailable")}
	r := newRunner(f, time.Minute)

	report, err := r.Reconcile(context.Background(), TriggerInterval)
	require.NoError(t, err)
	assert.Equal(t, []string{"pull", "process", "reprocess", "push"}, f.Calls())
	require.Len(t, report.Pull.Errors, 1)
	assert.Equal(t, "list", report.Pull.Errors[0].Stage)
}

func TestReconcileAbortsOnRecordStoreFailure(t *testing.T) {
	f := &fakeStages{pullErr: &store.IOError{Op: "write", Path: "records", Err: os.ErrPermission}}
	r := newRunner(f, time.Minute)

	report, err := r.Reconcile(context.Background(), TriggerInterval)
	require.Error(t, err)
	assert.True(t, store.IsIOError(err))
	assert.Equal(t, []string{"pull"}, f.Calls())
	assert.NotEmpty(t, report.Error)

	last, err := r.reports.LastReport(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, report.ID, last.ID)
}

func TestReconcileIsSingleFlight(t *testing.T) {
	f := &fakeStages{release: make(chan struct{}), entered: make(chan struct{}, 4)}
	r := newRunner(f, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]models.CycleReport, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = r.Reconcile(ctx, TriggerAPI)
	}()
	<-f.entered
	assert.True(t, r.Status(ctx).Running)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = r.Reconcile(ctx, TriggerWatch)
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, 1, f.count("pull"))
	assert.Equal(t, reports[0].ID, reports[1].ID)
}

func TestRunReconcilesOnStartupAndTrigger(t *testing.T) {
	f := &fakeStages{}
	r := newRunner(f, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return f.count("push") == 1 }, time.Second, 10*time.Millisecond)

	r.Trigger(TriggerReview)
	require.Eventually(t, func() bool { return f.count("push") == 2 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		last := r.Status(ctx).Last
		return last != nil && last.Trigger == TriggerReview
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// watchingStages holds its watch open until the context ends, like a
// notification channel on a live bucket.
type watchingStages struct {
	*fakeStages
	watchDone chan struct{}
}

func (w *watchingStages) Watch(ctx context.Context, state *inboxsync.WatchState, wc inboxsync.WatchConfig, trigger func()) error {
	defer close(w.watchDone)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunStopsWatchOnRecordStoreFailure(t *testing.T) {
	f := &fakeStages{pullErr: &store.IOError{Op: "write", Path: "records", Err: os.ErrPermission}}
	w := &watchingStages{fakeStages: f, watchDone: make(chan struct{})}
	r := NewRunner(w, f, f, nil, Config{Interval: time.Hour}, logger.NewTestLogger())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, store.IsIOError(err))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a record store failure")
	}
	select {
	case <-w.watchDone:
	default:
		t.Fatal("watch still running after Run returned")
	}
}

func TestRunRejectsZeroInterval(t *testing.T) {
	r := newRunner(&fakeStages{}, 0)
	assert.Error(t, r.Run(context.Background()))
}

func TestMemoryReportsKeepsRecent(t *testing.T) {
	m := NewMemoryReports()
	ctx := context.Background()

	last, err := m.LastReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	for i := 0; i < 25; i++ {
		require.NoError(t, m.SaveReport(ctx, models.CycleReport{Reprocessed: i}))
	}
	assert.Len(t, m.reports, 20)
	last, err = m.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, last.Reprocessed)
}
