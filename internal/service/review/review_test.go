package review

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/agent"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document/text"
	"github.com/feichai0017/knowledge-inbox/internal/agent/llm"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/enrich"
	"github.com/feichai0017/knowledge-inbox/internal/service/ingest"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/internal/utils/validator"
	"github.com/feichai0017/knowledge-inbox/pkg/lock"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const recipeJSON = `{"extract_title":"Milk and a recipe","extract_content":"A recipe worth keeping, plus buying milk.","tags":["recipe"]}`

type recordingAI struct {
	mu      sync.Mutex
	reply   string
	prompts []string
}

func (r *recordingAI) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, req.Prompt)
	return &llm.Response{Content: r.reply, Model: req.Model}, nil
}

type fixture struct {
	store  *store.Store
	gate   *Gate
	loop   *ReprocessLoop
	locker *lock.MemoryLocker
	ai     *recordingAI
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewTestLogger()
	st, err := store.New(filepath.Join(t.TempDir(), "records"), log)
	require.NoError(t, err)

	ai := &recordingAI{reply: recipeJSON}
	engine := enrich.NewEngine(ai, cfg.AIConfig{
		Endpoint:      "http://ai.local/v1",
		APIKey:        "sk-test",
		Model:         "small",
		MaxAttempts:   1,
		MaxConcurrent: 1,
	}, log)
	dispatcher := agent.NewDispatcherWith(log, validator.NewSourceValidator(log, 1<<20), nil, map[models.FileType]document.Extractor{
		models.FileTypeText: text.NewExtractor(),
	})
	locker := lock.NewMemoryLocker()
	return &fixture{
		store:  st,
		gate:   NewGate(st, log),
		loop:   NewReprocessLoop(st, dispatcher, engine, locker, LoopConfig{Concurrency: 2, StaleAfter: time.Minute}, log),
		locker: locker,
		ai:     ai,
	}
}

func (f *fixture) put(t *testing.T, rec *models.Record) *models.Record {
	t.Helper()
	written, err := f.store.Put(context.Background(), rec)
	require.NoError(t, err)
	return written
}

func flaggedNote() *models.Record {
	rec := models.NewRecord("note.txt", models.FileTypeText)
	rec.RawText = "Buy milk. See https://example.com for recipe."
	rec.ParseStatus = models.ParseFullAI
	rec.ExtractTitle = "Grocery reminder"
	rec.ExtractContent = "Reminder to buy milk."
	rec.Tags = []string{"groceries"}
	rec.ReprocessStatus = models.ReprocessRequested
	rec.ReprocessNotes = "Focus on the recipe"
	return rec
}

func TestScanAndRequeueRunsOneRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, flaggedNote())

	n, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ReprocessRounds)
	assert.Equal(t, models.ReprocessComplete, rec.ReprocessStatus)
	assert.Empty(t, rec.ReprocessNotes)
	assert.Equal(t, models.ParseFullAI, rec.ParseStatus)
	assert.Equal(t, "Milk and a recipe", rec.ExtractTitle)
	assert.Equal(t, []string{"recipe"}, rec.Tags)
	assert.False(t, rec.Reviewed)

	require.Len(t, f.ai.prompts, 1)
	assert.Contains(t, f.ai.prompts[0], "Focus on the recipe")

	require.Len(t, rec.ReprocessHistory, 1)
	assert.Equal(t, models.ReprocessRound{
		Round:       1,
		Notes:       "Focus on the recipe",
		ParseStatus: models.ParseFullAI,
		Outcome:     models.ReprocessComplete,
		FinishedAt:  rec.ReprocessHistory[0].FinishedAt,
	}, rec.ReprocessHistory[0])

	// nothing left to do
	n, err = f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.ai.prompts, 1)
}

func TestConsecutiveRoundsDoNotReuseNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, flaggedNote())

	_, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, "note.txt")
	require.NoError(t, err)
	require.Empty(t, rec.ReprocessNotes)
	rec.ReprocessStatus = models.ReprocessRequested
	f.put(t, rec)

	n, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, f.ai.prompts, 2)
	assert.Contains(t, f.ai.prompts[0], "Focus on the recipe")
	assert.NotContains(t, f.ai.prompts[1], "Focus on the recipe")

	rec, err = f.store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ReprocessRounds)
	require.Len(t, rec.ReprocessHistory, 2)
	assert.Equal(t, "Focus on the recipe", rec.ReprocessHistory[0].Notes)
	assert.Empty(t, rec.ReprocessHistory[1].Notes)
	assert.Equal(t, models.ReprocessComplete, rec.ReprocessStatus)
}

func TestReprocessWithoutTextFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := models.NewRecord("scan.png", models.FileTypeImage)
	rec.ReprocessStatus = models.ReprocessRequested
	f.put(t, rec)

	n, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, "scan.png")
	require.NoError(t, err)
	assert.Equal(t, models.ReprocessFailed, got.ReprocessStatus)
	assert.Equal(t, 1, got.ReprocessRounds)
	assert.NotEmpty(t, got.ProcessingNote)
	assert.Empty(t, f.ai.prompts)

	// failed rounds remain in the staging set
	pending, err := f.gate.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "scan.png", pending[0].Identity)
}

func TestReprocessReextractsFromSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(src, []byte("Recipe: pancakes. https://example.com/pancakes"), 0o644))

	rec := models.NewRecord("note.txt", models.FileTypeText)
	rec.SourcePath = src
	rec.ReprocessStatus = models.ReprocessRequested
	f.put(t, rec)

	_, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ReprocessComplete, got.ReprocessStatus)
	assert.Equal(t, "Recipe: pancakes. https://example.com/pancakes", got.RawText)
	assert.Equal(t, []models.URLRef{{URL: "https://example.com/pancakes"}}, got.ExtractedURLs)
	assert.Equal(t, models.ParseFullAI, got.ParseStatus)
}

func TestReprocessSkipsLockedIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, flaggedNote())

	unlock, ok, err := f.locker.TryLock(ctx, ingest.LockKey("note.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	n, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := f.store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ReprocessRequested, rec.ReprocessStatus)
	assert.Zero(t, rec.ReprocessRounds)
}

func TestReprocessResumesStaleRoundWithoutIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := flaggedNote()
	rec.ReprocessStatus = models.ReprocessInProgress
	rec.ReprocessRounds = 3
	f.put(t, rec)

	// fresh in_progress rounds belong to someone else
	n, err := f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.loop.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = f.loop.ScanAndRequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ReprocessRounds)
	assert.Equal(t, models.ReprocessComplete, got.ReprocessStatus)
}

func TestListPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		rec := models.NewRecord(name, models.FileTypeText)
		rec.ProcessedAt = base.Add(time.Duration(i%2) * time.Hour)
		rec.Reviewed = name == "d.txt"
		f.put(t, rec)
	}

	pending, err := f.gate.ListPending(ctx)
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.Identity
	}
	assert.Equal(t, []string{"b.txt", "a.txt", "c.txt"}, ids)
}

func TestApplyUpdateRequestWinsOverReviewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stored := f.put(t, flaggedNote())

	nudged := 0
	f.gate.OnReprocessRequested(func(identity string) {
		assert.Equal(t, "note.txt", identity)
		nudged++
	})

	update := stored.Clone()
	update.Identity = "renamed.txt"
	update.Reviewed = true
	update.ReprocessStatus = models.ReprocessRequested
	update.ReprocessNotes = "Shorter summary please"

	got, err := f.gate.ApplyUpdate(ctx, "note.txt", update)
	require.NoError(t, err)
	assert.Equal(t, "note.txt", got.Identity)
	assert.False(t, got.Reviewed)
	assert.Equal(t, models.ReprocessRequested, got.ReprocessStatus)
	assert.Equal(t, 1, nudged)

	_, err = f.store.Get(ctx, "renamed.txt")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApplyUpdateApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := flaggedNote()
	rec.ReprocessStatus = models.ReprocessComplete
	stored := f.put(t, rec)

	update := stored.Clone()
	update.Reviewed = true
	got, err := f.gate.ApplyUpdate(ctx, "note.txt", update)
	require.NoError(t, err)
	assert.True(t, got.Reviewed)
	assert.Equal(t, models.ReprocessComplete, got.ReprocessStatus)

	pending, err := f.gate.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApplyUpdateStaleRevisionLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stored := f.put(t, flaggedNote())

	first := stored.Clone()
	first.Category = "Cooking"
	_, err := f.gate.ApplyUpdate(ctx, "note.txt", first)
	require.NoError(t, err)

	second := stored.Clone()
	second.Category = "Shopping"
	got, err := f.gate.ApplyUpdate(ctx, "note.txt", second)
	require.NoError(t, err)
	assert.Equal(t, "Shopping", got.Category)
	assert.Equal(t, stored.Revision+2, got.Revision)
}

func TestApplyUpdateUnknownIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.ApplyUpdate(context.Background(), "missing.txt", models.NewRecord("missing.txt", models.FileTypeText))
	assert.ErrorIs(t, err, models.ErrNotFound)
}
