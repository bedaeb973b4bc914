package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const recipeReply = `{"extract_title":"Milk and a recipe","extract_content":"A recipe worth keeping, plus buying milk.","tags":["recipe"]}`

func newAIServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		envelope := map[string]any{
			"model": "small",
			"choices": []map[string]any{{
				"message":       map[string]string{"content": recipeReply},
				"finish_reason": "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, aiURL string) cfg.Config {
	root := t.TempDir()
	c := cfg.Default()
	c.Workspace.Root = filepath.Join(root, "work")
	c.Storage.Local.Root = filepath.Join(root, "remote")
	c.Ledger.Path = filepath.Join(root, "ledger.db")
	c.AI.Endpoint = aiURL
	c.AI.APIKey = "sk-test"
	c.AI.MaxAttempts = 1
	c.Extraction.EnrichURLs = false
	return c
}

func TestServiceFullRound(t *testing.T) {
	var calls atomic.Int32
	srv := newAIServer(t, &calls)
	c := testConfig(t, srv.URL)
	ctx := context.Background()

	svc, err := NewService(ctx, c, logger.NewTestLogger())
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.Ping(ctx))

	remote := c.Storage.Local.Root
	inbox := filepath.Join(remote, c.Storage.Folders.Inbox)
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "note.txt"), []byte("Buy milk. See https://example.com for recipe."), 0o644))

	report, err := svc.Runner.Reconcile(ctx, TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, []string{"note.txt"}, report.Pull.Downloaded)
	assert.Equal(t, []string{"note.txt"}, report.Batch.Processed)
	assert.ElementsMatch(t, []string{"note.txt.md", "note.txt"}, report.Push.Uploaded)
	assert.Equal(t, []string{"note.txt"}, report.Push.Deleted)

	rec, err := svc.Store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, models.ParseFullAI, rec.ParseStatus)
	assert.Equal(t, "Milk and a recipe", rec.ExtractTitle)
	assert.Equal(t, []models.URLRef{{URL: "https://example.com"}}, rec.ExtractedURLs)

	assert.FileExists(t, filepath.Join(remote, c.Storage.Folders.ProcessedRecords, "note.txt.md"))
	assert.FileExists(t, filepath.Join(remote, c.Storage.Folders.ProcessedSources, "note.txt"))
	assert.NoFileExists(t, filepath.Join(inbox, "note.txt"))

	// reviewer asks for another round
	update := rec.Clone()
	update.ReprocessStatus = models.ReprocessRequested
	update.ReprocessNotes = "Focus on the recipe"
	_, err = svc.Gate.ApplyUpdate(ctx, "note.txt", update)
	require.NoError(t, err)

	select {
	case reason := <-svc.Runner.trigger:
		assert.Equal(t, TriggerReview, reason)
	default:
		t.Fatal("review update did not wake the runner")
	}

	report, err = svc.Runner.Reconcile(ctx, TriggerReview)
	require.NoError(t, err)
	assert.Empty(t, report.Pull.Downloaded)
	assert.Equal(t, 1, report.Reprocessed)
	assert.Equal(t, []string{"note.txt.md"}, report.Push.Uploaded)

	rec, err = svc.Store.Get(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ReprocessRounds)
	assert.Equal(t, models.ReprocessComplete, rec.ReprocessStatus)
	assert.Empty(t, rec.ReprocessNotes)

	// steady state
	report, err = svc.Runner.Reconcile(ctx, TriggerInterval)
	require.NoError(t, err)
	assert.Empty(t, report.Pull.Downloaded)
	assert.Empty(t, report.Batch.Processed)
	assert.Zero(t, report.Reprocessed)
	assert.Empty(t, report.Push.Uploaded)
	assert.Equal(t, int32(2), calls.Load())

	status := svc.Status(ctx)
	require.NotNil(t, status.Last)
	assert.Equal(t, TriggerInterval, status.Last.Trigger)
}

func TestServiceRequestCycleWithoutQueue(t *testing.T) {
	var calls atomic.Int32
	c := testConfig(t, newAIServer(t, &calls).URL)
	svc, err := NewService(context.Background(), c, logger.NewTestLogger())
	require.NoError(t, err)
	defer svc.Close()

	id, err := svc.RequestCycle(context.Background(), TriggerAPI)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, TriggerAPI, <-svc.Runner.trigger)

	_, err = svc.TaskStatus(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrQueueDisabled)
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	_, err := NewStorage(context.Background(), cfg.StorageConfig{Type: "ftp"}, logger.NewTestLogger())
	assert.Error(t, err)
}
