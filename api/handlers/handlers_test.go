package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/knowledge-inbox/api/handlers"
	"github.com/feichai0017/knowledge-inbox/api/routes"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/service/pipeline"
	"github.com/feichai0017/knowledge-inbox/internal/service/review"
	"github.com/feichai0017/knowledge-inbox/internal/store"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/queue"
)

type fakeCycles struct {
	requested []string
	taskID    string
	pingErr   error
	last      *models.CycleReport
}

func (f *fakeCycles) RequestCycle(ctx context.Context, trigger string) (string, error) {
	f.requested = append(f.requested, trigger)
	return f.taskID, nil
}

func (f *fakeCycles) Status(ctx context.Context) pipeline.Status {
	return pipeline.Status{Last: f.last}
}

func (f *fakeCycles) TaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error) {
	if taskID != f.taskID {
		return nil, errors.New("task not found")
	}
	return &queue.TaskStatus{TaskID: taskID, Status: "pending"}, nil
}

func (f *fakeCycles) Ping(ctx context.Context) error { return f.pingErr }

type server struct {
	engine *gin.Engine
	store  *store.Store
	cycles *fakeCycles
	nudged []string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewTestLogger()
	st, err := store.New(filepath.Join(t.TempDir(), "records"), log)
	require.NoError(t, err)

	s := &server{store: st, cycles: &fakeCycles{}}
	gate := review.NewGate(st, log)
	gate.OnReprocessRequested(func(identity string) { s.nudged = append(s.nudged, identity) })

	s.engine = gin.New()
	routes.SetupRoutes(s.engine, handlers.NewHandlers(gate, s.cycles, log), []string{"http://localhost:3000"}, log)
	return s
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *server) put(t *testing.T, rec *models.Record) *models.Record {
	t.Helper()
	written, err := s.store.Put(context.Background(), rec)
	require.NoError(t, err)
	return written
}

func TestListPending(t *testing.T) {
	s := newServer(t)
	s.put(t, models.NewRecord("note.txt", models.FileTypeText))
	done := models.NewRecord("done.txt", models.FileTypeText)
	done.Reviewed = true
	s.put(t, done)

	w := s.do(t, http.MethodGet, "/api/v1/records/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count   int              `json:"count"`
		Records []*models.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "note.txt", resp.Records[0].Identity)
}

func TestListPendingEmpty(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/records/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":0,"records":[]}`, w.Body.String())
}

func TestGetRecord(t *testing.T) {
	s := newServer(t)
	rec := models.NewRecord("note.txt", models.FileTypeText)
	rec.RawText = "Buy milk."
	s.put(t, rec)

	w := s.do(t, http.MethodGet, "/api/v1/records/note.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Buy milk.", got.RawText)

	w = s.do(t, http.MethodGet, "/api/v1/records/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/records/bad%3Cname%3E", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateRecordRequestsReprocessing(t *testing.T) {
	s := newServer(t)
	stored := s.put(t, models.NewRecord("note.txt", models.FileTypeText))

	update := stored.Clone()
	update.Reviewed = true
	update.ReprocessStatus = models.ReprocessRequested
	update.ReprocessNotes = "Focus on the recipe"

	for _, method := range []string{http.MethodPut, http.MethodPost} {
		w := s.do(t, method, "/api/v1/records/note.txt", update)
		require.Equal(t, http.StatusOK, w.Code, method)

		var got models.Record
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.False(t, got.Reviewed)
		assert.Equal(t, models.ReprocessRequested, got.ReprocessStatus)
		assert.Equal(t, "Focus on the recipe", got.ReprocessNotes)
		update.Revision = got.Revision
	}
	assert.Equal(t, []string{"note.txt", "note.txt"}, s.nudged)
}

func TestUpdateRecordErrors(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPut, "/api/v1/records/missing.txt", models.NewRecord("missing.txt", models.FileTypeText))
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.put(t, models.NewRecord("note.txt", models.FileTypeText))
	req := httptest.NewRequest(http.MethodPut, "/api/v1/records/note.txt", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid record body", resp.Message)
}

func TestTriggerSync(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/api/v1/sync/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{pipeline.TriggerAPI}, s.cycles.requested)
	assert.NotContains(t, w.Body.String(), "taskId")

	s.cycles.taskID = "cycle-1"
	w = s.do(t, http.MethodPost, "/api/v1/sync/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"taskId":"cycle-1"`)

	w = s.do(t, http.MethodGet, "/api/v1/sync/tasks/cycle-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending"`)

	w = s.do(t, http.MethodGet, "/api/v1/sync/tasks/other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncStatus(t *testing.T) {
	s := newServer(t)
	s.cycles.last = &models.CycleReport{ID: "c1", Trigger: pipeline.TriggerInterval, Reprocessed: 2}

	w := s.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got pipeline.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Last)
	assert.Equal(t, "c1", got.Last.ID)
	assert.Equal(t, 2, got.Last.Reprocessed)
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.cycles.pingErr = errors.New("redis down")
	w = s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/records/pending", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
