package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

func TestCompleteSendsStructuredRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"{\"ok\":true}"},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "sk-test", time.Second, logger.NewTestLogger())
	resp, err := c.Complete(context.Background(), Request{
		System:     "be terse",
		Prompt:     "summarize",
		Model:      "gpt-4o-mini",
		MaxTokens:  200,
		SchemaName: "enrichment",
		Schema:     json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, 42, resp.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 200, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.Equal(t, "enrichment", got.ResponseFormat.JSONSchema.Name)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "sk-test", time.Second, logger.NewTestLogger())

	_, err := c.Complete(context.Background(), Request{Prompt: "x"})
	var te *models.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 429, te.StatusCode)
	assert.Equal(t, 3*time.Second, te.RetryAfter)
	assert.True(t, models.IsRetryable(err))
	assert.Contains(t, err.Error(), "slow down")

	status = http.StatusUnauthorized
	_, err = c.Complete(context.Background(), Request{Prompt: "x"})
	assert.False(t, models.IsRetryable(err))

	status = http.StatusBadGateway
	_, err = c.Complete(context.Background(), Request{Prompt: "x"})
	assert.True(t, models.IsRetryable(err))
}

func TestCompleteWithoutKey(t *testing.T) {
	c := NewClient("", "", 0, logger.NewTestLogger())
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})
	var ce *models.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestCompleteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "k", time.Second, logger.NewTestLogger()).Complete(context.Background(), Request{Prompt: "x"})
	assert.True(t, models.IsRetryable(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
