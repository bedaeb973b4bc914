package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Request 一次结构化补全请求
type Request struct {
	System     string
	Prompt     string
	Model      string
	MaxTokens  int
	SchemaName string
	// Schema is the JSON schema the response must satisfy. When set the
	// request asks for json_schema structured output.
	Schema json.RawMessage
}

// Response carries the raw assistant message; callers validate it.
type Response struct {
	Content     string
	Model       string
	TotalTokens int
}

// Completer is the AI completion service.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client talks to an OpenAI compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logger.Logger
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log logger.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Named("llm"),
	}
}

func (c *Client) Complete(ctx context.Context, in Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, &models.ConfigurationError{Setting: "OPENAI_API_KEY"}
	}

	body := chatRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: 0.2,
	}
	if in.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: in.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: in.Prompt})
	if len(in.Schema) > 0 {
		name := in.SchemaName
		if name == "" {
			name = "response"
		}
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: name, Strict: true, Schema: in.Schema},
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("Sending completion request",
		logger.String("url", url),
		logger.String("model", in.Model),
		logger.Int("maxTokens", in.MaxTokens),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransportError{Op: "chat completion", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &models.TransportError{Op: "chat completion", Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &models.TransportError{
			Op:         "chat completion",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(errorMessage(raw)),
		}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, &models.ValidationError{Reason: "undecodable completion envelope", Payload: truncate(string(raw), 512)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &models.ValidationError{Reason: "no choices returned"}
	}

	c.logger.Info("Completion finished",
		logger.String("model", chatResp.Model),
		logger.String("finishReason", chatResp.Choices[0].FinishReason),
		logger.Int("tokens", chatResp.Usage.TotalTokens),
	)

	model := chatResp.Model
	if model == "" {
		model = in.Model
	}
	return &Response{
		Content:     chatResp.Choices[0].Message.Content,
		Model:       model,
		TotalTokens: chatResp.Usage.TotalTokens,
	}, nil
}

func errorMessage(raw []byte) string {
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if len(raw) == 0 {
		return "empty body"
	}
	return truncate(string(raw), 256)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
