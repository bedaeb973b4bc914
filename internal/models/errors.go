package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no record exists for an identity.
var ErrNotFound = errors.New("record not found")

// ExtractionKind 提取失败的分类
type ExtractionKind string

const (
	UnsupportedFormat ExtractionKind = "unsupported_format"
	CorruptInput      ExtractionKind = "corrupt_input"
	ToolUnavailable   ExtractionKind = "tool_unavailable"
)

// ExtractionError is a per-file failure of a text extraction strategy.
type ExtractionError struct {
	Kind   ExtractionKind
	Method string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extraction %s (%s)", e.Kind, e.Method)
	}
	return fmt.Sprintf("extraction %s (%s): %v", e.Kind, e.Method, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// NewExtractionError 构造提取错误
func NewExtractionError(kind ExtractionKind, method string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Method: method, Err: err}
}

// TransportError wraps a network level failure talking to storage or the AI service.
type TransportError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *TransportError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// ValidationError AI 返回内容不符合结构要求
type ValidationError struct {
	Reason  string
	Payload string
}

func (e *ValidationError) Error() string {
	return "invalid ai response: " + e.Reason
}

// ConfigurationError marks a missing credential or setting.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return "missing configuration: " + e.Setting
}

// ConflictError reports a write based on a stale revision.
type ConflictError struct {
	Identity string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write for %s: based on revision %d, store has %d", e.Identity, e.Expected, e.Actual)
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}
