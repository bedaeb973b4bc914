package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// SourceValidator checks a staged source file before extraction.
type SourceValidator struct {
	logger      logger.Logger
	maxFileSize int64
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []Issue  `json:"errors,omitempty"`
	FileInfo FileInfo `json:"fileInfo"`
}

// Issue 验证问题
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
}

func NewSourceValidator(log logger.Logger, maxFileSize int64) *SourceValidator {
	if maxFileSize <= 0 {
		maxFileSize = 50 * 1024 * 1024
	}
	return &SourceValidator{logger: log.Named("validator"), maxFileSize: maxFileSize}
}

// Validate never rejects a file silently: invalid files still get a result
// whose issues end up in the record's processing note.
func (v *SourceValidator) Validate(name string, data []byte) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  name,
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(name)),
			MimeType:  mimetype.Detect(data).String(),
			Hash:      HashBytes(data),
		},
	}

	if result.FileInfo.Size == 0 {
		result.add("EMPTY_FILE", "File is empty", "size")
	}
	if result.FileInfo.Size > v.maxFileSize {
		result.add("FILE_TOO_LARGE", fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.maxFileSize), "size")
	}

	if !result.IsValid {
		v.logger.Warn("Source file failed validation",
			logger.String("file", name),
			logger.String("reason", result.Summary()),
		)
	}
	return result
}

func (r *ValidationResult) add(code, msg, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, Issue{Code: code, Message: msg, Field: field})
}

// Summary joins the issue messages.
func (r *ValidationResult) Summary() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
