package document

import (
	"context"
	"path/filepath"
	"strings"
)

// 提取方法标签，写入记录的 extraction_method
const (
	MethodTextRead     = "textread"
	MethodMarkdown     = "markdown"
	MethodRTF          = "rtf"
	MethodPDF          = "pdf"
	MethodOCR          = "ocr"
	MethodTextract     = "textract"
	MethodDocx         = "docx"
	MethodPptx         = "pptx"
	MethodXlsx         = "xlsx"
	MethodAudio        = "audio"
	MethodDecodeUTF8   = "decode_utf8"
	MethodDecodeLatin1 = "decode_latin1"
)

// File is a source artifact handed to an extractor.
type File struct {
	Name string
	Data []byte
}

// Ext returns the lower-cased extension of the file name.
func (f File) Ext() string {
	return strings.ToLower(strings.TrimSpace(filepath.Ext(f.Name)))
}

// Output 提取结果
type Output struct {
	Text   string
	Method string
	// Note explains a degraded but non-failing result, e.g. an OCR pass
	// that produced too little text.
	Note     string
	Author   string
	LinkedIn bool
}

// Extractor produces text from the bytes of one file. Failures are
// reported as *models.ExtractionError.
type Extractor interface {
	Extract(ctx context.Context, f File) (*Output, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, f File) (*Output, error)

func (fn ExtractorFunc) Extract(ctx context.Context, f File) (*Output, error) {
	return fn(ctx, f)
}
