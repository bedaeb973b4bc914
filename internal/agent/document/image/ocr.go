package image

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const (
	minUsefulText   = 20
	insufficientOCR = "OCR produced insufficient text. Manual processing recommended."
)

// Recognizer runs OCR over one preprocessed image.
type Recognizer interface {
	Recognize(img image.Image, languages []string) (string, error)
}

// TesseractRecognizer 每次识别创建独立的 tesseract 客户端，客户端不是并发安全的
type TesseractRecognizer struct {
	PageSegMode gosseract.PageSegMode
}

func (r TesseractRecognizer) Recognize(img image.Image, languages []string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(languages...); err != nil {
		return "", err
	}
	if err := client.SetPageSegMode(r.PageSegMode); err != nil {
		return "", err
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", err
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", err
	}
	return client.Text()
}

// OCRExtractor tries several preprocessing passes and keeps the longest
// useful result.
type OCRExtractor struct {
	logger     logger.Logger
	recognizer Recognizer
	languages  []string
	passes     []Pass
}

func NewOCRExtractor(log logger.Logger, languages []string, recognizer Recognizer) *OCRExtractor {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	if recognizer == nil {
		recognizer = TesseractRecognizer{PageSegMode: gosseract.PSM_AUTO}
	}
	return &OCRExtractor{
		logger:     log.Named("ocr"),
		recognizer: recognizer,
		languages:  languages,
		passes:     DefaultPasses(),
	}
}

func (e *OCRExtractor) Extract(ctx context.Context, f document.File) (*document.Output, error) {
	img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, models.NewExtractionError(models.CorruptInput, document.MethodOCR, err)
	}

	var (
		texts    []string
		failures []error
	)
	for _, pass := range e.passes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		processed, err := pass.Apply(img)
		if err != nil {
			e.logger.Warn("Preprocessing failed", logger.String("pass", pass.Name), logger.Error(err))
			continue
		}
		text, err := e.recognizer.Recognize(processed, e.languages)
		if err != nil {
			e.logger.Warn("OCR pass failed",
				logger.String("file", f.Name),
				logger.String("pass", pass.Name),
				logger.Error(err),
			)
			failures = append(failures, err)
			continue
		}
		texts = append(texts, text)
	}

	if len(texts) == 0 {
		err := errors.Join(failures...)
		if err == nil {
			err = errors.New("no preprocessing pass succeeded")
		}
		return nil, models.NewExtractionError(models.ToolUnavailable, document.MethodOCR, err)
	}

	best := PickLongest(texts)
	out := &document.Output{Text: best, Method: document.MethodOCR}
	if len(strings.TrimSpace(best)) < minUsefulText {
		out.Text = ""
		out.Note = insufficientOCR
	}
	return out, nil
}

// PickLongest prefers the longest result with more than a few characters of
// real content, falling back to the longest overall.
func PickLongest(texts []string) string {
	var best, bestValid string
	for _, t := range texts {
		if len(t) > len(best) {
			best = t
		}
		if len(strings.TrimSpace(t)) > minUsefulText && len(t) > len(bestValid) {
			bestValid = t
		}
	}
	if bestValid != "" {
		return strings.TrimSpace(bestValid)
	}
	return strings.TrimSpace(best)
}
