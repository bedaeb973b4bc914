package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document/image"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document/office"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document/pdf"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document/text"
	"github.com/feichai0017/knowledge-inbox/internal/agent/urls"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/internal/utils/validator"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

// 扩展名到文件类型的映射
var extToType = map[string]models.FileType{
	".md":       models.FileTypeText,
	".markdown": models.FileTypeText,
	".txt":      models.FileTypeText,
	".text":     models.FileTypeText,
	".rtf":      models.FileTypeText,
	".pdf":      models.FileTypePDF,
	".png":      models.FileTypeImage,
	".jpg":      models.FileTypeImage,
	".jpeg":     models.FileTypeImage,
	".gif":      models.FileTypeImage,
	".bmp":      models.FileTypeImage,
	".tif":      models.FileTypeImage,
	".tiff":     models.FileTypeImage,
	".doc":      models.FileTypeOfficeDoc,
	".docx":     models.FileTypeOfficeDoc,
	".ppt":      models.FileTypeOfficeDoc,
	".pptx":     models.FileTypeOfficeDoc,
	".xls":      models.FileTypeOfficeDoc,
	".xlsx":     models.FileTypeOfficeDoc,
	".mp3":      models.FileTypeAudio,
	".wav":      models.FileTypeAudio,
	".m4a":      models.FileTypeAudio,
}

// InferFileType maps a file to its coarse type by extension, sniffing the
// content when the extension is unknown.
func InferFileType(name string, data []byte) models.FileType {
	f := document.File{Name: name}
	if ft, ok := extToType[f.Ext()]; ok {
		return ft
	}
	if len(data) == 0 {
		return models.FileTypeOther
	}
	mime := mimetype.Detect(data)
	switch {
	case mime.Is("application/pdf"):
		return models.FileTypePDF
	case strings.HasPrefix(mime.String(), "image/"):
		return models.FileTypeImage
	case strings.HasPrefix(mime.String(), "audio/"):
		return models.FileTypeAudio
	}
	return models.FileTypeOther
}

// ExtractionResult is the outcome of running the matching extractor over a
// file. Failures are in-band: Status is extraction_failed and Err is set.
type ExtractionResult struct {
	FileType models.FileType
	RawText  string
	Method   string
	Status   models.ParseStatus
	Err      error
	Note     string
	URLs     []models.URLRef
	LinkedIn bool
	Author   string
	Hash     string
	MimeType string
}

type Dispatcher struct {
	extractors map[models.FileType]document.Extractor
	validator  *validator.SourceValidator
	enricher   *urls.Enricher
	logger     logger.Logger
}

// NewDispatcher wires the default extractor for every file type.
func NewDispatcher(ctx context.Context, c cfg.ExtractionConfig, log logger.Logger) (*Dispatcher, error) {
	var imageExtractor document.Extractor
	switch c.ImageEngine {
	case cfg.ImageEngineTextract:
		textract, err := image.NewTextractExtractor(ctx, c.Textract, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create textract extractor: %w", err)
		}
		imageExtractor = textract
	case cfg.ImageEngineTesseract, "":
		imageExtractor = image.NewOCRExtractor(log, c.OCRLanguages, nil)
	default:
		return nil, fmt.Errorf("unknown image engine %q", c.ImageEngine)
	}

	var enricher *urls.Enricher
	if c.EnrichURLs {
		enricher = urls.NewEnricher(&http.Client{}, log, c.MaxURLFetches, c.URLFetchTimeout)
	}

	return NewDispatcherWith(log, validator.NewSourceValidator(log, c.MaxFileSize), enricher, map[models.FileType]document.Extractor{
		models.FileTypeText:      text.NewExtractor(),
		models.FileTypePDF:       pdf.NewExtractor(log, c.PDFWorkers),
		models.FileTypeImage:     imageExtractor,
		models.FileTypeOfficeDoc: office.NewExtractor(),
		models.FileTypeAudio:     document.ExtractorFunc(transcribe),
		models.FileTypeOther:     document.ExtractorFunc(decode),
	}), nil
}

// NewDispatcherWith builds a dispatcher from explicit parts. A nil enricher
// disables URL fetching.
func NewDispatcherWith(log logger.Logger, v *validator.SourceValidator, enricher *urls.Enricher, extractors map[models.FileType]document.Extractor) *Dispatcher {
	return &Dispatcher{
		extractors: extractors,
		validator:  v,
		enricher:   enricher,
		logger:     log.Named("dispatcher"),
	}
}

func transcribe(ctx context.Context, f document.File) (*document.Output, error) {
	return nil, models.NewExtractionError(models.ToolUnavailable, document.MethodAudio, errors.New("no transcription backend configured"))
}

func decode(ctx context.Context, f document.File) (*document.Output, error) {
	return text.Decode(f)
}

// Extract never returns an error: every outcome is described by the result.
func (d *Dispatcher) Extract(ctx context.Context, f document.File) *ExtractionResult {
	res := &ExtractionResult{FileType: InferFileType(f.Name, f.Data)}

	check := d.validator.Validate(f.Name, f.Data)
	res.Hash = check.FileInfo.Hash
	res.MimeType = check.FileInfo.MimeType

	d.logger.Info("Dispatching extraction",
		logger.String("file", f.Name),
		logger.String("fileType", string(res.FileType)),
		logger.String("mimeType", res.MimeType),
	)

	if check.FileInfo.Size == 0 {
		res.Status = models.ParseBasic
		res.Note = "Source file is empty."
		return res
	}
	if !check.IsValid {
		res.fail(models.NewExtractionError(models.UnsupportedFormat, "validate", errors.New(check.Summary())))
		return res
	}

	extractor, ok := d.extractors[res.FileType]
	if !ok {
		res.fail(models.NewExtractionError(models.UnsupportedFormat, "dispatch", fmt.Errorf("no extractor for %s", res.FileType)))
		return res
	}

	out, err := safeExtract(ctx, extractor, f)
	if err != nil {
		var xerr *models.ExtractionError
		if !errors.As(err, &xerr) && ctx.Err() == nil {
			err = models.NewExtractionError(models.CorruptInput, string(res.FileType), err)
		}
		d.logger.Warn("Extraction failed",
			logger.String("file", f.Name),
			logger.Error(err),
		)
		res.fail(err)
		return res
	}

	res.RawText = out.Text
	res.Method = out.Method
	res.Note = out.Note
	res.LinkedIn = out.LinkedIn
	res.Author = out.Author
	res.Status = models.ParseBasic

	if found := urls.Extract(res.RawText); len(found) > 0 {
		if d.enricher != nil {
			res.URLs = d.enricher.Enrich(ctx, found)
		} else {
			res.URLs = make([]models.URLRef, len(found))
			for i, u := range found {
				res.URLs[i] = models.URLRef{URL: u}
			}
		}
	}

	d.logger.Info("Extraction finished",
		logger.String("file", f.Name),
		logger.String("method", res.Method),
		logger.Int("chars", len(res.RawText)),
		logger.Int("urls", len(res.URLs)),
	)
	return res
}

func (r *ExtractionResult) fail(err error) {
	r.Status = models.ParseExtractionFailed
	r.RawText = ""
	r.Err = err
	r.Note = "Text extraction failed: " + err.Error()
	var xerr *models.ExtractionError
	if errors.As(err, &xerr) {
		r.Method = xerr.Method
	}
}

func safeExtract(ctx context.Context, e document.Extractor, f document.File) (out *document.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return e.Extract(ctx, f)
}
