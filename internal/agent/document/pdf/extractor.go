package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

type Extractor struct {
	logger     logger.Logger
	maxWorkers int
}

func NewExtractor(log logger.Logger, maxWorkers int) *Extractor {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Extractor{
		logger:     log.Named("pdf"),
		maxWorkers: maxWorkers,
	}
}

func (e *Extractor) Extract(ctx context.Context, f document.File) (out *document.Output, err error) {
	// ledongthuc/pdf panics on some malformed cross reference tables
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = models.NewExtractionError(models.CorruptInput, document.MethodPDF, fmt.Errorf("pdf parser: %v", r))
		}
	}()

	reader := bytes.NewReader(f.Data)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, models.NewExtractionError(models.CorruptInput, document.MethodPDF, err)
	}

	pages, err := e.readPages(ctx, pdfReader)
	if err != nil {
		return nil, err
	}
	text := strings.Join(pages, "\n")

	out = &document.Output{
		Text:   text,
		Method: document.MethodPDF,
		Author: infoString(pdfReader, "Author"),
	}
	if IsLinkedInExport(text) {
		filtered := FilterLinkedInPost(text)
		e.logger.Info("Detected LinkedIn post, removed comments section",
			logger.String("file", f.Name),
			logger.Int("before", len(text)),
			logger.Int("after", len(filtered.Text)),
		)
		out.Text = filtered.Text
		out.LinkedIn = true
		if out.Author == "" {
			out.Author = filtered.Author
		}
	}
	if strings.TrimSpace(out.Text) == "" {
		out.Note = "PDF has no text layer. Manual processing recommended."
	}
	return out, nil
}

// readPages 并行提取每一页的纯文本，结果按页序返回
func (e *Extractor) readPages(ctx context.Context, r *pdf.Reader) ([]string, error) {
	numPages := r.NumPage()
	pages := make([]string, numPages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("page %d: %v", pageNum, rec)
				}
			}()
			if err := ctx.Err(); err != nil {
				return err
			}
			page := r.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("failed to get text from page %d: %w", pageNum, err)
			}
			pages[pageNum-1] = cleanText(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && err == ctx.Err() {
			return nil, err
		}
		return nil, models.NewExtractionError(models.CorruptInput, document.MethodPDF, err)
	}
	return pages, nil
}

func infoString(r *pdf.Reader, key string) string {
	trailer := r.Trailer()
	if trailer.IsNull() {
		return ""
	}
	info := trailer.Key("Info")
	if info.IsNull() {
		return ""
	}
	v := info.Key(key)
	if v.IsNull() {
		return ""
	}
	return strings.TrimSpace(v.Text())
}

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimRight(text, " \n")
}
