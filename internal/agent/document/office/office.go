package office

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
)

const (
	maxPartSize     = 64 << 20
	maxWorkbookSize = 1 << 30
)

// Extractor reads the text of OOXML office documents (.docx, .pptx, .xlsx).
// The binary formats (.doc, .ppt, .xls) are reported as unsupported.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, f document.File) (*document.Output, error) {
	var (
		method string
		read   func(*zip.Reader) (string, error)
	)
	switch f.Ext() {
	case ".docx":
		method, read = document.MethodDocx, readDocx
	case ".pptx":
		method, read = document.MethodPptx, readPptx
	case ".xlsx":
		text, err := readXlsx(ctx, f.Data)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.NewExtractionError(models.CorruptInput, document.MethodXlsx, err)
		}
		return &document.Output{Text: text, Method: document.MethodXlsx}, nil
	default:
		return nil, models.NewExtractionError(models.UnsupportedFormat, strings.TrimPrefix(f.Ext(), "."),
			fmt.Errorf("legacy office format %s", f.Ext()))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(f.Data), int64(len(f.Data)))
	if err != nil {
		return nil, models.NewExtractionError(models.CorruptInput, method, err)
	}
	text, err := read(zr)
	if err != nil {
		return nil, models.NewExtractionError(models.CorruptInput, method, err)
	}
	return &document.Output{Text: text, Method: method}, nil
}

func openPart(zr *zip.Reader, name string) ([]byte, error) {
	for _, zf := range zr.File {
		if zf.Name != name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, maxPartSize))
	}
	return nil, fmt.Errorf("%s: %w", name, errPartMissing)
}

var errPartMissing = errors.New("part missing")

// readDocx 段落按文档顺序输出，表格单元格追加在后面
func readDocx(zr *zip.Reader) (string, error) {
	data, err := openPart(zr, "word/document.xml")
	if err != nil {
		return "", err
	}

	var (
		paragraphs []string
		cells      []string
		para       strings.Builder
		cell       []string
		tableDepth int
		inRun      bool
		inText     bool
	)
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
			case "r":
				inRun = true
			case "t":
				inText = true
			case "tab":
				if inRun {
					para.WriteByte('\t')
				}
			case "br", "cr":
				if inRun {
					para.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				inRun = false
			case "t":
				inText = false
			case "p":
				text := para.String()
				para.Reset()
				if strings.TrimSpace(text) == "" {
					continue
				}
				if tableDepth > 0 {
					cell = append(cell, text)
				} else {
					paragraphs = append(paragraphs, text)
				}
			case "tc":
				if len(cell) > 0 {
					cells = append(cells, strings.Join(cell, "\n"))
				}
				cell = nil
			case "tbl":
				tableDepth--
			}
		}
	}
	return strings.Join(append(paragraphs, cells...), "\n\n"), nil
}

var slidePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func readPptx(zr *zip.Reader) (string, error) {
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, zf := range zr.File {
		if m := slidePattern.FindStringSubmatch(zf.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{num: n, name: zf.Name})
		}
	}
	if len(slides) == 0 {
		return "", fmt.Errorf("ppt/slides: %w", errPartMissing)
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var out []string
	for i, s := range slides {
		data, err := openPart(zr, s.name)
		if err != nil {
			return "", err
		}
		lines, err := drawingParagraphs(data)
		if err != nil {
			return "", fmt.Errorf("%s: %w", s.name, err)
		}
		if len(lines) == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("--- Slide %d ---\n\n%s", i+1, strings.Join(lines, "\n")))
	}
	return strings.Join(out, "\n\n"), nil
}

// drawingParagraphs collects the <a:t> runs of every <a:p> paragraph.
func drawingParagraphs(data []byte) ([]string, error) {
	var (
		lines  []string
		para   strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(para.String()); text != "" {
					lines = append(lines, text)
				}
				para.Reset()
			}
		}
	}
}

// readXlsx 每个非空工作表输出一段,单元格以 " | " 分隔
func readXlsx(ctx context.Context, data []byte) (string, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{UnzipSizeLimit: maxWorkbookSize})
	if err != nil {
		return "", err
	}
	defer wb.Close()

	var out []string
	for _, sheet := range wb.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %s: %w", sheet, err)
		}
		lines := []string{fmt.Sprintf("--- Sheet: %s ---", sheet)}
		for _, row := range rows {
			text := strings.Join(row, " | ")
			if strings.TrimSpace(strings.ReplaceAll(text, "|", "")) != "" {
				lines = append(lines, text)
			}
		}
		if len(lines) > 1 {
			out = append(out, strings.Join(lines, "\n\n"))
		}
	}
	return strings.Join(out, "\n\n"), nil
}
