package converters

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/knowledge-inbox/internal/models"
)

const delimiter = "---"

var (
	// ErrNoFrontMatter is returned for documents without a leading YAML header.
	ErrNoFrontMatter = errors.New("document has no front matter")

	openDelim  = []byte(delimiter + "\n")
	closeDelim = []byte("\n" + delimiter + "\n")
)

// RecordConverter 记录与存储文档之间的转换
type RecordConverter interface {
	Encode(record *models.Record) ([]byte, error)
	Decode(data []byte) (*models.Record, error)
}

// FrontMatterConverter renders a record as markdown: a YAML header holding
// every metadata field, followed by the extracted text as the body.
type FrontMatterConverter struct{}

func NewFrontMatterConverter() *FrontMatterConverter {
	return &FrontMatterConverter{}
}

func (c *FrontMatterConverter) Encode(record *models.Record) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("no record to encode")
	}

	var header bytes.Buffer
	enc := yaml.NewEncoder(&header)
	enc.SetIndent(2)
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var out bytes.Buffer
	out.Grow(header.Len() + len(record.RawText) + 8)
	out.Write(openDelim)
	out.Write(header.Bytes())
	out.WriteString(delimiter)
	out.WriteByte('\n')
	out.WriteString(record.RawText)
	return out.Bytes(), nil
}

func (c *FrontMatterConverter) Decode(data []byte) (*models.Record, error) {
	data = normalizeHeaderNewlines(data)
	if !bytes.HasPrefix(data, openDelim) {
		return nil, ErrNoFrontMatter
	}
	rest := data[len(openDelim):]

	var header, body []byte
	if bytes.HasPrefix(rest, openDelim) {
		// empty header
		body = rest[len(openDelim):]
	} else {
		end := bytes.Index(rest, closeDelim)
		if end < 0 {
			if !bytes.HasSuffix(rest, []byte("\n"+delimiter)) {
				return nil, fmt.Errorf("unterminated front matter")
			}
			end = len(rest) - len(delimiter) - 1
			header = rest[:end]
		} else {
			header = rest[:end]
			body = rest[end+len(closeDelim):]
		}
	}

	var record models.Record
	if err := yaml.Unmarshal(header, &record); err != nil {
		return nil, fmt.Errorf("decode front matter: %w", err)
	}
	record.RawText = string(body)
	return &record, nil
}

// normalizeHeaderNewlines converts CRLF line endings in the header only, so
// documents edited on Windows still parse. The body is left untouched.
func normalizeHeaderNewlines(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte(delimiter+"\r\n")) {
		return data
	}
	end := bytes.Index(data[len(delimiter)+2:], []byte("\r\n"+delimiter+"\r\n"))
	if end < 0 {
		return data
	}
	headerEnd := len(delimiter) + 2 + end + len("\r\n"+delimiter+"\r\n")
	header := bytes.ReplaceAll(data[:headerEnd], []byte("\r\n"), []byte("\n"))
	return append(header, data[headerEnd:]...)
}
