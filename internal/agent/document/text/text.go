package text

import (
	"bytes"
	"context"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Extractor reads plain text, markdown and RTF files. Files of unknown type
// are decoded as UTF-8 with a Latin-1 fallback.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, f document.File) (*document.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch f.Ext() {
	case ".md", ".markdown":
		text, _ := decode(f.Data)
		return &document.Output{Text: text, Method: document.MethodMarkdown}, nil
	case ".txt", ".text":
		text, _ := decode(f.Data)
		return &document.Output{Text: text, Method: document.MethodTextRead}, nil
	case ".rtf":
		if !bytes.HasPrefix(bytes.TrimLeft(f.Data, " \r\n\t"), []byte(`{\rtf`)) {
			return nil, models.NewExtractionError(models.CorruptInput, document.MethodRTF, errors.New("missing rtf header"))
		}
		return &document.Output{Text: StripRTF(string(f.Data)), Method: document.MethodRTF}, nil
	}
	return Decode(f)
}

// Decode is the fallback for files no dedicated extractor understands.
// Binary content is rejected rather than decoded into noise.
func Decode(f document.File) (*document.Output, error) {
	if looksBinary(f.Data) {
		return nil, models.NewExtractionError(models.UnsupportedFormat, document.MethodDecodeUTF8, errors.New("binary content"))
	}
	text, utf := decode(f.Data)
	if utf {
		return &document.Output{Text: text, Method: document.MethodDecodeUTF8}, nil
	}
	return &document.Output{Text: text, Method: document.MethodDecodeLatin1}, nil
}

// decode returns data as a string and whether it was valid UTF-8.
func decode(data []byte) (string, bool) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), true
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(bytes.ToValidUTF8(data, nil)), false
	}
	return string(out), false
}

func looksBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
