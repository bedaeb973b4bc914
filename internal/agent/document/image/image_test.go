package image

import (
	"bytes"
	"context"
	"errors"
	stdimage "image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

func samplePNG(t *testing.T) []byte {
	t.Helper()
	img := stdimage.NewGray(stdimage.Rect(0, 0, 8, 4))
	for x := 0; x < 8; x++ {
		for y := 0; y < 4; y++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 32)})
		}
	}
	buf := new(bytes.Buffer)
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestThresholdProcessor(t *testing.T) {
	img := stdimage.NewGray(stdimage.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 119})
	img.SetGray(1, 0, color.Gray{Y: 120})

	out, err := NewThresholdProcessor(120).Process(img)
	require.NoError(t, err)
	gray := out.(*stdimage.Gray)
	assert.Equal(t, uint8(0), gray.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), gray.GrayAt(1, 0).Y)
}

func TestScaleProcessor(t *testing.T) {
	img := stdimage.NewGray(stdimage.Rect(0, 0, 10, 4))
	out, err := NewScaleProcessor(1.5).Process(img)
	require.NoError(t, err)
	assert.Equal(t, 15, out.Bounds().Dx())
	assert.Equal(t, 6, out.Bounds().Dy())

	_, err = NewScaleProcessor(0).Process(img)
	assert.Error(t, err)
}

func TestPickLongest(t *testing.T) {
	assert.Equal(t, "a much longer and more useful recognition", PickLongest([]string{
		"short",
		"  a much longer and more useful recognition ",
		"medium length text here!",
	}))
	assert.Equal(t, "abc", PickLongest([]string{"a", " abc "}))
}

type fakeRecognizer struct {
	mu      sync.Mutex
	results []string
	err     error
	langs   []string
	calls   int
}

func (f *fakeRecognizer) Recognize(img stdimage.Image, languages []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.langs = languages
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.results[(f.calls-1)%len(f.results)], nil
}

func TestOCRExtractorPicksBestPass(t *testing.T) {
	rec := &fakeRecognizer{results: []string{"noise", "Quarterly planning slide: goals and owners", "Quarterly planning"}}
	e := NewOCRExtractor(logger.NewTestLogger(), []string{"eng", "dan"}, rec)

	out, err := e.Extract(context.Background(), document.File{Name: "slide.png", Data: samplePNG(t)})
	require.NoError(t, err)
	assert.Equal(t, document.MethodOCR, out.Method)
	assert.Equal(t, "Quarterly planning slide: goals and owners", out.Text)
	assert.Equal(t, len(DefaultPasses()), rec.calls)
	assert.Equal(t, []string{"eng", "dan"}, rec.langs)
}

func TestOCRExtractorInsufficientText(t *testing.T) {
	e := NewOCRExtractor(logger.NewTestLogger(), nil, &fakeRecognizer{results: []string{"~", ""}})
	out, err := e.Extract(context.Background(), document.File{Name: "blank.png", Data: samplePNG(t)})
	require.NoError(t, err)
	assert.Empty(t, out.Text)
	assert.Contains(t, out.Note, "insufficient")
}

func TestOCRExtractorFailures(t *testing.T) {
	e := NewOCRExtractor(logger.NewTestLogger(), nil, &fakeRecognizer{err: errors.New("tessdata missing")})
	_, err := e.Extract(context.Background(), document.File{Name: "a.png", Data: samplePNG(t)})
	var xerr *models.ExtractionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, models.ToolUnavailable, xerr.Kind)

	_, err = e.Extract(context.Background(), document.File{Name: "a.png", Data: []byte("not an image")})
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, models.CorruptInput, xerr.Kind)
}

type fakeTextract struct {
	out *textract.AnalyzeDocumentOutput
	err error
	in  *textract.AnalyzeDocumentInput
}

func (f *fakeTextract) AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, _ ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error) {
	f.in = in
	return f.out, f.err
}

func block(id string, bt types.BlockType, text string, children ...string) types.Block {
	b := types.Block{Id: aws.String(id), BlockType: bt, Confidence: aws.Float32(99)}
	if text != "" {
		b.Text = aws.String(text)
	}
	if len(children) > 0 {
		b.Relationships = []types.Relationship{{Type: types.RelationshipTypeChild, Ids: children}}
	}
	return b
}

func cell(id string, row, col int32, children ...string) types.Block {
	b := block(id, types.BlockTypeCell, "", children...)
	b.RowIndex = aws.Int32(row)
	b.ColumnIndex = aws.Int32(col)
	return b
}

func TestTextractExtractor(t *testing.T) {
	key := block("k", types.BlockTypeKeyValueSet, "", "w5")
	key.EntityTypes = []types.EntityType{types.EntityTypeKey}
	key.Relationships = append(key.Relationships, types.Relationship{Type: types.RelationshipTypeValue, Ids: []string{"v"}})

	fake := &fakeTextract{out: &textract.AnalyzeDocumentOutput{Blocks: []types.Block{
		block("l1", types.BlockTypeLine, "Invoice for consulting services"),
		block("l2", types.BlockTypeLine, "Due in thirty days"),
		block("t", types.BlockTypeTable, "", "c1", "c2", "c3", "c4"),
		cell("c1", 1, 1, "w1"), cell("c2", 1, 2, "w2"), cell("c3", 2, 1, "w3"), cell("c4", 2, 2, "w4"),
		block("w1", types.BlockTypeWord, "Item"), block("w2", types.BlockTypeWord, "Cost"),
		block("w3", types.BlockTypeWord, "Audit"), block("w4", types.BlockTypeWord, "100"),
		key,
		block("v", types.BlockTypeKeyValueSet, "", "w6"),
		block("w5", types.BlockTypeWord, "Total"), block("w6", types.BlockTypeWord, "100"),
	}}}
	e := newTextractWithClient(fake, cfg.TextractConfig{MinConfidence: 80, EnableTable: true, EnableForm: true}, logger.NewTestLogger())

	out, err := e.Extract(context.Background(), document.File{Name: "invoice.png", Data: []byte("img")})
	require.NoError(t, err)
	assert.Equal(t, document.MethodTextract, out.Method)
	assert.True(t, strings.HasPrefix(out.Text, "Invoice for consulting services\nDue in thirty days"))
	assert.Contains(t, out.Text, "Item | Cost\nAudit | 100")
	assert.Contains(t, out.Text, "Total: 100")
	assert.ElementsMatch(t, []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms}, fake.in.FeatureTypes)
}

func TestTextractErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		kind models.ExtractionKind
	}{
		{&types.UnsupportedDocumentException{}, models.UnsupportedFormat},
		{&types.BadDocumentException{}, models.CorruptInput},
		{&types.ThrottlingException{}, models.ToolUnavailable},
		{errors.New("dial tcp: timeout"), models.ToolUnavailable},
	}
	for _, tc := range cases {
		e := newTextractWithClient(&fakeTextract{err: tc.err}, cfg.TextractConfig{}, logger.NewTestLogger())
		_, err := e.Extract(context.Background(), document.File{Name: "x.png"})
		var xerr *models.ExtractionError
		require.ErrorAs(t, err, &xerr)
		assert.Equal(t, tc.kind, xerr.Kind)
	}
}
