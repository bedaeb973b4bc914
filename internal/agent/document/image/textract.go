package image

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

type analyzeAPI interface {
	AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

// TextractExtractor sends images to AWS Textract instead of running OCR locally.
type TextractExtractor struct {
	client analyzeAPI
	logger logger.Logger
	config cfg.TextractConfig
}

func NewTextractExtractor(ctx context.Context, c cfg.TextractConfig, log logger.Logger) (*TextractExtractor, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})
	return newTextractWithClient(client, c, log), nil
}

func newTextractWithClient(client analyzeAPI, c cfg.TextractConfig, log logger.Logger) *TextractExtractor {
	return &TextractExtractor{client: client, logger: log.Named("textract"), config: c}
}

func (p *TextractExtractor) Extract(ctx context.Context, f document.File) (*document.Output, error) {
	features := []types.FeatureType{}
	if p.config.EnableTable {
		features = append(features, types.FeatureTypeTables)
	}
	if p.config.EnableForm {
		features = append(features, types.FeatureTypeForms)
	}
	if len(features) == 0 {
		features = append(features, types.FeatureTypeLayout)
	}

	result, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: f.Data},
		FeatureTypes: features,
	})
	if err != nil {
		p.logger.Error("Failed to analyze document",
			logger.String("file", f.Name),
			logger.Error(err),
		)
		return nil, classifyTextractError(err)
	}

	index := make(map[string]types.Block, len(result.Blocks))
	for _, b := range result.Blocks {
		if b.Id != nil {
			index[*b.Id] = b
		}
	}

	sections := []string{}
	if lines := p.lines(result.Blocks); len(lines) > 0 {
		sections = append(sections, strings.Join(lines, "\n"))
	}
	if p.config.EnableTable {
		for _, table := range tables(result.Blocks, index) {
			sections = append(sections, table)
		}
	}
	if p.config.EnableForm {
		if fields := forms(result.Blocks, index); len(fields) > 0 {
			sections = append(sections, strings.Join(fields, "\n"))
		}
	}

	out := &document.Output{Text: strings.Join(sections, "\n\n"), Method: document.MethodTextract}
	if len(strings.TrimSpace(out.Text)) < minUsefulText {
		out.Text = ""
		out.Note = insufficientOCR
	}
	return out, nil
}

func classifyTextractError(err error) error {
	var (
		unsupported *types.UnsupportedDocumentException
		bad         *types.BadDocumentException
		tooLarge    *types.DocumentTooLargeException
		throttled   *types.ThrottlingException
		throughput  *types.ProvisionedThroughputExceededException
	)
	switch {
	case errors.As(err, &unsupported), errors.As(err, &tooLarge):
		return models.NewExtractionError(models.UnsupportedFormat, document.MethodTextract, err)
	case errors.As(err, &bad):
		return models.NewExtractionError(models.CorruptInput, document.MethodTextract, err)
	case errors.As(err, &throttled), errors.As(err, &throughput):
		return models.NewExtractionError(models.ToolUnavailable, document.MethodTextract,
			&models.TransportError{Op: "textract analyze", StatusCode: 429, Err: err})
	}
	return models.NewExtractionError(models.ToolUnavailable, document.MethodTextract,
		&models.TransportError{Op: "textract analyze", Err: err})
}

func (p *TextractExtractor) lines(blocks []types.Block) []string {
	var texts []string
	for _, block := range blocks {
		if block.BlockType == types.BlockTypeLine &&
			block.Text != nil &&
			block.Confidence != nil &&
			*block.Confidence >= p.config.MinConfidence {
			texts = append(texts, *block.Text)
		}
	}
	return texts
}

// tables renders each TABLE block as rows of " | " separated cells.
func tables(blocks []types.Block, index map[string]types.Block) []string {
	var out []string
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeTable {
			continue
		}
		var rows, cols int32
		cells := map[[2]int32]string{}
		for _, id := range childIDs(block, types.RelationshipTypeChild) {
			cell, ok := index[id]
			if !ok || cell.BlockType != types.BlockTypeCell || cell.RowIndex == nil || cell.ColumnIndex == nil {
				continue
			}
			r, c := *cell.RowIndex, *cell.ColumnIndex
			rows = max(rows, r)
			cols = max(cols, c)
			cells[[2]int32{r, c}] = childText(cell, index)
		}
		if rows == 0 {
			continue
		}
		var sb strings.Builder
		for r := int32(1); r <= rows; r++ {
			row := make([]string, cols)
			for c := int32(1); c <= cols; c++ {
				row[c-1] = cells[[2]int32{r, c}]
			}
			if r > 1 {
				sb.WriteByte('\n')
			}
			sb.WriteString(strings.Join(row, " | "))
		}
		out = append(out, sb.String())
	}
	return out
}

// forms 提取表单键值对
func forms(blocks []types.Block, index map[string]types.Block) []string {
	var fields []string
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeKeyValueSet || len(block.EntityTypes) == 0 || block.EntityTypes[0] != types.EntityTypeKey {
			continue
		}
		key := childText(block, index)
		var value string
		for _, id := range childIDs(block, types.RelationshipTypeValue) {
			if v, ok := index[id]; ok {
				value = childText(v, index)
				break
			}
		}
		if key != "" && value != "" {
			fields = append(fields, fmt.Sprintf("%s: %s", key, value))
		}
	}
	return fields
}

func childIDs(block types.Block, rel types.RelationshipType) []string {
	var ids []string
	for _, r := range block.Relationships {
		if r.Type == rel {
			ids = append(ids, r.Ids...)
		}
	}
	return ids
}

func childText(block types.Block, index map[string]types.Block) string {
	var words []string
	for _, id := range childIDs(block, types.RelationshipTypeChild) {
		if b, ok := index[id]; ok && b.Text != nil {
			words = append(words, *b.Text)
		}
	}
	return strings.Join(words, " ")
}
