package pdf

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document"
	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

func linkedInExport() string {
	lines := []string{
		"Post impressions 1,024",
		"Jane Doe",
		"• Author",
		"Head of Research",
		"Three lessons from shipping our data platform.",
		"1. Start small",
		"2. Measure everything",
		"3. Write it down https://example.com/post",
		"",
		"#data #platform",
		"",
		"123 Reactions",
		"Someone Else",
		"Great post! https://spam.example.net/x",
		"Like · Reply",
		"Jane Doe",
		"Author",
		"Slides are here https://lnkd.in/abc123",
		"Like · Reply",
	}
	return strings.Join(lines, "\n")
}

func TestIsLinkedInExport(t *testing.T) {
	assert.True(t, IsLinkedInExport(linkedInExport()))
	assert.True(t, IsLinkedInExport("see https://www.LinkedIn.com/in/someone"))
	assert.False(t, IsLinkedInExport("quarterly report"))
}

func TestFilterLinkedInPost(t *testing.T) {
	post := FilterLinkedInPost(linkedInExport())

	assert.Equal(t, "Jane Doe", post.Author)
	assert.Contains(t, post.Text, "Three lessons from shipping")
	assert.Contains(t, post.Text, "#data #platform")
	assert.NotContains(t, post.Text, "Great post")
	assert.NotContains(t, post.Text, "spam.example.net")
	assert.Contains(t, post.Text, "Additional URL from author comment: https://lnkd.in/abc123")
	assert.Equal(t, 1, strings.Count(post.Text, "Additional URL"))
}

func TestFilterKeepsShortPosts(t *testing.T) {
	// markers within the first lines are part of the post header
	text := "Reactions\nshort post"
	assert.Equal(t, text, FilterLinkedInPost(text).Text)
}

func TestExtractCorruptPDF(t *testing.T) {
	e := NewExtractor(logger.NewTestLogger(), 2)
	_, err := e.Extract(context.Background(), document.File{Name: "broken.pdf", Data: []byte("%PDF-1.4 not really")})
	var xerr *models.ExtractionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, models.CorruptInput, xerr.Kind)
	assert.Equal(t, document.MethodPDF, xerr.Method)
}
