package enrich

import (
	"fmt"
	"strings"

	"github.com/feichai0017/knowledge-inbox/internal/agent/document/pdf"
	"github.com/feichai0017/knowledge-inbox/internal/models"
)

const systemPrompt = "You analyze content and extract semantic meaning."

const responseFormat = "Respond in this JSON format:\n" +
	"{\n  \"extract_title\": \"...\",\n  \"extract_content\": \"...\",\n  \"tags\": [\"tag1\", \"tag2\"]\n}"

const stricterInstruction = "Your previous reply could not be parsed. Reply with ONLY a single JSON object " +
	"with the keys extract_title (non-empty string), extract_content (non-empty string) and tags " +
	"(array of strings). No markdown, no code fences, no commentary."

// Variant 提示词类型
type Variant string

const (
	VariantResourceList Variant = "resource_list"
	VariantLinkedIn     Variant = "linkedin"
	VariantImage        Variant = "image"
	VariantURLs         Variant = "urls"
	VariantDefault      Variant = "default"
)

func looksLikeResourceList(content string) bool {
	return strings.Contains(strings.ToLower(content), "resources") &&
		(strings.Count(content, "\n1)") > 1 || strings.Count(content, "\n2)") > 1)
}

// IsLinkedIn reports whether the record holds a LinkedIn post export.
func IsLinkedIn(rec *models.Record) bool {
	return rec.FileType == models.FileTypePDF && pdf.IsLinkedInExport(rec.RawText)
}

func selectVariant(rec *models.Record, content string) Variant {
	switch {
	case looksLikeResourceList(content):
		return VariantResourceList
	case IsLinkedIn(rec):
		return VariantLinkedIn
	case rec.FileType == models.FileTypeImage:
		return VariantImage
	case hasEnrichedURLs(rec.ExtractedURLs):
		return VariantURLs
	}
	return VariantDefault
}

func hasEnrichedURLs(refs []models.URLRef) bool {
	for _, r := range refs {
		if r.Title != "" {
			return true
		}
	}
	return false
}

// buildPrompt assembles the user prompt: the variant preamble, the profile's
// extra instructions, reviewer notes as overrides, then the content.
func buildPrompt(rec *models.Record, content, profileInstructions, notes string) (string, Variant) {
	variant := selectVariant(rec, content)

	var sb strings.Builder
	switch variant {
	case VariantResourceList:
		sb.WriteString("You are analyzing a document that appears to be a resource list with references, links, and learning materials.\n\n")
		sb.WriteString("Create a detailed summary that specifically includes ALL referenced resources, people, and links. ")
		sb.WriteString("Also provide relevant tags that capture the subject matter and type of resources.\n\n")
		sb.WriteString("In your extract, make sure to preserve:\n")
		sb.WriteString("1. All resource names and titles\n2. All author names and affiliations\n")
		sb.WriteString("3. All categories of resources\n4. Any referenced websites, tools, or platforms\n")
	case VariantLinkedIn:
		sb.WriteString("You are analyzing a LinkedIn post. Create a clear title and detailed summary that captures ")
		sb.WriteString("the key points, insights, and any URLs/resources mentioned in the post. Ignore promotional content.\n\n")
		sb.WriteString("Focus on what makes this post valuable for knowledge management purposes.\n")
	case VariantImage:
		sb.WriteString("You are analyzing text extracted from an image via OCR. The text may have errors or be incomplete.\n\n")
		sb.WriteString("Create a meaningful title and summary of what this image contains, plus relevant tags.\n")
	case VariantURLs:
		sb.WriteString("You are summarizing content that contains valuable URLs and references.\n\n")
		sb.WriteString("Create a title and detailed summary preserving key information, plus relevant tags.\n\n")
		sb.WriteString("Pay special attention to these detected URLs and resources:\n\n")
		for _, r := range rec.ExtractedURLs {
			title := r.Title
			if title == "" {
				title = r.URL
			}
			fmt.Fprintf(&sb, "- %s: %s\n", title, r.URL)
		}
	default:
		sb.WriteString("You are a semantic summarizer. Return a short title and a deeper thematic summary, plus relevant tags.\n")
	}
	sb.WriteString("For complex or information-rich content, provide a detailed summary that captures the key points.\n")

	if profileInstructions != "" {
		sb.WriteString("\nProcessing profile instructions:\n")
		sb.WriteString(profileInstructions)
		sb.WriteString("\n")
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		sb.WriteString("\nReviewer instructions (these override any conflicting guidance above):\n")
		sb.WriteString(notes)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(responseFormat)
	sb.WriteString("\n\n")
	switch variant {
	case VariantLinkedIn:
		sb.WriteString("LinkedIn Post Content:\n")
	case VariantImage:
		sb.WriteString("OCR Text:\n")
	default:
		sb.WriteString("Content:\n")
	}
	sb.WriteString(content)
	return sb.String(), variant
}
