package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/feichai0017/knowledge-inbox/internal/models"
)

const schemaURL = "enrichment.json"

// ResponseSchema is sent with every request and used to validate replies.
var ResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "extract_title": {"type": "string", "minLength": 1},
    "extract_content": {"type": "string", "minLength": 1},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["extract_title", "extract_content", "tags"],
  "additionalProperties": false
}`)

var compiledSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(ResponseSchema)))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		panic(err)
	}
	return sch
}

type payload struct {
	Title   string   `json:"extract_title"`
	Content string   `json:"extract_content"`
	Tags    []string `json:"tags"`
}

// parseResponse validates the assistant message against ResponseSchema and
// converts it to typed fields.
func parseResponse(raw string) (*payload, error) {
	text := stripFences(raw)

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, &models.ValidationError{Reason: "response is not JSON", Payload: truncate(raw, 512)}
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return nil, &models.ValidationError{Reason: fmt.Sprintf("schema violation: %v", err), Payload: truncate(raw, 512)}
	}

	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, &models.ValidationError{Reason: err.Error(), Payload: truncate(raw, 512)}
	}
	p.Title = strings.TrimSpace(p.Title)
	p.Content = strings.TrimSpace(p.Content)
	if p.Title == "" || p.Content == "" {
		return nil, &models.ValidationError{Reason: "blank title or content", Payload: truncate(raw, 512)}
	}
	p.Tags = cleanTags(p.Tags)
	return &p, nil
}

// stripFences removes a ```json ... ``` wrapper some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func cleanTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
