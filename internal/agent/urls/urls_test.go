package urls

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

func TestExtract(t *testing.T) {
	assert.Equal(t, []string{"https://example.com"}, Extract("Buy milk. See https://example.com for recipe."))

	text := "Read [the guide](https://go.dev/doc/) and https://example.org/a?b=1, " +
		"then (see https://x.org/path). Again https://go.dev/doc/ and [local](notes.md) " +
		"[http](http://plain.net)."
	assert.Equal(t, []string{
		"https://go.dev/doc/",
		"https://example.org/a?b=1",
		"https://x.org/path",
		"http://plain.net",
	}, Extract(text))

	assert.Empty(t, Extract("no links here"))
}

func TestEnrich(t *testing.T) {
	long := strings.Repeat("d", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			fmt.Fprint(w, `<html><head><title> Pancake recipe </title>
<meta name="description" content="Fluffy pancakes in ten minutes"></head></html>`)
		case "/og":
			fmt.Fprintf(w, `<html><head><meta property="og:title" content="OG title">
<meta property="og:description" content="%s"></head></html>`, long)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewEnricher(srv.Client(), logger.NewTestLogger(), 2, time.Second)
	refs := e.Enrich(context.Background(), []string{srv.URL + "/article", srv.URL + "/og", srv.URL + "/missing"})
	require.Len(t, refs, 3)

	assert.Equal(t, "Pancake recipe", refs[0].Title)
	assert.Equal(t, "Fluffy pancakes in ten minutes", refs[0].Description)

	assert.Equal(t, "OG title", refs[1].Title)
	assert.Equal(t, strings.Repeat("d", 150)+"...", refs[1].Description)

	assert.Equal(t, srv.URL+"/missing", refs[2].URL)
	assert.Empty(t, refs[2].Title)
}
