package urls

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/knowledge-inbox/internal/models"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const maxDescription = 150

var (
	bareURL      = regexp.MustCompile(`https?://(?:[-\w.]|(?:%[\da-fA-F]{2}))+(?:/[-\w%!.~'()*+,;=:@/&?=]*)?`)
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// Extract returns the distinct URLs in text in order of first appearance.
// Both bare http(s) tokens and the targets of [label](url) links are found.
func Extract(text string) []string {
	type hit struct {
		pos int
		url string
	}
	var hits []hit
	for _, loc := range bareURL.FindAllStringIndex(text, -1) {
		hits = append(hits, hit{loc[0], text[loc[0]:loc[1]]})
	}
	for _, m := range markdownLink.FindAllStringSubmatchIndex(text, -1) {
		target := strings.TrimSpace(text[m[4]:m[5]])
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			hits = append(hits, hit{m[4], target})
		}
	}
	// stable by position; a markdown target and the bare match of the same
	// text share a position
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	seen := make(map[string]bool, len(hits))
	var out []string
	for _, h := range hits {
		u := trimTrailing(h.url)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func trimTrailing(u string) string {
	u = strings.TrimRight(u, ".,;:!?'\"")
	// drop an unbalanced closing paren, "(see https://x.org/a)"
	for strings.HasSuffix(u, ")") && strings.Count(u, "(") < strings.Count(u, ")") {
		u = strings.TrimSuffix(u, ")")
		u = strings.TrimRight(u, ".,;:!?'\"")
	}
	return u
}

// Enricher fetches page titles and descriptions for extracted URLs.
type Enricher struct {
	client     *http.Client
	logger     logger.Logger
	maxFetches int
	timeout    time.Duration
}

func NewEnricher(client *http.Client, log logger.Logger, maxFetches int, timeout time.Duration) *Enricher {
	if client == nil {
		client = &http.Client{}
	}
	if maxFetches <= 0 {
		maxFetches = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Enricher{
		client:     client,
		logger:     log.Named("urls"),
		maxFetches: maxFetches,
		timeout:    timeout,
	}
}

// Enrich 尽力抓取每个链接的标题和描述，失败的链接原样保留
func (e *Enricher) Enrich(ctx context.Context, list []string) []models.URLRef {
	refs := make([]models.URLRef, len(list))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxFetches)
	for i, u := range list {
		i, u := i, u
		refs[i] = models.URLRef{URL: u}
		g.Go(func() error {
			title, desc, err := e.fetch(ctx, u)
			if err != nil {
				e.logger.Debug("URL enrichment failed", logger.String("url", u), logger.Error(err))
				return nil
			}
			refs[i].Title = title
			refs[i].Description = desc
			return nil
		})
	}
	_ = g.Wait()
	return refs
}

func (e *Enricher) fetch(ctx context.Context, pageURL string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; knowledge-inbox/1.0)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("page returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("parse document: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	desc := strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	if desc == "" {
		desc = strings.TrimSpace(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	}
	if r := []rune(desc); len(r) > maxDescription {
		desc = string(r[:maxDescription]) + "..."
	}
	return title, desc, nil
}
