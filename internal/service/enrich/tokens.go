package enrich

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Bucket 内容长度分档
type Bucket string

const (
	BucketShort  Bucket = "short"
	BucketMedium Bucket = "medium"
	BucketLong   Bucket = "long"
)

const (
	shortLimit  = 250
	mediumLimit = 1250
	// long content is cut to this many tokens before prompting
	longBudget = 6000
)

// MaxTokens is the completion budget for the bucket.
func (b Bucket) MaxTokens() int {
	switch b {
	case BucketShort:
		return 200
	case BucketMedium:
		return 500
	}
	return 2000
}

func bucketFor(tokens int) Bucket {
	switch {
	case tokens < shortLimit:
		return BucketShort
	case tokens < mediumLimit:
		return BucketMedium
	}
	return BucketLong
}

// TokenCounter counts cl100k_base tokens, falling back to a character
// estimate when the encoding cannot be loaded.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
	mu  sync.Mutex
}

var (
	counterOnce sync.Once
	counter     *TokenCounter
)

func defaultCounter() *TokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			counter = &TokenCounter{}
			return
		}
		counter = &TokenCounter{enc: enc}
	})
	return counter
}

func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most limit tokens.
func (c *TokenCounter) Truncate(text string, limit int) string {
	if c.enc == nil {
		if len(text) <= limit*4 {
			return text
		}
		return strings.ToValidUTF8(text[:limit*4], "")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) <= limit {
		return text
	}
	return c.enc.Decode(tokens[:limit])
}
