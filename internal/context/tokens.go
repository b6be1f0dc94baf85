package context

import (
	"fmt"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token length of text.
type TokenCounter interface {
	Count(text string) int
}

// CharCounter estimates tokens as runes divided by a fixed ratio.
type CharCounter struct {
	CharsPerToken int
}

// Count returns ceil(runes / CharsPerToken).
func (c CharCounter) Count(text string) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

// TiktokenCounter counts tokens with a BPE encoding and caches the result
// per content string. Event content is immutable so entries never go stale.
type TiktokenCounter struct {
	enc   *tiktoken.Tiktoken
	cache *ristretto.Cache
}

// NewTiktokenCounter selects the encoding for model, falling back to
// cl100k_base for unknown models. cacheSize bounds the number of cached
// counts; zero disables caching.
func NewTiktokenCounter(model string, cacheSize int64) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tc := &TiktokenCounter{enc: enc}
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cacheSize * 10,
			MaxCost:     cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("token cache: %w", err)
		}
		tc.cache = cache
	}
	return tc, nil
}

// Count returns the number of tokens in text.
func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.cache != nil {
		if v, ok := t.cache.Get(text); ok {
			return v.(int)
		}
	}
	n := len(t.enc.Encode(text, nil, nil))
	if t.cache != nil {
		t.cache.Set(text, n, 1)
	}
	return n
}

// Close releases the cache.
func (t *TiktokenCounter) Close() {
	if t.cache != nil {
		t.cache.Close()
	}
}
