// Package tokens counts model tokens for history trimming.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// Counter counts tokens with a tiktoken encoding, loaded lazily on first
// use. When the encoding cannot be loaded (offline, no cache) it falls back
// to Estimate.
type Counter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{encoding: encoding}
}

func (c *Counter) load() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			slog.Warn("tiktoken unavailable, using estimate", "encoding", c.encoding, "err", err)
			return
		}
		c.enc = enc
	})
}

// Count implements schema.TokenCounter.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.load()
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Estimate approximates the token count: four ASCII bytes per token, one
// token per non-ASCII rune.
func Estimate(text string) int {
	ascii, other := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	n := (ascii+3)/4 + other
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
