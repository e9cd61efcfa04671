package agent

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const charsPerTokenEstimate = 4

// TokenCounter estimates the token count of text.
type TokenCounter interface {
	Count(text string) int
}

// CharCounter approximates tokens as chars/4.
type CharCounter struct{}

func (CharCounter) Count(text string) int {
	return (len(text) + charsPerTokenEstimate - 1) / charsPerTokenEstimate
}

// TiktokenCounter counts with a BPE encoding, falling back to CharCounter
// when the encoding cannot be loaded (it is fetched on first use).
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			slog.Warn("tokens: encoding unavailable, using char estimate", "encoding", c.encoding, "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return CharCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// BudgetFromTokens converts a token budget to the byte budget Fit works in.
func BudgetFromTokens(tokens int) int {
	return tokens * charsPerTokenEstimate
}
