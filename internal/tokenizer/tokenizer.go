// Package tokenizer estimates prompt token counts for sequence-length
// bookkeeping.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE vocabulary used when none is configured.
const DefaultEncoding = "cl100k_base"

// Counter returns the number of tokens in a prompt.
type Counter interface {
	Count(prompt string) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(prompt string) (int, error)

// Count calls f(prompt).
func (f CounterFunc) Count(prompt string) (int, error) { return f(prompt) }

var loaderOnce sync.Once

// BPE counts tokens with a byte-pair encoding. The vocabulary is loaded
// lazily from the embedded offline copy on first use.
type BPE struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewBPE returns a counter for the named encoding ("" = DefaultEncoding).
func NewBPE(encoding string) *BPE {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &BPE{encoding: encoding}
}

// Encoding returns the vocabulary name.
func (b *BPE) Encoding() string { return b.encoding }

// Count returns the token count of prompt.
func (b *BPE) Count(prompt string) (int, error) {
	b.once.Do(func() {
		loaderOnce.Do(func() {
			tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
		})
		b.enc, b.err = tiktoken.GetEncoding(b.encoding)
		if b.err != nil {
			b.err = fmt.Errorf("load encoding %s: %w", b.encoding, b.err)
		}
	})
	if b.err != nil {
		return 0, b.err
	}
	return len(b.enc.Encode(prompt, nil, nil)), nil
}
