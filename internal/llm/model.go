package llm

import (
	"context"
	"fmt"
)

// Model is the interface every harness model wrapper implements.
type Model interface {
	// Generate returns one completion per input, in input order.
	Generate(ctx context.Context, inputs []Input, maxOutLen int, temperature float64) ([]string, error)
	// TokenLen estimates the token count of prompt.
	TokenLen(prompt string) (int, error)
	// Name returns the model identifier (e.g. "InternLM-Chat V0.2.8", "Mock").
	Name() string
}

// Result is the outcome of a single input within a batch.
type Result struct {
	Text string `json:"text"`
	Err  error  `json:"-"`
}

// OK reports whether the input produced a completion.
func (r Result) OK() bool { return r.Err == nil }

// Pinger is implemented by models that can probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check verifies that m can count tokens and, when it is a Pinger, that its
// backend answers.
func Check(ctx context.Context, m Model) error {
	if _, err := m.TokenLen("ping"); err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}
	if p, ok := m.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
