// Package mock provides a model that answers every input locally, for dry
// runs of a harness config.
package mock

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/efebarandurmaz/evalbridge/internal/llm"
	"github.com/efebarandurmaz/evalbridge/internal/tokenizer"
)

// Response is returned for every input.
const Response = "Mock Result"

// DefaultName is used when the config leaves Path empty.
const DefaultName = "Mock"

// Client implements llm.Model without any network access.
type Client struct {
	name    string
	builder llm.MessageBuilder
	tokens  tokenizer.Counter
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenizer overrides the token counter used by TokenLen.
func WithTokenizer(tc tokenizer.Counter) Option {
	return func(c *Client) { c.tokens = tc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a mock client. Only Path, MetaTemplate and RolePolicy are read.
func New(cfg llm.ModelConfig, opts ...Option) *Client {
	name := cfg.Path
	if name == "" {
		name = DefaultName
	}
	c := &Client{
		name: name,
		builder: llm.MessageBuilder{
			Roles:    llm.MockRoles,
			Policy:   cfg.RolePolicy,
			Template: cfg.MetaTemplate,
		},
		log: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = tokenizer.NewBPE(tokenizer.DefaultEncoding)
	}
	return c
}

// Name returns the configured model path.
func (c *Client) Name() string { return c.name }

// TokenLen estimates the token count of prompt.
func (c *Client) TokenLen(prompt string) (int, error) {
	return c.tokens.Count(prompt)
}

// Generate returns Response once per input. The mapped messages are only
// logged.
func (c *Client) Generate(ctx context.Context, inputs []llm.Input, maxOutLen int, temperature float64) ([]string, error) {
	out := make([]string, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := c.log.Debug().Str("model", c.name).Int("index", i).Str("input", in.String()).Float64("temperature", temperature)
		if msgs, err := c.builder.Build(in); err == nil {
			ev = ev.Interface("messages", msgs)
		} else {
			ev = ev.AnErr("role_error", err)
		}
		ev.Msg("mocking")
		out[i] = Response
	}
	return out, nil
}
