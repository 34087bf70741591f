// Package puyu implements llm.Model against the PUYU chat completion API.
package puyu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/efebarandurmaz/evalbridge/internal/llm"
	"github.com/efebarandurmaz/evalbridge/internal/observability"
	"github.com/efebarandurmaz/evalbridge/internal/secrets"
	"github.com/efebarandurmaz/evalbridge/internal/tokenizer"
)

const (
	DefaultPath = "InternLM-Chat V0.2.8"
	DefaultURL  = "http://puyu.staging.openxlab.org.cn/api/v1/chat/completion"
	DefaultKey  = "289817"
)

var (
	// ErrDecode means the response body was not the expected JSON object.
	ErrDecode = errors.New("puyu: decode response")
	// ErrMissingChoices means the response had no choices[0].text.
	ErrMissingChoices = errors.New("puyu: response has no choices[0].text")
)

// Plugins is the fixed plugin switch block sent with every request.
type Plugins struct {
	Search    bool `json:"Search"`
	Solve     bool `json:"Solve"`
	Calculate bool `json:"Calculate"`
}

type request struct {
	Model         string        `json:"model"`
	Messages      []llm.Message `json:"messages"`
	Plugins       Plugins       `json:"plugins"`
	N             int           `json:"n"`
	Temperature   float64       `json:"temperature"`
	TopP          float64       `json:"top_p"`
	DisableReport bool          `json:"disable_report"`
}

type response struct {
	Choices []struct {
		Text *string `json:"text"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// Client implements llm.Model for the PUYU API. It is safe for concurrent
// use; each Client paces its own requests.
type Client struct {
	cfg      llm.ModelConfig
	key      string
	retry    llm.RetryConfig
	builder  llm.MessageBuilder
	throttle *llm.Throttle

	http    *http.Client
	tokens  tokenizer.Counter
	secrets *secrets.Manager
	metrics *observability.Metrics
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenizer overrides the token counter used by TokenLen.
func WithTokenizer(tc tokenizer.Counter) Option {
	return func(c *Client) { c.tokens = tc }
}

// WithSecrets sets the manager used to resolve an "ENV" key.
func WithSecrets(m *secrets.Manager) Option {
	return func(c *Client) { c.secrets = m }
}

// WithMetrics records attempts and inputs on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client from cfg, filling PUYU defaults for empty fields.
func New(cfg llm.ModelConfig, opts ...Option) (*Client, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if !cfg.RolePolicy.Valid() {
		return nil, fmt.Errorf("unknown role policy %q", cfg.RolePolicy)
	}

	c := &Client{
		cfg:   cfg,
		retry: cfg.RetryConfig(),
		builder: llm.MessageBuilder{
			Roles:    llm.LiveRoles,
			Policy:   cfg.RolePolicy,
			Template: cfg.MetaTemplate,
		},
		throttle: llm.NewThrottle(cfg.QueryPerSecond),
		http:     &http.Client{},
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("model", cfg.Path).Logger()

	if c.tokens == nil {
		c.tokens = tokenizer.NewBPE(tokenizer.DefaultEncoding)
	}
	if c.secrets == nil {
		m, err := secrets.NewManager(nil)
		if err != nil {
			return nil, err
		}
		c.secrets = m
	}
	key, err := c.secrets.ResolveKey(context.Background(), cfg.Key)
	if err != nil {
		return nil, err
	}
	c.key = key

	return c, nil
}

// Name returns the model path sent to the API.
func (c *Client) Name() string { return c.cfg.Path }

// Throttle exposes the client's pacing state.
func (c *Client) Throttle() *llm.Throttle { return c.throttle }

// TokenLen estimates the token count of prompt.
func (c *Client) TokenLen(prompt string) (int, error) {
	return c.tokens.Count(prompt)
}

// Ping checks that the endpoint answers. Any HTTP status counts; only a
// transport failure is an error.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("puyu: build ping: %w", err)
	}
	req.Header.Set("id", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("puyu: ping: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Generate returns one completion per input in input order. Failed inputs
// leave an empty string in their slot and are reported in a *llm.BatchError.
func (c *Client) Generate(ctx context.Context, inputs []llm.Input, maxOutLen int, temperature float64) ([]string, error) {
	return llm.Collect(c.GenerateResults(ctx, inputs, maxOutLen, temperature))
}

// GenerateResults is Generate with the per-input outcome kept separate.
func (c *Client) GenerateResults(ctx context.Context, inputs []llm.Input, maxOutLen int, temperature float64) []llm.Result {
	ctx, span := observability.StartGenerateSpan(ctx, c.Name(), len(inputs))
	defer span.End()

	return llm.Dispatch(ctx, len(inputs), c.cfg.BatchOptions(), func(ctx context.Context, i int) (string, error) {
		text, err := c.generateOne(ctx, inputs[i], temperature)
		c.metrics.RecordInput(c.Name(), err, errors.Is(err, llm.ErrRetriesExhausted))
		if err != nil {
			c.log.Error().Err(err).Int("index", i).Msg("input failed")
		}
		return text, err
	})
}

func (c *Client) generateOne(ctx context.Context, in llm.Input, temperature float64) (string, error) {
	msgs, err := c.builder.Build(in)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(request{
		Model:       c.cfg.Path,
		Messages:    msgs,
		Plugins:     Plugins{Search: true, Solve: false, Calculate: true},
		N:           1,
		Temperature: temperature,
		TopP:        0.9,
	})
	if err != nil {
		return "", fmt.Errorf("puyu: encode request: %w", err)
	}

	var text string
	err = llm.Retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		start := time.Now()
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
		c.metrics.RecordThrottleWait(c.Name(), time.Since(start))

		t, err := c.attempt(ctx, body, attempt)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.retry.MaxAttempts).Msg("attempt failed")
			return err
		}
		text = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// attempt sends one request and parses the completion.
func (c *Client) attempt(ctx context.Context, body []byte, n int) (string, error) {
	ctx, span := observability.StartRequestSpan(ctx, c.Name(), n)
	defer span.End()

	start := time.Now()
	text, status, err := c.send(ctx, body)
	outcome := classify(ctx, err)
	c.metrics.RecordAttempt(c.Name(), outcome, time.Since(start))
	observability.RecordRequestResult(span, outcome, status)
	observability.RecordError(span, err)
	return text, err
}

func (c *Client) send(ctx context.Context, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", 0, llm.Permanent(fmt.Errorf("puyu: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("id", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("puyu: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("puyu: read body: %w", err)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", resp.StatusCode, fmt.Errorf("%w (status %d): %v", ErrDecode, resp.StatusCode, err)
	}
	if len(out.Error) > 0 && string(out.Error) != "null" {
		c.log.Warn().RawJSON("error", out.Error).Int("status", resp.StatusCode).Msg("api returned error")
	}
	if len(out.Choices) == 0 || out.Choices[0].Text == nil {
		return "", resp.StatusCode, ErrMissingChoices
	}
	return strings.TrimSpace(*out.Choices[0].Text), resp.StatusCode, nil
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case ctx.Err() != nil:
		return observability.OutcomeCancelled
	case errors.Is(err, ErrDecode):
		return observability.OutcomeDecodeError
	case errors.Is(err, ErrMissingChoices):
		return observability.OutcomeMissingChoices
	default:
		return observability.OutcomeConnectionError
	}
}
