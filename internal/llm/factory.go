package llm

import (
	"fmt"
	"sort"
	"time"
)

// ModelConfig holds everything needed to build any model wrapper.
type ModelConfig struct {
	Type string // "puyu", "mock"
	Abbr string // Short name used for prediction output paths
	Path string // Model identifier sent to the API

	MaxSeqLen   int
	MaxOutLen   int
	BatchSize   int
	Temperature float64 // Sampling temperature passed to Generate by runners

	QueryPerSecond float64
	Retry          int           // Attempts per input
	RetryDelay     time.Duration // Initial backoff between attempts (0 = none)
	Timeout        time.Duration // Per-attempt timeout

	Key string // Sent as the "id" header; "ENV" reads it from the environment
	URL string // Completion endpoint

	MetaTemplate *MetaTemplate
	RolePolicy   RolePolicy

	Workers  int  // Batch pool size (0 = DefaultWorkers)
	FailFast bool // Abort the batch on the first failed input
}

// DefaultTemperature is the sampling temperature used when none is configured.
const DefaultTemperature = 0.8

// DefaultModelConfig returns the defaults the harness configs rely on.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		MaxSeqLen:      2048,
		MaxOutLen:      2048,
		BatchSize:      8,
		Temperature:    DefaultTemperature,
		QueryPerSecond: 1,
		Retry:          2,
		Timeout:        5 * time.Minute,
		RolePolicy:     RolePolicyDrop,
	}
}

// RetryConfig derives the retry loop settings for this model.
func (c ModelConfig) RetryConfig() RetryConfig {
	rc := DefaultRetryConfig()
	if c.Retry > 0 {
		rc.MaxAttempts = c.Retry
	}
	rc.RetryDelay = c.RetryDelay
	rc.Timeout = c.Timeout
	return rc
}

// BatchOptions derives the fan-out settings for this model.
func (c ModelConfig) BatchOptions() BatchOptions {
	return BatchOptions{Workers: c.Workers, FailFast: c.FailFast}
}

// ModelFactory creates Model instances from config.
type ModelFactory struct {
	constructors map[string]ModelConstructor
}

// ModelConstructor builds a Model from config.
type ModelConstructor func(cfg ModelConfig) (Model, error)

// NewFactory creates an empty factory.
func NewFactory() *ModelFactory {
	return &ModelFactory{
		constructors: make(map[string]ModelConstructor),
	}
}

// Register adds a model constructor under the given type name.
func (f *ModelFactory) Register(name string, ctor ModelConstructor) {
	f.constructors[name] = ctor
}

// Create builds a Model from config.
func (f *ModelFactory) Create(cfg ModelConfig) (Model, error) {
	ctor, ok := f.constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q (registered: %v)", cfg.Type, f.Names())
	}

	model, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Type, err)
	}
	return model, nil
}

// Names lists the registered model types in sorted order.
func (f *ModelFactory) Names() []string {
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
