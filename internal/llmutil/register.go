// Package llmutil wires the built-in model clients into an llm.ModelFactory.
package llmutil

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/efebarandurmaz/evalbridge/internal/llm"
	"github.com/efebarandurmaz/evalbridge/internal/llm/mock"
	"github.com/efebarandurmaz/evalbridge/internal/llm/puyu"
	"github.com/efebarandurmaz/evalbridge/internal/observability"
	"github.com/efebarandurmaz/evalbridge/internal/secrets"
	"github.com/efebarandurmaz/evalbridge/internal/tokenizer"
)

// Model type names accepted in config.
const (
	TypePuyu = "puyu"
	TypeMock = "mock"
)

// Deps are the shared collaborators handed to every constructed model.
// Zero values fall back to each client's defaults.
type Deps struct {
	Logger    *zerolog.Logger
	Metrics   *observability.Metrics
	Secrets   *secrets.Manager
	Tokenizer tokenizer.Counter
}

func (d Deps) logger() zerolog.Logger {
	if d.Logger != nil {
		return *d.Logger
	}
	return log.Logger
}

// RegisterDefaultModels registers the puyu and mock constructors into factory.
func RegisterDefaultModels(factory *llm.ModelFactory, deps Deps) {
	factory.Register(TypePuyu, func(c llm.ModelConfig) (llm.Model, error) {
		opts := []puyu.Option{
			puyu.WithLogger(deps.logger()),
			puyu.WithMetrics(deps.Metrics),
		}
		if deps.Secrets != nil {
			opts = append(opts, puyu.WithSecrets(deps.Secrets))
		}
		if deps.Tokenizer != nil {
			opts = append(opts, puyu.WithTokenizer(deps.Tokenizer))
		}
		return puyu.New(c, opts...)
	})
	factory.Register(TypeMock, func(c llm.ModelConfig) (llm.Model, error) {
		opts := []mock.Option{mock.WithLogger(deps.logger())}
		if deps.Tokenizer != nil {
			opts = append(opts, mock.WithTokenizer(deps.Tokenizer))
		}
		return mock.New(c, opts...), nil
	})
}
