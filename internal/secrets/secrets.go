// Package secrets resolves API keys for model clients from the environment
// or a local secrets file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SecretKey identifies a secret looked up by the model clients.
type SecretKey string

const (
	SecretPuyuKey   SecretKey = "puyu_key"
	SecretOpenAIKey SecretKey = "openai_api_key"
)

// EnvSentinel is the key value that asks for environment resolution.
const EnvSentinel = "ENV"

// DefaultEnvPrefix is prepended to secret names when reading the environment.
const DefaultEnvPrefix = "EVALBRIDGE_"

// ErrNotFound is returned when no backend holds the requested secret.
var ErrNotFound = errors.New("secret not found")

// Provider is the interface for secret backends.
type Provider interface {
	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (string, error)
	// Name returns the provider name.
	Name() string
}

// Config configures the secrets manager.
type Config struct {
	// Provider specifies which backend to use: "env" or "file"
	Provider string
	// FileConfig for the file-based backend
	FileConfig *FileConfig
	// Prefix for environment variable names (default: "EVALBRIDGE_")
	EnvPrefix string
}

// DefaultConfig returns default secrets configuration (env-based).
func DefaultConfig() *Config {
	return &Config{
		Provider:  "env",
		EnvPrefix: DefaultEnvPrefix,
	}
}

// Manager looks secrets up in a primary backend and falls back to the
// environment.
type Manager struct {
	primary  Provider
	fallback Provider
	cache    map[string]string
	cacheMu  sync.RWMutex
	useCache bool
}

// NewManager creates a secrets manager with the specified configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var primary Provider
	var err error

	switch cfg.Provider {
	case "file":
		if cfg.FileConfig == nil {
			return nil, fmt.Errorf("file config required for file provider")
		}
		primary, err = NewFileProvider(cfg.FileConfig)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
	case "env", "":
		primary = NewEnvProvider(cfg.EnvPrefix)
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}

	m := &Manager{
		primary:  primary,
		cache:    make(map[string]string),
		useCache: true,
	}
	if primary.Name() != "env" {
		m.fallback = NewEnvProvider(cfg.EnvPrefix)
	}
	return m, nil
}

// Get retrieves a secret, trying primary then fallback.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if m.useCache {
		m.cacheMu.RLock()
		if val, ok := m.cache[key]; ok {
			m.cacheMu.RUnlock()
			return val, nil
		}
		m.cacheMu.RUnlock()
	}

	for _, p := range []Provider{m.primary, m.fallback} {
		if p == nil {
			continue
		}
		if val, err := p.Get(ctx, key); err == nil && val != "" {
			m.cacheSet(key, val)
			return val, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// GetOrDefault retrieves a secret or returns a default value.
func (m *Manager) GetOrDefault(ctx context.Context, key, defaultVal string) string {
	val, err := m.Get(ctx, key)
	if err != nil || val == "" {
		return defaultVal
	}
	return val
}

// ResolveKey returns key unchanged unless it is EnvSentinel, in which case the
// PUYU key is read from the secret backends with the OpenAI key as fallback.
func (m *Manager) ResolveKey(ctx context.Context, key string) (string, error) {
	if key != EnvSentinel {
		return key, nil
	}
	for _, name := range []SecretKey{SecretPuyuKey, SecretOpenAIKey} {
		if val, err := m.Get(ctx, string(name)); err == nil {
			return val, nil
		}
	}
	return "", fmt.Errorf("resolve api key: %w: %s or %s", ErrNotFound, SecretPuyuKey, SecretOpenAIKey)
}

// ClearCache clears the secrets cache.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[string]string)
	m.cacheMu.Unlock()
}

// DisableCache disables caching (useful for testing).
func (m *Manager) DisableCache() {
	m.useCache = false
}

func (m *Manager) cacheSet(key, value string) {
	if m.useCache {
		m.cacheMu.Lock()
		m.cache[key] = value
		m.cacheMu.Unlock()
	}
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based secrets provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{prefix: prefix}
}

// Name identifies the backend.
func (p *EnvProvider) Name() string { return "env" }

// Get tries PREFIX_KEY first, then KEY.
func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("env var not found: %s", envKey)
}
