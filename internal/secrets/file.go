package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileConfig configures the file-based secrets provider.
type FileConfig struct {
	// Path is the path to the secrets file (a flat JSON object)
	Path string
}

// FileProvider reads secrets from a JSON file such as
// {"puyu_key": "..."}. It is meant for local runs.
type FileProvider struct {
	config *FileConfig
	mu     sync.RWMutex
	data   map[string]string
}

// NewFileProvider loads the secrets file. A missing file is not an error; it
// simply holds no secrets until it is created and reloaded.
func NewFileProvider(config *FileConfig) (*FileProvider, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("file path required")
	}

	p := &FileProvider{
		config: config,
		data:   make(map[string]string),
	}
	if err := p.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load secrets file: %w", err)
	}
	return p, nil
}

// Name identifies the backend.
func (p *FileProvider) Name() string { return "file" }

// Get returns the value stored under key in the JSON file.
func (p *FileProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func (p *FileProvider) load() error {
	raw, err := os.ReadFile(p.config.Path)
	if err != nil {
		return err
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	p.data = data
	return nil
}

// Reload reloads secrets from the file.
func (p *FileProvider) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}
