package server

import (
	"context"
	"net"
	"os"
	"os/signal"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ShutdownHandler runs registered hooks once, on a signal or on Shutdown.
type ShutdownHandler struct {
	mu       sync.Mutex
	hooks    []ShutdownHook
	timeout  time.Duration
	signals  []os.Signal
	trigger  chan struct{}
	stopping chan struct{}
	done     chan struct{}
	started  bool
	once     sync.Once
	log      zerolog.Logger
}

// ShutdownHook is one step of the shutdown sequence.
type ShutdownHook struct {
	Name     string
	Priority int // Lower runs first
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	Timeout time.Duration // Budget for all hooks together (default: 30s)
	Signals []os.Signal   // Default: SIGTERM, SIGINT
}

// DefaultShutdownConfig returns the CLI defaults.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// NewShutdownHandler creates a handler; nil config means defaults.
func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	if config == nil {
		config = DefaultShutdownConfig()
	}
	return &ShutdownHandler{
		timeout:  config.Timeout,
		signals:  config.Signals,
		trigger:  make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.Logger,
	}
}

// Add registers a hook. Hooks with equal priority run in registration order.
func (s *ShutdownHandler) Add(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start begins listening for signals. Calling it twice is a no-op.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-s.trigger:
		}
		s.run()
	}()
}

// Shutdown starts the hook sequence without a signal. It does nothing
// before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.once.Do(func() { close(s.trigger) })
}

// Stopping is closed when the hook sequence begins.
func (s *ShutdownHandler) Stopping() <-chan struct{} {
	return s.stopping
}

// Wait blocks until every hook has run.
func (s *ShutdownHandler) Wait() {
	<-s.done
}

func (s *ShutdownHandler) run() {
	close(s.stopping)
	defer close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority < hooks[j].Priority })

	for _, hook := range hooks {
		if err := hook.Fn(ctx); err != nil {
			s.log.Error().Err(err).Str("hook", hook.Name).Msg("shutdown hook failed")
		}
	}
}

// HTTPServerShutdownHook creates a hook for HTTP server shutdown.
func HTTPServerShutdownHook(name string, shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{
		Name:     name,
		Priority: 10, // Stop accepting scrapes first
		Fn:       shutdownFn,
	}
}

// RunCancelHook creates a hook that cancels in-flight inference.
func RunCancelHook(cancel context.CancelFunc) ShutdownHook {
	return ShutdownHook{
		Name:     "inference",
		Priority: 20,
		Fn: func(ctx context.Context) error {
			cancel()
			return nil
		},
	}
}

// TracingShutdownHook creates a hook for tracing provider shutdown.
func TracingShutdownHook(shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{
		Name:     "tracing",
		Priority: 80,
		Fn:       shutdownFn,
	}
}

// GracefulServer combines the metrics/health server with shutdown handling.
type GracefulServer struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler
}

// NewGracefulServer creates a server with health checks and graceful shutdown.
func NewGracefulServer(healthConfig *HealthConfig, shutdownConfig *ShutdownConfig) *GracefulServer {
	health := NewHealthServer(healthConfig)
	shutdown := NewShutdownHandler(shutdownConfig)
	shutdown.log = health.log

	shutdown.Add(HTTPServerShutdownHook("metrics-server", health.Shutdown))

	// Mark as not ready when shutdown starts
	go func() {
		<-shutdown.Stopping()
		health.SetReady(false)
	}()

	return &GracefulServer{
		Health:   health,
		Shutdown: shutdown,
	}
}

// Start installs the signal handler and, when addr is set, serves the
// metrics and health endpoints.
func (g *GracefulServer) Start(addr string) (net.Addr, error) {
	g.Shutdown.Start()
	if addr == "" {
		return nil, nil
	}

	bound, err := g.Health.Start(addr)
	if err != nil {
		return nil, err
	}
	g.Health.SetReady(true)
	return bound, nil
}

// Wait waits for shutdown to complete.
func (g *GracefulServer) Wait() {
	g.Shutdown.Wait()
}

// Add registers a prepared shutdown hook.
func (g *GracefulServer) Add(hook ShutdownHook) {
	g.Shutdown.Add(hook)
}
