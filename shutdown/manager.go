// Package shutdown turns SIGINT and SIGTERM into context cancellation for a
// single CLI run and releases resources in a fixed order afterwards.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Manager owns the run context. The first signal cancels it; a second one
// exits immediately with the first signal's code.
//
// Usage:
//
//	mgr := shutdown.NewManager(logger.Zap())
//	mgr.Start()
//	mgr.Register("history", 20, func(ctx context.Context) error { return history.Close() })
//
//	result, err := orchestrator.Generate(mgr.Context(), ...)
//	code := exitCodeFor(err)
//	if c, ok := mgr.ExitCode(); ok {
//	    code = c
//	}
//	mgr.Shutdown()
type Manager struct {
	logger   *zap.Logger
	timeout  time.Duration
	exit     func(code int)
	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry
	signals  *SignalCounter

	sigChan chan os.Signal
	done    chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout bounds the cleanup phase. Default is 30 seconds.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// WithExitFunc replaces os.Exit for the forced exit on a second signal.
func WithExitFunc(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

// WithParent derives the run context from parent instead of Background.
func WithParent(parent context.Context) ManagerOption {
	return func(m *Manager) {
		m.cancel()
		m.ctx, m.cancel = context.WithCancel(parent)
	}
}

// NewManager creates a manager. A nil logger logs nothing.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:   logger,
		timeout:  30 * time.Second,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.signals = NewSignalCounter(2, func(code int) {
		m.logger.Warn("Received second signal, exiting without cleanup", zap.Int("exit_code", code))
		m.exit(code)
	})
	return m
}

// Context is cancelled when the first signal arrives or on Shutdown.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function; lower priorities run first.
func (m *Manager) Register(name string, priority int, fn Func) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-m.sigChan:
				m.handle(sig)
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Manager) handle(sig os.Signal) {
	if m.signals.Record(sig) == 1 {
		m.logger.Info("Received shutdown signal, cancelling generation",
			zap.String("signal", sig.String()),
		)
		m.cancel()
	}
}

// Signal returns the first signal received, or nil.
func (m *Manager) Signal() os.Signal {
	return m.signals.First()
}

// ExitCode returns the exit code implied by a received signal. ok is false
// when the run was not interrupted.
func (m *Manager) ExitCode() (code int, ok bool) {
	sig := m.signals.First()
	if sig == nil {
		return 0, false
	}
	return ExitCode(sig), true
}

// Shutdown stops signal handling, cancels the run context and runs the
// registered cleanups within the timeout. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	if m.started {
		signal.Stop(m.sigChan)
		close(m.done)
	}
	m.mu.Unlock()

	m.cancel()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Debug("Running cleanup", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Run(ctx)
	for _, err := range errs {
		m.logger.Error("Cleanup function failed", zap.Error(err))
	}
	m.logger.Debug("Cleanup finished",
		zap.Duration("duration", time.Since(start)),
		zap.Int("error_count", len(errs)),
	)
	return errors.Join(errs...)
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// RegisteredHandlers returns the cleanup names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}
