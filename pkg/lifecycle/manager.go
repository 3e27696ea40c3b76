// Package lifecycle drives the launcher from startup to exit: it starts the
// runtime, waits for a signal or fault, and runs a single shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/runtime"
)

// Exit codes returned by Run and Shutdown
const (
	ExitOK      = 0
	ExitFailure = 1
)

// ErrShuttingDown is returned by Start once shutdown has begun
var ErrShuttingDown = errors.New("lifecycle: shutdown in progress")

// State is the launcher's lifecycle state
type State int32

const (
	Starting State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Reason describes what triggered a shutdown. A zero Reason is a plain
// request, for example a cancelled context.
type Reason struct {
	Signal os.Signal
	Err    error
}

// Fault reports whether the shutdown was caused by a failure
func (r Reason) Fault() bool {
	return r.Err != nil
}

func (r Reason) String() string {
	switch {
	case r.Err != nil:
		return "fault: " + r.Err.Error()
	case r.Signal != nil:
		return "signal: " + r.Signal.String()
	default:
		return "requested"
	}
}

// Hook runs during shutdown before the runtime is stopped
type Hook func(ctx context.Context) error

// Workspace is the part of the workspace the manager cleans up
type Workspace interface {
	Remove() error
}

// Option customizes a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStopTimeout bounds Runtime.Stop during shutdown
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.stopTimeout = d
	}
}

// WithPreStop adds a hook run at the start of shutdown, in registration order
func WithPreStop(hook Hook) Option {
	return func(m *Manager) {
		m.preStop = append(m.preStop, hook)
	}
}

// WithBanner sets how the editor URL announced once the runtime is ready
// is found. It is called after the listener is bound.
func WithBanner(url func() string) Option {
	return func(m *Manager) {
		m.banner = url
	}
}

// Manager owns the launcher's state machine. Create one with NewManager.
type Manager struct {
	runtime     runtime.Runtime
	workspace   Workspace
	logger      logging.Logger
	stopTimeout time.Duration
	preStop     []Hook
	banner      func() string

	state  atomic.Int32
	faults chan error

	once sync.Once
	code int
	done chan struct{}
}

// NewManager creates a manager in the Starting state
func NewManager(rt runtime.Runtime, ws Workspace, opts ...Option) *Manager {
	m := &Manager{
		runtime:     rt,
		workspace:   ws,
		logger:      logging.Nop(),
		stopTimeout: 10 * time.Second,
		faults:      make(chan error, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state.Store(int32(Starting))
	return m
}

// State returns the current state
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Done is closed once shutdown has completed
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Start starts the runtime and moves to Running
func (m *Manager) Start(ctx context.Context) error {
	switch m.State() {
	case Starting:
	case Running:
		return runtime.ErrAlreadyStarted
	default:
		return ErrShuttingDown
	}

	m.logger.Info("Starting flow runtime")
	if err := m.runtime.Start(ctx); err != nil {
		m.logger.Error("Failed to start flow runtime", logging.Err(err))
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	if !m.state.CompareAndSwap(int32(Starting), int32(Running)) {
		return ErrShuttingDown
	}

	var url string
	if m.banner != nil {
		url = m.banner()
	}
	m.logger.LogSystemEvent("runtime_started", map[string]interface{}{
		"editor": url,
	})
	if url != "" {
		m.logger.Info("Flow editor ready", logging.F("url", url))
	}

	if sup, ok := m.runtime.(runtime.Supervised); ok {
		m.watch(sup)
	}
	return nil
}

// watch turns an unexpected runtime exit into a fault
func (m *Manager) watch(sup runtime.Supervised) {
	go func() {
		select {
		case err := <-sup.Exited():
			if err == nil {
				err = errors.New("runtime exited")
			}
			m.Fault(err)
		case <-m.done:
		}
	}()
}

// Fault reports an asynchronous failure and triggers shutdown. Safe to call
// from any goroutine any number of times; only the first fault is kept.
func (m *Manager) Fault(err error) {
	if err == nil {
		return
	}
	select {
	case m.faults <- err:
		m.logger.Error("Fault reported", logging.Err(err))
	default:
		m.logger.Debug("Additional fault ignored", logging.Err(err))
	}
}

// Go runs fn in its own goroutine. A returned error or a panic is reported
// as a fault.
func (m *Manager) Go(fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.Fault(fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			m.Fault(err)
		}
	}()
}

// Shutdown stops the runtime and removes the workspace. It runs once;
// every caller gets the same exit code.
func (m *Manager) Shutdown(ctx context.Context, reason Reason) int {
	m.once.Do(func() {
		m.code = m.shutdown(ctx, reason, true)
		close(m.done)
	})
	<-m.done
	return m.code
}

// abort ends a launcher whose runtime never started. The workspace is left
// in place and the runtime is not stopped.
func (m *Manager) abort(ctx context.Context) int {
	m.once.Do(func() {
		m.code = m.shutdown(ctx, Reason{Err: errors.New("runtime failed to start")}, false)
		close(m.done)
	})
	<-m.done
	return m.code
}

func (m *Manager) shutdown(ctx context.Context, reason Reason, started bool) int {
	m.state.Store(int32(Stopping))
	m.logger.Info("Shutting down", logging.F("reason", reason.String()))

	code := ExitOK
	if reason.Fault() {
		code = ExitFailure
	}

	for _, hook := range m.preStop {
		if err := hook(ctx); err != nil {
			m.logger.Warn("Shutdown hook failed", logging.Err(err))
		}
	}

	if started {
		stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
		err := m.runtime.Stop(stopCtx)
		cancel()
		if err != nil {
			m.logger.Error("Failed to stop flow runtime", logging.Err(err))
			code = ExitFailure
		} else {
			m.logger.Info("Flow runtime stopped")
		}

		if m.workspace != nil {
			if err := m.workspace.Remove(); err != nil {
				m.logger.Warn("Failed to remove workspace", logging.Err(err))
			}
		}
	}

	m.state.Store(int32(Stopped))
	m.logger.LogSystemEvent("shutdown_complete", map[string]interface{}{
		"reason":    reason.String(),
		"exit_code": code,
	})
	return code
}

// Run starts the runtime, waits for the first signal, fault or context
// cancellation, then shuts down and returns the exit code. A signal that
// arrives while the runtime is still starting cancels the start.
func (m *Manager) Run(ctx context.Context, signals <-chan os.Signal) int {
	// Shutdown must run to completion even when ctx is what ended the run
	shutdownCtx := context.WithoutCancel(ctx)

	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()

	started := make(chan error, 1)
	go func() {
		started <- m.Start(startCtx)
	}()

	var pending *Reason
	ctxDone := ctx.Done()
	for pending == nil || started != nil {
		select {
		case err := <-started:
			started = nil
			if pending != nil {
				break
			}
			if err != nil {
				return m.abort(shutdownCtx)
			}
			return m.wait(ctx, shutdownCtx, signals)
		case sig := <-signals:
			if pending == nil {
				m.logger.Info("Signal received during startup", logging.F("signal", sig.String()))
				pending = &Reason{Signal: sig}
				cancelStart()
			}
		case err := <-m.faults:
			if pending == nil {
				pending = &Reason{Err: err}
				cancelStart()
			}
		case <-ctxDone:
			ctxDone = nil
			if pending == nil {
				pending = &Reason{}
			}
		case <-m.done:
			return m.code
		}
	}
	return m.Shutdown(shutdownCtx, *pending)
}

func (m *Manager) wait(ctx, shutdownCtx context.Context, signals <-chan os.Signal) int {
	select {
	case sig := <-signals:
		m.logger.Info("Signal received", logging.F("signal", sig.String()))
		return m.Shutdown(shutdownCtx, Reason{Signal: sig})
	case err := <-m.faults:
		return m.Shutdown(shutdownCtx, Reason{Err: err})
	case <-ctx.Done():
		return m.Shutdown(shutdownCtx, Reason{})
	case <-m.done:
		return m.code
	}
}
