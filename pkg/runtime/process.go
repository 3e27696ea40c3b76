package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/settings"
	"golang.org/x/sync/errgroup"
)

// Files the process runtime writes into the user directory
const (
	SettingsJSONFile = "settings.json"
	SettingsJSFile   = "settings.js"
)

// The runtime only loads JavaScript settings files, so a one-line shim
// re-exports the JSON record.
const settingsShim = "module.exports = require(\"./" + SettingsJSONFile + "\");\n"

const (
	defaultReadyTimeout = 60 * time.Second
	defaultStopTimeout  = 10 * time.Second
)

// ProcessOptions configures a ProcessRuntime
type ProcessOptions struct {
	// Command is the runtime executable
	Command string

	// Args precede the generated --settings and --userDir arguments
	Args []string

	// Env is appended to the launcher's environment
	Env []string

	// ReadyTimeout bounds the wait for the admin API to answer
	ReadyTimeout time.Duration

	// StopTimeout bounds the wait for the process to exit after SIGINT
	StopTimeout time.Duration

	// Logger receives lifecycle messages and the child's output
	Logger logging.Logger

	// Client is used for readiness probes
	Client *http.Client
}

// ProcessRuntime runs the flow runtime as a child process listening on a
// loopback port and proxies the admin and node handler groups to it.
type ProcessRuntime struct {
	opts   ProcessOptions
	logger logging.Logger

	mu       sync.Mutex
	settings *settings.Settings
	target   *url.URL
	admin    http.Handler
	node     http.Handler
	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	stopping bool

	exited chan error
}

// NewProcessRuntime creates a process-backed runtime
func NewProcessRuntime(opts ProcessOptions) *ProcessRuntime {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 2 * time.Second}
	}

	unavailable := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "runtime not initialized", http.StatusServiceUnavailable)
	})

	return &ProcessRuntime{
		opts:   opts,
		logger: opts.Logger.WithFields(logging.F("component", "runtime")),
		admin:  unavailable,
		node:   unavailable,
		exited: make(chan error, 1),
	}
}

// Init writes the settings files into the user directory and prepares the
// proxies. The child serves on its own loopback listener, so srv is not used.
func (p *ProcessRuntime) Init(srv *http.Server, s *settings.Settings) error {
	if s == nil {
		return errors.New("settings are required")
	}
	if s.UIPort == 0 {
		return errors.New("runtime port must be assigned before Init")
	}

	host := s.UIHost
	if host == "" {
		host = "127.0.0.1"
	}
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(s.UIPort))}

	if err := writeSettings(s); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings = s.Clone()
	p.target = target
	p.admin = newProxy(target, "admin", p.logger)
	p.node = newProxy(target, "node", p.logger)

	p.logger.Debug("runtime initialized",
		logging.F("target", target.String()),
		logging.F("user_dir", s.UserDir),
	)
	return nil
}

func writeSettings(s *settings.Settings) error {
	data, err := s.JSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.UserDir, SettingsJSONFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write runtime settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.UserDir, SettingsJSFile), []byte(settingsShim), 0644); err != nil {
		return fmt.Errorf("failed to write runtime settings shim: %w", err)
	}
	return nil
}

// AdminHandler returns the proxy for the editor and admin API
func (p *ProcessRuntime) AdminHandler() http.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admin
}

// NodeHandler returns the proxy for node routes
func (p *ProcessRuntime) NodeHandler() http.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// Exited yields once if the child exits without Stop being called
func (p *ProcessRuntime) Exited() <-chan error {
	return p.exited
}

// Start launches the child and waits until its admin API answers. If the
// child does not become ready it is killed before Start returns.
func (p *ProcessRuntime) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.settings == nil {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	if p.cmd != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	s := p.settings
	target := p.target

	args, err := p.commandArgs(s)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	cmd := exec.Command(p.opts.Command, args...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	configureProcessGroup(cmd)

	// Capture stdout and stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to start runtime process: %w", err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.stopping = false
	p.mu.Unlock()

	p.logger.Info("runtime process started",
		logging.F("pid", cmd.Process.Pid),
		logging.F("command", p.opts.Command),
	)

	pumps := &errgroup.Group{}
	pumps.Go(func() error { return p.pump(stdout, "stdout") })
	pumps.Go(func() error { return p.pump(stderr, "stderr") })
	go p.wait(cmd, pumps, done)

	if err := p.waitReady(ctx, done); err != nil {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()

		if kerr := kill(cmd); kerr != nil {
			p.logger.Debug("kill after failed start", logging.Err(kerr))
		}
		<-done
		return fmt.Errorf("runtime did not become ready: %w", err)
	}

	p.logger.Info("runtime ready", logging.F("target", target.String()))
	return nil
}

// commandArgs appends the settings and user dir arguments to the configured
// ones. Paths are absolute since the runtime resolves its settings file with
// require, which does not treat "tmp/settings.js" as relative to the cwd.
func (p *ProcessRuntime) commandArgs(s *settings.Settings) ([]string, error) {
	userDir, err := filepath.Abs(s.UserDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user dir: %w", err)
	}

	args := append([]string{}, p.opts.Args...)
	return append(args,
		"--settings", filepath.Join(userDir, SettingsJSFile),
		"--userDir", userDir,
	), nil
}

func (p *ProcessRuntime) waitReady(ctx context.Context, done <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ReadyTimeout)
	defer cancel()

	p.mu.Lock()
	probe := p.target.ResolveReference(&url.URL{Path: path.Join(p.settings.HTTPAdminRoot, "settings")})
	p.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		select {
		case <-done:
			return backoff.Permanent(ErrExitedEarly)
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.opts.Client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("readiness probe returned %d", resp.StatusCode)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (p *ProcessRuntime) pump(r io.Reader, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info(scanner.Text(), logging.F("stream", stream))
	}
	return scanner.Err()
}

func (p *ProcessRuntime) wait(cmd *exec.Cmd, pumps *errgroup.Group, done chan struct{}) {
	// Output must be drained before Wait closes the pipes
	if err := pumps.Wait(); err != nil {
		p.logger.Warn("runtime output capture failed", logging.Err(err))
	}
	err := cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	stopping := p.stopping
	p.mu.Unlock()
	close(done)

	if stopping {
		return
	}

	if err == nil {
		err = errors.New("runtime exited unexpectedly")
	} else {
		err = fmt.Errorf("runtime exited unexpectedly: %w", err)
	}
	p.logger.Error("runtime process exited", logging.Err(err))

	select {
	case p.exited <- err:
	default:
	}
}

// Stop interrupts the child and waits for it to exit. A child that outlives
// the stop timeout or ctx is killed and Stop reports an error.
func (p *ProcessRuntime) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	select {
	case <-done:
		p.mu.Unlock()
		return nil
	default:
	}
	p.stopping = true
	p.mu.Unlock()

	p.logger.Info("stopping runtime process", logging.F("pid", cmd.Process.Pid))
	forced, err := interrupt(cmd)
	if err != nil {
		p.logger.Warn("failed to interrupt runtime process", logging.Err(err))
	}

	timer := time.NewTimer(p.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		kill(cmd)
		<-done
		return fmt.Errorf("runtime did not stop within %s and was killed", p.opts.StopTimeout)
	case <-ctx.Done():
		kill(cmd)
		<-done
		return fmt.Errorf("runtime stop interrupted: %w", ctx.Err())
	}

	p.mu.Lock()
	exitErr := p.exitErr
	p.mu.Unlock()

	if !stoppedCleanly(exitErr, forced) {
		return fmt.Errorf("runtime exited with error: %w", exitErr)
	}
	return nil
}

// stoppedCleanly reports whether an exit that followed Stop's interrupt is
// the expected one. forced is set when the platform could not deliver an
// interrupt and the child was killed instead.
func stoppedCleanly(exitErr error, forced bool) bool {
	return exitErr == nil || forced || interrupted(exitErr)
}
