// Package runtime defines the contract between the launcher and the flow
// runtime it fronts, and provides a process-backed implementation.
package runtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/tcmartin/flowlauncher/pkg/settings"
)

// Runtime is the external flow engine as seen by the launcher
type Runtime interface {
	// Init prepares the runtime with the server it is mounted into and its settings
	Init(srv *http.Server, s *settings.Settings) error

	// Start runs the engine; it returns once the engine is serving
	Start(ctx context.Context) error

	// Stop shuts the engine down
	Stop(ctx context.Context) error

	// AdminHandler serves the editor and admin API
	AdminHandler() http.Handler

	// NodeHandler serves routes exposed by flow nodes
	NodeHandler() http.Handler
}

// Supervised is implemented by runtimes that can terminate on their own after
// Start. The channel yields once if the engine exits without Stop being called.
type Supervised interface {
	Exited() <-chan error
}

var (
	// ErrNotInitialized is returned by Start before Init
	ErrNotInitialized = errors.New("runtime not initialized")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("runtime already started")

	// ErrExitedEarly is returned when the engine exits before it becomes ready
	ErrExitedEarly = errors.New("runtime exited before becoming ready")
)
