// Package app wires the launcher's components together. An App is built once
// in main and owns everything that lives for the length of the process.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tcmartin/flowlauncher/pkg/api"
	"github.com/tcmartin/flowlauncher/pkg/config"
	"github.com/tcmartin/flowlauncher/pkg/lifecycle"
	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/runtime"
	"github.com/tcmartin/flowlauncher/pkg/settings"
	"github.com/tcmartin/flowlauncher/pkg/workspace"
)

// killGrace is added to the runtime's stop timeout so its own SIGKILL
// fallback can finish before the lifecycle gives up on it.
const killGrace = 5 * time.Second

// App is the launcher's application context
type App struct {
	ID        string
	Config    *config.Config
	Logger    logging.Logger
	Workspace *workspace.Workspace
	Settings  *settings.Settings
	Runtime   runtime.Runtime
	Server    *api.Server
	Manager   *lifecycle.Manager
}

// BuildSettings assembles the runtime settings for cfg. uiPort is the port
// the runtime listens on internally.
func BuildSettings(cfg *config.Config, uiPort int) (*settings.Settings, error) {
	return settings.Build(settings.Options{
		UserDir:  cfg.Workspace.Dir,
		FlowFile: cfg.Workspace.FlowFile,
		Profile:  cfg.Profile(),
		UIHost:   cfg.Runtime.Host,
		UIPort:   uiPort,
	})
}

// New prepares the workspace, builds the settings, creates the HTTP server
// and initializes rt with both. Nothing is listening yet.
func New(cfg *config.Config, logger logging.Logger, rt runtime.Runtime) (*App, error) {
	a := &App{
		ID:      uuid.NewString(),
		Config:  cfg,
		Runtime: rt,
	}
	a.Logger = logger.WithFields(logging.F("instance", a.ID))

	a.Workspace = workspace.New(cfg.Workspace.Dir, cfg.Workspace.FlowFile)
	created, err := a.Workspace.Ensure()
	if err != nil {
		return nil, err
	}
	if flows, err := a.Workspace.Flows(); err != nil {
		a.Logger.Warn("Flow file is not a JSON array", logging.Err(err))
	} else {
		a.Logger.Info("Workspace ready",
			logging.F("dir", a.Workspace.Dir()),
			logging.F("flow_file", a.Workspace.FlowFilePath()),
			logging.F("created", created.Wrote()),
			logging.F("flows", len(flows)))
	}

	uiPort := cfg.Runtime.Port
	if uiPort == 0 {
		if uiPort, err = runtime.FreePort(cfg.Runtime.Host); err != nil {
			return nil, err
		}
	}

	a.Settings, err = BuildSettings(cfg, uiPort)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime settings: %w", err)
	}
	a.Logger.Debug("Runtime settings built",
		logging.F("profile", string(a.Settings.Profile)),
		logging.F("ui_port", uiPort))

	a.Server = api.NewServer(cfg, a.Settings, rt,
		api.WithLogger(a.Logger),
		api.WithStatus(func() string { return a.Manager.State().String() }),
	)

	if err := rt.Init(a.Server.HTTPServer(), a.Settings); err != nil {
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}

	a.Manager = lifecycle.NewManager(rt, a.Workspace,
		lifecycle.WithLogger(a.Logger),
		lifecycle.WithStopTimeout(cfg.StopTimeout()+killGrace),
		lifecycle.WithBanner(a.Server.URL),
		lifecycle.WithPreStop(a.stopServer),
	)
	return a, nil
}

func (a *App) stopServer(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.Config.ShutdownTimeout())
	defer cancel()
	return a.Server.Stop(ctx)
}

// Run binds the listener, serves, starts the runtime and blocks until the
// launcher has shut down. It returns the process exit code.
func (a *App) Run(ctx context.Context, signals <-chan os.Signal) int {
	addr, err := a.Server.Listen()
	if err != nil {
		a.Logger.Error("Failed to start HTTP server", logging.Err(err))
		return lifecycle.ExitFailure
	}
	a.Logger.LogSystemEvent("launcher_started", map[string]interface{}{
		"addr":    addr.String(),
		"profile": string(a.Settings.Profile),
		"workdir": a.Workspace.Dir(),
	})

	a.Manager.Go(a.Server.Serve)
	return a.Manager.Run(ctx, signals)
}
