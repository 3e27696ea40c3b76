// Package main is the entry point for the flowlauncher application.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcmartin/flowlauncher/pkg/app"
	"github.com/tcmartin/flowlauncher/pkg/config"
	"github.com/tcmartin/flowlauncher/pkg/lifecycle"
	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/runtime"
	"github.com/tcmartin/flowlauncher/pkg/settings"
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "flowlauncher"
)

// exitError carries a process exit code out of a cobra RunE
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		if e, ok := err.(*exitError); ok {
			return e.code
		}
		fmt.Fprintln(stderr, "Error:", err)
		return lifecycle.ExitFailure
	}
	return lifecycle.ExitOK
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         "Launch a Node-RED flow runtime",
		Long:          "Starts the Node-RED flow runtime behind an HTTP server with authentication disabled, and cleans up its workspace on shutdown",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := launch(stderr); code != lifecycle.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", AppName, AppVersion)
		},
	}

	var format string
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Print the runtime settings without starting anything",
		Long:  fmt.Sprintf("Prints the settings handed to the runtime. The profile is chosen with %s; known profiles: %s", config.EnvProfile, profileList()),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := app.BuildSettings(cfg, cfg.Runtime.Port)
			if err != nil {
				return err
			}
			return s.Encode(cmd.OutOrStdout(), format)
		},
	}
	settingsCmd.Flags().StringVar(&format, "format", settings.FormatJSON, "Output format (json|yaml)")

	configCmd := &cobra.Command{
		Use:   "config [file]",
		Short: "Write the effective launcher configuration to a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", args[0])
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd, settingsCmd, configCmd)
	return rootCmd
}

func profileList() string {
	names := make([]string, 0, len(settings.Profiles()))
	for _, p := range settings.Profiles() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// launch runs the launcher until it shuts down and returns the exit code
func launch(stderr io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return lifecycle.ExitFailure
	}

	logger, closer, err := logging.New(cfg.LogConfig())
	if err != nil {
		fmt.Fprintln(stderr, "Error: failed to create logger:", err)
		return lifecycle.ExitFailure
	}
	defer closer.Close()

	rt := runtime.NewProcessRuntime(runtime.ProcessOptions{
		Command:      cfg.Runtime.Command,
		Args:         cfg.Runtime.Args,
		ReadyTimeout: cfg.ReadyTimeout(),
		StopTimeout:  cfg.StopTimeout(),
		Logger:       logger,
		Client:       &http.Client{Timeout: 5 * time.Second},
	})

	a, err := app.New(cfg, logger, rt)
	if err != nil {
		logger.Error("Failed to initialize launcher", logging.Err(err))
		return lifecycle.ExitFailure
	}

	// Handle graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	code := a.Run(context.Background(), signals)
	logger.Info("Launcher exited", logging.F("exit_code", code))
	return code
}
