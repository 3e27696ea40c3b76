package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables recognized by the launcher
const (
	EnvPort           = "PORT"
	EnvHost           = "FLOWLAUNCHER_HOST"
	EnvWorkspace      = "FLOWLAUNCHER_WORKSPACE"
	EnvProfile        = "FLOWLAUNCHER_PROFILE"
	EnvRuntimeCommand = "FLOWLAUNCHER_RUNTIME_COMMAND"
	EnvRuntimePort    = "FLOWLAUNCHER_RUNTIME_PORT"
	EnvLogLevel       = "FLOWLAUNCHER_LOG_LEVEL"
	EnvLogFormat      = "FLOWLAUNCHER_LOG_FORMAT"
	EnvConfigFile     = "FLOWLAUNCHER_CONFIG"
)

// LookupFunc reads one environment variable
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads variables from .env-style files into the process
// environment. Files that do not exist are skipped; variables already set in
// the environment win.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, an optional config file named
// by FLOWLAUNCHER_CONFIG, and environment overrides, then validates it.
func Load(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := DefaultConfig()
	if path, ok := lookup(EnvConfigFile); ok && strings.TrimSpace(path) != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		cfg = loaded
	}

	if err := OverrideFromEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OverrideFromEnv overrides configuration values from environment variables
func OverrideFromEnv(cfg *Config, lookup LookupFunc) error {
	// Server configuration
	if port, ok := nonEmpty(lookup, EnvPort); ok {
		p, err := parsePort(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = p
	}
	if host, ok := nonEmpty(lookup, EnvHost); ok {
		cfg.Server.Host = host
	}

	// Workspace configuration
	if dir, ok := nonEmpty(lookup, EnvWorkspace); ok {
		cfg.Workspace.Dir = dir
	}

	// Runtime configuration
	if profile, ok := nonEmpty(lookup, EnvProfile); ok {
		cfg.Runtime.Profile = profile
	}
	if command, ok := nonEmpty(lookup, EnvRuntimeCommand); ok {
		cfg.Runtime.Command = command
	}
	if port, ok := nonEmpty(lookup, EnvRuntimePort); ok {
		p, err := parsePort(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRuntimePort, err)
		}
		cfg.Runtime.Port = p
	}

	// Logging configuration
	if level, ok := nonEmpty(lookup, EnvLogLevel); ok {
		cfg.Logging.Level = level
	}
	if format, ok := nonEmpty(lookup, EnvLogFormat); ok {
		cfg.Logging.Format = format
	}

	return nil
}

func parsePort(value string) (int, error) {
	p, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, value)
	}
	if err := validatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
