// Package config provides configuration handling for flowlauncher.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/settings"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the port used when PORT is not set
const DefaultPort = 1880

var (
	// ErrInvalidPort is returned for ports that are not integers in 1-65535
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidConfig is returned when validation fails
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config represents the launcher configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Workspace configuration
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`

	// Runtime configuration
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to; empty binds all interfaces
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port"`

	// ShutdownTimeout bounds graceful HTTP shutdown, in seconds
	ShutdownTimeout int `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// TLS configuration
	TLS TLSConfig `json:"tls" yaml:"tls"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file" yaml:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file" yaml:"key_file"`
}

// WorkspaceConfig describes the runtime's user data directory
type WorkspaceConfig struct {
	// Dir is the workspace directory, removed on shutdown
	Dir string `json:"dir" yaml:"dir"`

	// FlowFile is the flow definitions file name inside Dir
	FlowFile string `json:"flow_file" yaml:"flow_file"`
}

// RuntimeConfig contains settings for the launched flow runtime
type RuntimeConfig struct {
	// Profile selects the settings variant ("default", "runtime-state")
	Profile string `json:"profile" yaml:"profile"`

	// Command is the runtime executable
	Command string `json:"command" yaml:"command"`

	// Args precede the generated --settings and --userDir arguments
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Host is the loopback address the runtime listens on
	Host string `json:"host" yaml:"host"`

	// Port is the runtime's internal port; 0 picks a free one
	Port int `json:"port" yaml:"port"`

	// ReadyTimeout bounds the wait for the runtime to answer, in seconds
	ReadyTimeout int `json:"ready_timeout" yaml:"ready_timeout"`

	// StopTimeout bounds the wait for the runtime to exit, in seconds
	StopTimeout int `json:"stop_timeout" yaml:"stop_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level" yaml:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format" yaml:"format"` // "text", "json"

	// Output is the log output
	Output string `json:"output" yaml:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: 10,
		},
		Workspace: WorkspaceConfig{
			Dir:      "./tmp",
			FlowFile: settings.DefaultFlowFile,
		},
		Runtime: RuntimeConfig{
			Profile:      string(settings.ProfileDefault),
			Command:      "node-red",
			Host:         "127.0.0.1",
			ReadyTimeout: 60,
			StopTimeout:  10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadConfig loads the configuration from a file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON. Missing fields keep their
// default values.
func LoadConfig(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write the file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration once at load time
func (c *Config) Validate() error {
	if err := validatePort(c.Server.Port); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Runtime.Port != 0 {
		if err := validatePort(c.Runtime.Port); err != nil {
			return fmt.Errorf("runtime: %w", err)
		}
		if c.Runtime.Port == c.Server.Port && c.Runtime.Host == c.Server.Host {
			return fmt.Errorf("%w: runtime and server both use %s:%d", ErrInvalidConfig, c.Server.Host, c.Server.Port)
		}
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls requires cert_file and key_file", ErrInvalidConfig)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdown_timeout must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Workspace.Dir) == "" {
		return fmt.Errorf("%w: workspace dir is required", ErrInvalidConfig)
	}
	if c.Workspace.FlowFile == "" || filepath.Base(c.Workspace.FlowFile) != c.Workspace.FlowFile {
		return fmt.Errorf("%w: flow_file %q must be a plain file name", ErrInvalidConfig, c.Workspace.FlowFile)
	}
	if _, err := settings.ParseProfile(c.Runtime.Profile); err != nil {
		return fmt.Errorf("%w: %v (known profiles: %v)", ErrInvalidConfig, err, settings.Profiles())
	}
	if strings.TrimSpace(c.Runtime.Command) == "" {
		return fmt.Errorf("%w: runtime command is required", ErrInvalidConfig)
	}
	if c.Runtime.ReadyTimeout <= 0 || c.Runtime.StopTimeout <= 0 {
		return fmt.Errorf("%w: runtime timeouts must be positive", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Profile returns the parsed settings profile
func (c *Config) Profile() settings.Profile {
	p, err := settings.ParseProfile(c.Runtime.Profile)
	if err != nil {
		return settings.ProfileDefault
	}
	return p
}

// Addr returns the host:port the HTTP server binds to
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ShutdownTimeout returns the graceful HTTP shutdown bound
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// ReadyTimeout returns the runtime readiness bound
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Runtime.ReadyTimeout) * time.Second
}

// StopTimeout returns the runtime stop bound
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Runtime.StopTimeout) * time.Second
}

// LogConfig converts the logging section for the logging package
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:    c.Logging.Level,
		Format:   c.Logging.Format,
		Output:   c.Logging.Output,
		FilePath: c.Logging.FilePath,
	}
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
