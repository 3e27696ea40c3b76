package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Check default values
	if cfg.Server.Port != 1880 {
		t.Errorf("Expected default port to be 1880, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host != "" {
		t.Errorf("Expected default host to be empty, got '%s'", cfg.Server.Host)
	}

	if cfg.Workspace.Dir != "./tmp" {
		t.Errorf("Expected default workspace to be './tmp', got '%s'", cfg.Workspace.Dir)
	}

	if cfg.Workspace.FlowFile != "flows.json" {
		t.Errorf("Expected default flow file to be 'flows.json', got '%s'", cfg.Workspace.FlowFile)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got %v", err)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "nested", name)

			// Create a test config
			originalCfg := DefaultConfig()
			originalCfg.Server.Host = "testhost"
			originalCfg.Server.Port = 9090
			originalCfg.Runtime.Profile = "runtime-state"

			// Save the config
			if err := SaveConfig(originalCfg, configPath); err != nil {
				t.Fatalf("Failed to save config: %v", err)
			}

			// Load the config
			loadedCfg, err := LoadConfig(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}

			assert.Equal(t, originalCfg, loadedCfg)
		})
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3000\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "node-red", cfg.Runtime.Command)
	assert.Equal(t, "./tmp", cfg.Workspace.Dir)
}

func TestLoadConfigError(t *testing.T) {
	// Try to load a non-existent config file
	_, err := LoadConfig("non-existent-file.json")
	if err == nil {
		t.Error("Expected error when loading non-existent config file, got nil")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadPortFromEnv(t *testing.T) {
	cfg, err := Load(lookupFrom(map[string]string{"PORT": "3000"}))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, ":3000", cfg.Addr())

	cfg, err = Load(lookupFrom(map[string]string{}))
	require.NoError(t, err)
	assert.Equal(t, 1880, cfg.Server.Port)

	cfg, err = Load(lookupFrom(map[string]string{"PORT": "  "}))
	require.NoError(t, err)
	assert.Equal(t, 1880, cfg.Server.Port)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	for _, port := range []string{"abc", "0", "70000", "-1"} {
		t.Run(port, func(t *testing.T) {
			_, err := Load(lookupFrom(map[string]string{"PORT": port}))
			assert.True(t, errors.Is(err, ErrInvalidPort), "got %v", err)
		})
	}
}

func TestOverrideFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := OverrideFromEnv(cfg, lookupFrom(map[string]string{
		EnvHost:           "127.0.0.1",
		EnvWorkspace:      "/var/lib/flows",
		EnvProfile:        "runtime-state",
		EnvRuntimeCommand: "/usr/local/bin/node-red",
		EnvRuntimePort:    "18801",
		EnvLogLevel:       "debug",
		EnvLogFormat:      "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/var/lib/flows", cfg.Workspace.Dir)
	assert.Equal(t, "runtime-state", cfg.Runtime.Profile)
	assert.Equal(t, "/usr/local/bin/node-red", cfg.Runtime.Command)
	assert.Equal(t, 18801, cfg.Runtime.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launcher.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":4000},"workspace":{"dir":"data"}}`), 0644))

	cfg, err := Load(lookupFrom(map[string]string{
		EnvConfigFile: path,
		EnvPort:       "4100",
	}))
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "data", cfg.Workspace.Dir)

	_, err = Load(lookupFrom(map[string]string{EnvConfigFile: filepath.Join(t.TempDir(), "missing.json")}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown profile", func(c *Config) { c.Runtime.Profile = "kiosk" }},
		{"empty workspace", func(c *Config) { c.Workspace.Dir = " " }},
		{"nested flow file", func(c *Config) { c.Workspace.FlowFile = "a/flows.json" }},
		{"empty command", func(c *Config) { c.Runtime.Command = "" }},
		{"zero ready timeout", func(c *Config) { c.Runtime.ReadyTimeout = 0 }},
		{"tls without files", func(c *Config) { c.Server.TLS.Enabled = true }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"runtime port clash", func(c *Config) {
			c.Server.Host = "127.0.0.1"
			c.Runtime.Port = c.Server.Port
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateListsKnownProfiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime.Profile = "kiosk"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "[default runtime-state]")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FLOWLAUNCHER_TEST_VALUE=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FLOWLAUNCHER_TEST_VALUE") })

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-dotenv", os.Getenv("FLOWLAUNCHER_TEST_VALUE"))
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "1m0s", cfg.ReadyTimeout().String())
	assert.Equal(t, "10s", cfg.StopTimeout().String())
	assert.Equal(t, "10s", cfg.ShutdownTimeout().String())
	assert.Equal(t, cfg.Logging.Level, cfg.LogConfig().Level)
}
