// Package config loads scribe's settings: a TOML file under the platform
// config directory, with SCRIBE_* environment variables overriding it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the backend connection block of the settings file.
type ServerConfig struct {
	BaseURL  string `toml:"base_url"`
	APIToken string `toml:"api_token,omitempty"`
}

// FileConfig is the on-disk shape of settings.toml.
type FileConfig struct {
	Server        ServerConfig `toml:"server"`
	DataDirectory string       `toml:"data_directory"`
	DefaultModel  string       `toml:"default_model,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	BaseURL       string
	APIToken      string
	DataDirectory string
	DefaultModel  string
}

// DataDir returns the expanded data directory path.
func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCRIBE_SERVER_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("SCRIBE_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("SCRIBE_DATA_DIR"); v != "" {
		c.DataDirectory = v
	}
	if v := os.Getenv("SCRIBE_MODEL"); v != "" {
		c.DefaultModel = v
	}
}

// Load reads settings.toml when present, applies env overrides, and ensures
// the data directory exists.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:       "http://localhost:8000",
		DataDirectory: GetDefaultDataDir(),
	}

	settingsPath := GetSettingsFilePath()
	if FileExists(settingsPath) {
		var fc FileConfig
		if _, err := toml.DecodeFile(settingsPath, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", settingsPath, err)
		}
		if fc.Server.BaseURL != "" {
			cfg.BaseURL = fc.Server.BaseURL
		}
		cfg.APIToken = fc.Server.APIToken
		if fc.DataDirectory != "" {
			cfg.DataDirectory = fc.DataDirectory
		}
		cfg.DefaultModel = fc.DefaultModel
	}

	cfg.applyEnvOverrides()

	// 0700: conversation history is private to the user.
	if err := os.MkdirAll(cfg.DataDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// Save writes the current configuration back to settings.toml.
func (c *Config) Save() error {
	settingsPath := GetSettingsFilePath()
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fc := FileConfig{
		Server: ServerConfig{
			BaseURL:  c.BaseURL,
			APIToken: c.APIToken,
		},
		DataDirectory: c.DataDirectory,
		DefaultModel:  c.DefaultModel,
	}

	f, err := os.OpenFile(settingsPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// GenerateConfigTemplate returns a commented settings.toml for first runs.
func GenerateConfigTemplate() string {
	return `# scribe configuration
# Location: ~/.config/scribe/settings.toml
# This file uses TOML format: https://toml.io

[server]
# Research-assistant backend URL
base_url = "http://localhost:8000"

# API token, if the backend requires one (can also be set via SCRIBE_API_TOKEN)
api_token = ""

# Directory where the local conversation cache and logs are stored
data_directory = "~/.local/share/scribe"

# Preferred provider/model tag for new conversations (optional)
default_model = ""
`
}
