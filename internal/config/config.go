package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.murmur/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Backend        Backend `toml:"backend"`
}

// Backend holds connection settings for the hosted backend.
type Backend struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	// SendTimeoutSeconds bounds a single outbox delivery attempt. Zero means
	// the built-in default.
	SendTimeoutSeconds int `toml:"send_timeout_seconds"`
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
