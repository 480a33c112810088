// Package config loads the server configuration from a YAML file, with
// sensible defaults for running without one.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "firestore" or "postgres".
	Backend string `yaml:"backend"`
	// FirestoreProject is the GCP project for the firestore backend.
	FirestoreProject string `yaml:"firestore_project"`
	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string `yaml:"postgres_url"`
	// WriteBehind wraps the backend in an in-memory cache that flushes
	// dirty documents in the background.
	WriteBehind   bool          `yaml:"write_behind"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuthConfig parameterizes token issuing and verification.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Config is the server configuration.
type Config struct {
	Addr  string      `yaml:"addr"`
	Auth  AuthConfig  `yaml:"auth"`
	Store StoreConfig `yaml:"store"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr: ":8080",
		Auth: AuthConfig{
			Secret:   "dev-secret-change-me",
			TokenTTL: 24 * time.Hour,
		},
		Store: StoreConfig{
			Backend:       "memory",
			FlushInterval: 5 * time.Second,
		},
	}
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("firestore backend requires firestore_project")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres backend requires postgres_url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret must not be empty")
	}
	return nil
}
