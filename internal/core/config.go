package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/switchyard/internal/telemetry"
	"github.com/3cpo-dev/switchyard/internal/transport"
	"github.com/3cpo-dev/switchyard/pkg/api"
)

// TokenEnv overrides transport.token, from the environment or secrets.env.
const TokenEnv = "SWITCHYARD_TOKEN"

// HealthConfig controls the monitor loop.
type HealthConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// RoutingConfig selects the routing strategy by name.
type RoutingConfig struct {
	Strategy string `yaml:"strategy"`
}

// DeployConfig bounds deployment fan-out.
type DeployConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// StoreConfig locates the sqlite system store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Config is the switchyard configuration file.
type Config struct {
	Transport transport.Options  `yaml:"transport"`
	Health    HealthConfig       `yaml:"health"`
	Routing   RoutingConfig      `yaml:"routing"`
	Deploy    DeployConfig       `yaml:"deploy"`
	Store     StoreConfig        `yaml:"store"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Systems   []api.SystemConfig `yaml:"systems"`
}

// DefaultConfig returns the settings used when no file exists.
func DefaultConfig() Config {
	return Config{
		Transport: transport.Options{Timeout: transport.DefaultTimeout},
		Health:    HealthConfig{Interval: DefaultHealthInterval},
		Routing:   RoutingConfig{Strategy: RoundRobin.String()},
		Store:     StoreConfig{Path: filepath.Join(configDir(), "switchyard.db")},
		Telemetry: telemetry.Config{MonitoringAddr: "127.0.0.1:9090"},
	}
}

// Validate checks settings that would otherwise fail later at runtime.
func (c Config) Validate() error {
	if _, err := ParseStrategy(c.Routing.Strategy); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("health: interval cannot be negative")
	}
	if c.Health.MaxConcurrency < 0 || c.Deploy.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative")
	}
	seen := map[string]bool{}
	for i, s := range c.Systems {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("systems[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("systems[%d]: %w: %s", i, ErrDuplicateSystem, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ManagerOptions derives the manager options from the config.
func (c Config) ManagerOptions() (Options, error) {
	strategy, err := ParseStrategy(c.Routing.Strategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Strategy:          strategy,
		ProbeConcurrency:  c.Health.MaxConcurrency,
		DeployConcurrency: c.Deploy.MaxConcurrency,
	}, nil
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "switchyard")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/switchyard/config.yaml or
// ~/.config/switchyard/config.yaml, and a missing default file yields
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Tokens may live in secrets.env instead of the YAML.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv(TokenEnv); v != "" {
		secrets[TokenEnv] = v
	}
	if t := secrets[TokenEnv]; t != "" {
		cfg.Transport.Token = t
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
