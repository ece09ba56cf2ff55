// Package config loads the weir YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", n.Kind)
	}
	parsed, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete weir configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Store      StoreConfig      `yaml:"store"`
	API        APIConfig        `yaml:"api"`
	Generators GeneratorsConfig `yaml:"generators"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name          string   `yaml:"name"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// StoreConfig defines where the frame log and CAS live.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// GeneratorsConfig defines restart policy and teardown knobs shared by all
// generators.
type GeneratorsConfig struct {
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
	MinUptime   Duration `yaml:"min_uptime"`
	StopGrace   Duration `yaml:"stop_grace"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "weir",
			LogLevel:      "INFO",
			LogFormat:     "text",
			ShutdownGrace: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Path: "./weir-data",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
		Generators: GeneratorsConfig{
			BackoffBase: Duration(500 * time.Millisecond),
			BackoffMax:  Duration(30 * time.Second),
			MinUptime:   Duration(10 * time.Second),
			StopGrace:   Duration(5 * time.Second),
		},
	}
}

// Load reads and parses configuration from a file. An empty path yields
// pure defaults. ${ENV_VAR} references in the file are expanded before
// parsing.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", configPath, err)
	}
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", configPath, err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Service.ShutdownGrace <= 0 {
		cfg.Service.ShutdownGrace = def.Service.ShutdownGrace
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Generators.BackoffBase <= 0 {
		cfg.Generators.BackoffBase = def.Generators.BackoffBase
	}
	if cfg.Generators.BackoffMax <= 0 {
		cfg.Generators.BackoffMax = def.Generators.BackoffMax
	}
	if cfg.Generators.MinUptime <= 0 {
		cfg.Generators.MinUptime = def.Generators.MinUptime
	}
	if cfg.Generators.StopGrace <= 0 {
		cfg.Generators.StopGrace = def.Generators.StopGrace
	}
}

func validate(cfg *Config) error {
	if cfg.Generators.BackoffBase > cfg.Generators.BackoffMax {
		return fmt.Errorf(
			"generators.backoff_base (%v) exceeds generators.backoff_max (%v)",
			cfg.Generators.BackoffBase, cfg.Generators.BackoffMax,
		)
	}
	return nil
}
