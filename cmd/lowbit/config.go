package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lowbit configuration file (~/.config/lowbit/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Engine defaults
	Threshold *float64 `yaml:"threshold"`
	Workers   *int64   `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lowbit", "config.yaml")
}

// applyEngineConfig applies config file defaults to the shared engine and
// logging variables when the corresponding CLI flag was not explicitly set.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.Threshold != nil && !c.IsSet("threshold") && !c.IsSet("t") {
		threshold = *cfg.Threshold
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyEngineConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
