package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "LLAMA2_CONFIG"

// Config is the optional file at ~/.config/llama2/config.yaml. Its values
// are defaults: a flag given on the command line always wins. Pointer fields
// distinguish "absent" from zero.
type Config struct {
	Model     string `yaml:"model"`
	Tokenizer string `yaml:"tokenizer"`

	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	Seed        *uint64  `yaml:"seed"`
	Steps       *int64   `yaml:"steps"`

	System string `yaml:"system"`

	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int64 `yaml:"max_concurrent"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "llama2", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// isSet reports whether any of the names was given on the command line.
func isSet(c *cli.Command, names ...string) bool {
	for _, n := range names {
		if c.IsSet(n) {
			return true
		}
	}
	return false
}

func applyLoggingConfig(c *cli.Command, cfg Config, o *rootOptions) {
	if cfg.LogLevel != "" && !isSet(c, "log-level") {
		o.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet(c, "log-format") {
		o.logFormat = cfg.LogFormat
	}
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

func applyModelConfig(c *cli.Command, cfg Config, o *modelOptions) {
	if cfg.Model != "" && !isSet(c, "model") {
		o.modelPath = cfg.Model
	}
	if cfg.Tokenizer != "" && !isSet(c, "tokenizer") {
		o.tokenizerPath = cfg.Tokenizer
	}
}

func applySampleConfig(c *cli.Command, cfg Config, o *sampleOptions) {
	if cfg.Temperature != nil && !isSet(c, "temperature") {
		o.temperature = *cfg.Temperature
	}
	if cfg.TopP != nil && !isSet(c, "top-p") {
		o.topP = *cfg.TopP
	}
	if cfg.Seed != nil && !isSet(c, "seed") {
		o.seed = *cfg.Seed
	}
	if cfg.Steps != nil && !isSet(c, "steps") {
		o.steps = *cfg.Steps
	}
}
