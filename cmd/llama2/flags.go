package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llama2/internal/inference"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/metrics"
)

// rootOptions hold the global flags.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// modelOptions are the flags shared by every command that loads a model.
type modelOptions struct {
	modelPath     string
	tokenizerPath string
}

// sampleOptions mirror the sampling flags of llama2.c.
type sampleOptions struct {
	temperature float64
	topP        float64
	seed        uint64
	steps       int64
}

func rootFlags(o *rootOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to the YAML config file",
			Value:       configPath(),
			Sources:     cli.EnvVars(envConfigPath),
			Destination: &o.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &o.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &o.logFormat,
		},
	}
}

func modelFlags(o *modelOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the model checkpoint (may also be given as the first argument)",
			Destination: &o.modelPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Aliases:     []string{"z"},
			Usage:       "path to the tokenizer vocabulary",
			Value:       "tokenizer.bin",
			Destination: &o.tokenizerPath,
		},
	}
}

func sampleFlags(o *sampleOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"t", "temp"},
			Usage:       "sampling temperature; 0 selects greedy decoding",
			Value:       1.0,
			Destination: &o.temperature,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"p", "topp"},
			Usage:       "nucleus sampling threshold in [0, 1]; 1 disables it",
			Value:       0.9,
			Destination: &o.topP,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Aliases:     []string{"s"},
			Usage:       "random seed (0 derives one from the clock)",
			Destination: &o.seed,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of positions to run, prompt included (0 = context length)",
			Value:       256,
			Destination: &o.steps,
		},
	}
}

// normalize clamps out-of-range values the way llama2.c does and fills
// in a clock-derived seed.
func (o *sampleOptions) normalize(now time.Time) []string {
	var warnings []string
	if o.temperature < 0 {
		o.temperature = 0
		warnings = append(warnings, "negative temperature, using 0")
	}
	if o.topP < 0 || o.topP > 1 {
		o.topP = 0.9
		warnings = append(warnings, "top-p outside [0, 1], using 0.9")
	}
	if o.steps < 0 {
		o.steps = 0
	}
	if o.seed == 0 {
		o.seed = uint64(now.UnixNano())
		if o.seed == 0 {
			o.seed = 1
		}
	}
	return warnings
}

func (o *sampleOptions) session(log logger.Logger, m *metrics.Metrics) inference.SessionOptions {
	return inference.SessionOptions{
		Temperature: float32(o.temperature),
		TopP:        float32(o.topP),
		Seed:        o.seed,
		Logger:      log,
		Metrics:     m,
	}
}

// resolve fills the model path from the first positional argument or the
// config file. An explicit -m wins over both.
func (o *modelOptions) resolve(cmd *cli.Command, cfg Config) error {
	applyModelConfig(cmd, cfg, o)
	if !cmd.IsSet("model") && cmd.Args().Present() {
		o.modelPath = cmd.Args().First()
	}
	if o.modelPath == "" {
		return cli.Exit("a model checkpoint is required (-m or first argument)", 2)
	}
	return nil
}
