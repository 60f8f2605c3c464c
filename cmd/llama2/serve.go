package main

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llama2/internal/api"
	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/inference"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		mo            modelOptions
		so            sampleOptions
		addr          string
		modelID       string
		maxConcurrent int64
		maxTokens     int64
		readTimeout   time.Duration
	)

	flags := modelFlags(&mo)
	for _, f := range sampleFlags(&so) {
		// Seeds and step counts are per request.
		if n := f.Names()[0]; n == "seed" || n == "steps" {
			continue
		}
		flags = append(flags, f)
	}
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "model-id",
			Usage:       "model name reported by the API (default: checkpoint file name)",
			Destination: &modelID,
		},
		&cli.Int64Flag{
			Name:        "max-concurrent",
			Usage:       "number of requests generating at once",
			Value:       1,
			Destination: &maxConcurrent,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Usage:       "default completion length when a request sets none (0 = fill the context)",
			Value:       256,
			Destination: &maxTokens,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve an OpenAI-style completions API",
		ArgsUsage: "[model.bin]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if err := mo.resolve(cmd, cfg); err != nil {
				return err
			}
			applySampleConfig(cmd, cfg, &so)
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			if cfg.MaxConcurrent != nil && !cmd.IsSet("max-concurrent") {
				maxConcurrent = *cfg.MaxConcurrent
			}
			for _, w := range so.normalize(time.Now()) {
				log.Warn(w)
			}
			if modelID == "" {
				modelID = strings.TrimSuffix(filepath.Base(mo.modelPath), filepath.Ext(mo.modelPath))
			}

			shared, err := inference.Open(mo.modelPath, mo.tokenizerPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() { _ = shared.Close() }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)
			m.SetModelParameters(checkpoint.NumParams(shared.Config()))

			server := api.NewServer(shared, api.Config{
				ModelID:       modelID,
				MaxConcurrent: int(maxConcurrent),
				Defaults: api.Defaults{
					Temperature: float32(so.temperature),
					TopP:        float32(so.topP),
					MaxTokens:   int(maxTokens),
				},
				Logger:   log.With("component", "api"),
				Metrics:  m,
				Gatherer: reg,
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			c := shared.Config()
			log.Info("starting server",
				"address", addr,
				"model", modelID,
				"dim", c.Dim,
				"layers", c.NumLayers,
				"seq_len", c.SeqLen,
				"max_concurrent", maxConcurrent,
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
