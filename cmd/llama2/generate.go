package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llama2/internal/inference"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/tokenizer"
)

func generateCmd() *cli.Command {
	var (
		mo     modelOptions
		so     sampleOptions
		prompt string
	)

	flags := append(modelFlags(&mo), sampleFlags(&so)...)
	flags = append(flags, &cli.StringFlag{
		Name:        "prompt",
		Aliases:     []string{"i"},
		Usage:       "input prompt",
		Destination: &prompt,
	})

	return &cli.Command{
		Name:      "generate",
		Usage:     "Continue a prompt",
		ArgsUsage: "[model.bin]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if err := mo.resolve(cmd, cfg); err != nil {
				return err
			}
			applySampleConfig(cmd, cfg, &so)
			for _, w := range so.normalize(time.Now()) {
				log.Warn(w)
			}

			sess, err := inference.NewSession(inference.Options{
				ModelPath:      mo.modelPath,
				TokenizerPath:  mo.tokenizerPath,
				SessionOptions: so.session(log, nil),
			})
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() { _ = sess.Close() }()

			out := stdout(cmd)
			stream := sess.Stream(ctx, prompt, int(so.steps))
			for p := range stream.Pieces() {
				_, _ = fmt.Fprint(out, tokenizer.SafePiece(p.Text))
			}
			_, _ = fmt.Fprintln(out)

			if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(err.Error(), 1)
			}
			st := stream.Stats()
			if st.TokensGenerated > 0 {
				_, _ = fmt.Fprintf(stderr(cmd), "achieved tok/s: %f\n", st.TPS)
			}
			log.Debug("generation finished",
				"prompt_tokens", st.PromptTokens,
				"generated", st.TokensGenerated,
				"duration", st.Duration,
				"finish_reason", st.FinishReason,
			)
			return nil
		},
	}
}
