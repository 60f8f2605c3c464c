package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/toy"
)

func toyCmd() *cli.Command {
	var dir string

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a tiny deterministic checkpoint and vocabulary for smoke tests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Value:       ".",
				Destination: &dir,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			modelPath, vocabPath, err := toy.WriteFiles(dir)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			logger.FromContext(ctx).Info("wrote toy model", "model", modelPath, "tokenizer", vocabPath)

			out := stdout(cmd)
			_, _ = fmt.Fprintf(out, "model:     %s\n", modelPath)
			_, _ = fmt.Fprintf(out, "tokenizer: %s\n", vocabPath)
			_, _ = fmt.Fprintf(out, "try:       llama2 generate -m %s -z %s -t 0 -i A\n", modelPath, vocabPath)
			return nil
		},
	}
}
