package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llama2/internal/inference"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/tokenizer"
)

func chatCmd() *cli.Command {
	var (
		mo     modelOptions
		so     sampleOptions
		prompt string
		system string
	)

	flags := append(modelFlags(&mo), sampleFlags(&so)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"i"},
			Usage:       "first user message",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"y"},
			Usage:       "system prompt",
			Destination: &system,
		},
	)

	return &cli.Command{
		Name:      "chat",
		Usage:     "Chat with a Llama-2 chat checkpoint",
		ArgsUsage: "[model.bin]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if err := mo.resolve(cmd, cfg); err != nil {
				return err
			}
			applySampleConfig(cmd, cfg, &so)
			if cfg.System != "" && !cmd.IsSet("system") {
				system = cfg.System
			}
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
			in := newLineReader(stdin(cmd), out)
			if system == "" && in.tty {
				system, err = in.ReadLine("Enter system prompt (optional): ")
				if err != nil {
					return nil
				}
			}
			return runChat(ctx, sess.Chat(system, int(so.steps)), in, out, prompt, log)
		},
	}
}

// runChat alternates between reading a user line and streaming the reply
// until input ends or the context window is full.
func runChat(ctx context.Context, chat *inference.Chat, in *lineReader, out io.Writer, first string, log logger.Logger) error {
	for {
		user := first
		first = ""
		if user == "" {
			line, err := in.ReadLine("User: ")
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, errInterrupted):
				return nil
			case err != nil:
				return cli.Exit(err.Error(), 1)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			user = line
		}

		_, _ = fmt.Fprint(out, "Assistant: ")
		_, err := chat.Send(ctx, user, func(piece string) {
			_, _ = fmt.Fprint(out, tokenizer.SafePiece(piece))
		})
		_, _ = fmt.Fprintln(out)

		switch {
		case err == nil:
		case errors.Is(err, inference.ErrContextFull):
			log.Info("context window is full, ending chat", "positions", chat.Pos())
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return cli.Exit(err.Error(), 1)
		}
	}
}
