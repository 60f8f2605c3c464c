package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/tokenizer"
)

type modelReport struct {
	Path   string       `json:"path"`
	Config configReport `json:"config"`

	HeadSize   int   `json:"head_size"`
	KVDim      int   `json:"kv_dim"`
	KVMul      int   `json:"kv_mul"`
	Parameters int64 `json:"parameters"`
	FileSize   int64 `json:"file_size"`
	RoPETables bool  `json:"rope_tables"`
	Mapped     bool  `json:"mapped"`
	// KVCacheBytes is the size of the key and value arenas at full context.
	KVCacheBytes int64 `json:"kv_cache_bytes"`

	Vocab *vocabReport `json:"vocab,omitempty"`
}

type configReport struct {
	Dim              int  `json:"dim"`
	HiddenDim        int  `json:"hidden_dim"`
	NumLayers        int  `json:"n_layers"`
	NumHeads         int  `json:"n_heads"`
	NumKVHeads       int  `json:"n_kv_heads"`
	VocabSize        int  `json:"vocab_size"`
	SeqLen           int  `json:"seq_len"`
	SharedClassifier bool `json:"shared_classifier"`
}

type vocabReport struct {
	Path           string   `json:"path"`
	Size           int      `json:"size"`
	MaxTokenLength int      `json:"max_token_length"`
	ByteFallback   bool     `json:"byte_fallback"`
	Special        []string `json:"special"`
}

func inspectCmd() *cli.Command {
	var (
		mo      modelOptions
		jsonOut bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a checkpoint and its vocabulary",
		ArgsUsage: "[model.bin]",
		Flags: append(modelFlags(&mo),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &jsonOut,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if err := mo.resolve(cmd, configFrom(ctx)); err != nil {
				return err
			}

			ckpt, err := checkpoint.Open(mo.modelPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() { _ = ckpt.Close() }()

			// The vocabulary is optional; a missing default tokenizer.bin only
			// drops that part of the report.
			var tok *tokenizer.Tokenizer
			if mo.tokenizerPath != "" {
				tok, err = tokenizer.Load(mo.tokenizerPath, ckpt.Config.VocabSize)
				if err != nil {
					if cmd.IsSet("tokenizer") {
						return cli.Exit(err.Error(), 1)
					}
					log.Warn("skipping vocabulary", "error", err)
				}
			}

			report := buildReport(ckpt, tok, mo.tokenizerPath)
			out := stdout(cmd)
			if jsonOut {
				b, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				_, err = fmt.Fprintln(out, string(b))
				return err
			}
			printReport(out, report)
			return nil
		},
	}
}

func buildReport(ckpt *checkpoint.File, tok *tokenizer.Tokenizer, tokPath string) modelReport {
	c := ckpt.Config
	r := modelReport{
		Path: ckpt.Path,
		Config: configReport{
			Dim:              c.Dim,
			HiddenDim:        c.HiddenDim,
			NumLayers:        c.NumLayers,
			NumHeads:         c.NumHeads,
			NumKVHeads:       c.NumKVHeads,
			VocabSize:        c.VocabSize,
			SeqLen:           c.SeqLen,
			SharedClassifier: c.SharedClassifier,
		},
		HeadSize:     c.HeadSize(),
		KVDim:        c.KVDim(),
		KVMul:        c.KVMul(),
		Parameters:   checkpoint.NumParams(c),
		FileSize:     int64(len(ckpt.Data)),
		RoPETables:   int64(len(ckpt.Data)) == checkpoint.ExpectedSize(c, true),
		Mapped:       ckpt.Mapped(),
		KVCacheBytes: 2 * int64(c.NumLayers) * int64(c.SeqLen) * int64(c.KVDim()) * 4,
	}
	if tok != nil {
		v := &vocabReport{
			Path:           tokPath,
			Size:           tok.VocabSize(),
			MaxTokenLength: tok.MaxTokenLength(),
			ByteFallback:   tok.ByteFallback(),
		}
		for _, id := range []int{tokenizer.UnknownID, tokenizer.BOSID, tokenizer.EOSID} {
			v.Special = append(v.Special, tok.Piece(id))
		}
		r.Vocab = v
	}
	return r
}

func printReport(w io.Writer, r modelReport) {
	c := r.Config
	p := func(key string, val any) { _, _ = fmt.Fprintf(w, "%-18s %v\n", key+":", val) }

	p("path", r.Path)
	p("dim", c.Dim)
	p("hidden_dim", c.HiddenDim)
	p("n_layers", c.NumLayers)
	p("n_heads", c.NumHeads)
	p("n_kv_heads", c.NumKVHeads)
	p("vocab_size", c.VocabSize)
	p("seq_len", c.SeqLen)
	p("shared_classifier", c.SharedClassifier)
	p("head_size", r.HeadSize)
	p("kv_dim", r.KVDim)
	p("kv_mul", r.KVMul)
	p("parameters", humanCount(r.Parameters))
	p("file_size", humanBytes(r.FileSize))
	p("kv_cache", humanBytes(r.KVCacheBytes))
	p("rope_tables", r.RoPETables)
	p("mapped", r.Mapped)
	if v := r.Vocab; v != nil {
		p("tokenizer", v.Path)
		p("vocab_entries", v.Size)
		p("max_token_length", v.MaxTokenLength)
		p("byte_fallback", v.ByteFallback)
		p("special", strings.Join(v.Special, " "))
	}
}

func humanCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	}
	return fmt.Sprintf("%d", n)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
