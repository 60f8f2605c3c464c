package inference

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/logits"
	"github.com/samcharles93/llama2/internal/metrics"
	"github.com/samcharles93/llama2/internal/model"
	"github.com/samcharles93/llama2/internal/tokenizer"
)

// Session ties a model, a tokenizer and a sampler together and runs the
// generation loop over them. A Session holds one KV cache and generates one
// sequence at a time; use one Session per concurrent sequence.
type Session struct {
	model   Forwarder
	tok     Tokenizer
	sampler TokenSampler
	stop    int
	log     logger.Logger
	metrics *metrics.Metrics

	busy   atomic.Bool
	closed atomic.Bool
	// seq counts sequences started at position 0.
	seq uint64
}

// Components are the parts of a Session built elsewhere.
type Components struct {
	Model     Forwarder
	Tokenizer Tokenizer
	Sampler   TokenSampler
	StopToken int
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

// Assemble builds a Session from existing components. Close closes Model
// when it implements io.Closer.
func Assemble(c Components) *Session {
	stop := c.StopToken
	if stop == 0 {
		stop = defaultStopToken
	}
	log := c.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Session{
		model:   c.Model,
		tok:     c.Tokenizer,
		sampler: c.Sampler,
		stop:    stop,
		log:     log,
		metrics: c.Metrics,
	}
}

// NewSession loads the checkpoint and vocabulary named in opts and builds a
// session that owns them.
func NewSession(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if strings.TrimSpace(opts.TokenizerPath) == "" {
		return nil, fmt.Errorf("tokenizer path is required")
	}

	m, err := model.Load(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	cfg := m.Config()
	tok, err := tokenizer.Load(opts.TokenizerPath, cfg.VocabSize)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("load tokenizer: %w", err), m.Close())
	}

	opts.Metrics.SetModelParameters(checkpoint.NumParams(cfg))
	return newSession(m, tok, opts.SessionOptions), nil
}

func newSession(m *model.Transformer, tok *tokenizer.Tokenizer, opts SessionOptions) *Session {
	cfg := m.Config()
	s := Assemble(Components{
		Model:     m,
		Tokenizer: tok,
		Sampler: logits.NewSampler(logits.SamplerConfig{
			VocabSize:   cfg.VocabSize,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			Seed:        opts.Seed,
		}),
		StopToken: opts.StopToken,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	s.log.Debug("session ready",
		"dim", cfg.Dim,
		"layers", cfg.NumLayers,
		"heads", cfg.NumHeads,
		"kv_heads", cfg.NumKVHeads,
		"vocab", cfg.VocabSize,
		"seq_len", cfg.SeqLen,
		"temperature", opts.Temperature,
		"top_p", opts.TopP,
	)
	return s
}

// Config returns the model hyperparameters.
func (s *Session) Config() checkpoint.Config { return s.model.Config() }

// Tokenizer returns the session's tokenizer.
func (s *Session) Tokenizer() Tokenizer { return s.tok }

// Close releases the model. It is safe to call more than once.
func (s *Session) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := s.model.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close model: %w", err)
		}
	}
	return nil
}

func (s *Session) acquire() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (s *Session) release() { s.busy.Store(false) }
