package inference

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/samcharles93/llama2/internal/metrics"
)

// Stream is one generation. Nothing runs until Pieces is ranged over.
type Stream struct {
	s      *Session
	ctx    context.Context
	prompt string
	steps  int

	started atomic.Bool
	phase   atomic.Int32
	err     error
	stats   Stats
}

// Stream prepares a generation of at most steps positions, prompt included.
// steps <= 0 or beyond the model's context length means the context length.
func (s *Session) Stream(ctx context.Context, prompt string, steps int) *Stream {
	return &Stream{s: s, ctx: ctx, prompt: prompt, steps: steps}
}

// Pieces returns a single-use iterator over the emitted pieces. Ranging over
// it a second time yields nothing. Breaking out of the loop stops generation;
// Err then reports nil.
func (st *Stream) Pieces() iter.Seq[Piece] {
	return func(yield func(Piece) bool) {
		if !st.started.CompareAndSwap(false, true) {
			return
		}
		st.err = st.run(yield)
		st.phase.Store(int32(Stopped))
	}
}

// Err reports why generation stopped early. It is nil after a normal stop
// and after the consumer broke out of the loop.
func (st *Stream) Err() error { return st.err }

// Stats is meaningful once Pieces has finished.
func (st *Stream) Stats() Stats { return st.stats }

func (st *Stream) Phase() Phase { return Phase(st.phase.Load()) }

// Generate runs a whole generation and hands each piece's text to onPiece.
// It returns the number of pieces emitted.
func (s *Session) Generate(ctx context.Context, prompt string, steps int, onPiece func(string)) (int, error) {
	st := s.Stream(ctx, prompt, steps)
	n := 0
	for p := range st.Pieces() {
		n++
		if onPiece != nil {
			onPiece(p.Text)
		}
	}
	return n, st.Err()
}

func (st *Stream) run(yield func(Piece) bool) (err error) {
	s := st.s
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	ctx := st.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		st.stats.FinishReason = metrics.OutcomeCanceled
		return err
	}

	seqLen := s.model.Config().SeqLen
	steps := st.steps
	if steps <= 0 || steps > seqLen {
		steps = seqLen
	}

	tokens, err := safeEncode(s.tok, st.prompt)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	if len(tokens) == 0 {
		return errors.New("encode prompt: no tokens")
	}
	s.seq++

	stats := &st.stats
	stats.PromptTokens = len(tokens)
	s.metrics.AddPromptTokens(len(tokens))
	done := s.metrics.SessionStarted()
	start := time.Now()
	stats.FinishReason = metrics.OutcomeLength
	defer func() {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				stats.FinishReason = metrics.OutcomeCanceled
			} else {
				stats.FinishReason = metrics.OutcomeError
			}
		}
		stats.finish(start)
		done(stats.FinishReason, stats.Duration)
		s.log.Debug("generation finished",
			"prompt_tokens", stats.PromptTokens,
			"generated", stats.TokensGenerated,
			"reason", stats.FinishReason,
			"duration", stats.Duration,
			"tps", stats.TPS,
		)
	}()

	token := tokens[0]
	for pos := 0; pos < steps; {
		if err := ctx.Err(); err != nil {
			return err
		}

		forced := pos < len(tokens)-1
		if forced {
			st.phase.Store(int32(Priming))
		} else {
			st.phase.Store(int32(Sampling))
		}

		t0 := time.Now()
		logits, err := safeForward(s.model, token, pos)
		s.metrics.ObserveForward(time.Since(t0))
		if err != nil {
			return err
		}

		var next int
		if forced {
			next = tokens[pos+1]
		} else {
			next, err = safeSample(s.sampler, logits)
			if err != nil {
				return err
			}
			stats.TokensGenerated++
			s.metrics.IncTokens()
		}
		pos++

		if next == s.stop {
			stats.FinishReason = metrics.OutcomeStop
			return nil
		}
		if !yield(Piece{Text: s.tok.Decode(token, next), Token: next, Prompt: forced}) {
			stats.FinishReason = metrics.OutcomeStop
			return nil
		}
		token = next
	}
	return nil
}
