package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/llama2/internal/metrics"
)

const eosToken = 2

// RenderChatTurn formats one user turn with the Llama-2 chat template. The
// system prompt is only included when it is non-empty.
func RenderChatTurn(system, user string) string {
	if system != "" {
		return fmt.Sprintf("[INST] <<SYS>>\n%s\n<</SYS>>\n\n%s [/INST]", system, user)
	}
	return fmt.Sprintf("[INST] %s [/INST]", user)
}

// Chat is a multi-turn conversation on a Session. Turns share the session's
// KV cache, so positions carry over from one turn to the next until the step
// budget is spent. The assistant's turn ends when it samples EOS.
type Chat struct {
	s      *Session
	system string
	limit  int

	seq     uint64
	pos     int
	turns   int
	pending bool // EOS sampled last turn, not yet fed to the model
}

// Chat starts a conversation. steps bounds the total number of positions
// across all turns; steps <= 0 or beyond the context length means the
// context length.
func (s *Session) Chat(system string, steps int) *Chat {
	seqLen := s.model.Config().SeqLen
	if steps <= 0 || steps > seqLen {
		steps = seqLen
	}
	return &Chat{s: s, system: system, limit: steps}
}

// Pos is the number of positions consumed so far.
func (c *Chat) Pos() int { return c.pos }

// Remaining is the number of positions left in the budget.
func (c *Chat) Remaining() int { return c.limit - c.pos }

// Send runs one user turn and streams the assistant's reply to onPiece. It
// returns the number of pieces emitted. When the budget runs out mid-reply
// the pieces produced so far have been delivered and ErrContextFull is
// returned; every later Send fails the same way.
func (c *Chat) Send(ctx context.Context, user string, onPiece func(string)) (n int, err error) {
	s := c.s
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()

	if c.turns == 0 {
		s.seq++
		c.seq = s.seq
	} else if c.seq != s.seq {
		return 0, ErrChatReset
	}
	if c.pos >= c.limit {
		return 0, ErrContextFull
	}

	system := ""
	if c.turns == 0 {
		system = c.system
	}
	c.turns++

	prompt, err := safeEncode(s.tok, RenderChatTurn(system, user))
	if err != nil {
		return 0, fmt.Errorf("encode turn: %w", err)
	}
	if c.pending {
		prompt = append([]int{eosToken}, prompt...)
		c.pending = false
	}
	s.metrics.AddPromptTokens(len(prompt))

	done := s.metrics.SessionStarted()
	start := time.Now()
	reason := metrics.OutcomeLength
	defer func() {
		switch {
		case err == nil, errors.Is(err, ErrContextFull):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			reason = metrics.OutcomeCanceled
		default:
			reason = metrics.OutcomeError
		}
		done(reason, time.Since(start))
	}()

	token := prompt[0]
	fed := 1
	for {
		if c.pos >= c.limit {
			return n, ErrContextFull
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}

		t0 := time.Now()
		logits, err := safeForward(s.model, token, c.pos)
		s.metrics.ObserveForward(time.Since(t0))
		if err != nil {
			return n, err
		}
		c.pos++

		if fed < len(prompt) {
			token = prompt[fed]
			fed++
			continue
		}

		next, err := safeSample(s.sampler, logits)
		if err != nil {
			return n, err
		}
		s.metrics.IncTokens()
		if next == eosToken {
			c.pending = true
			reason = metrics.OutcomeStop
			return n, nil
		}
		if onPiece != nil {
			onPiece(s.tok.Decode(token, next))
		}
		n++
		token = next
	}
}
