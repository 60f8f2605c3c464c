package inference

import (
	"errors"
	"time"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/logger"
	"github.com/samcharles93/llama2/internal/metrics"
)

var (
	// ErrContextFull is returned by Chat.Send once every position of the
	// model's context window has been used.
	ErrContextFull = errors.New("context window is full")
	// ErrBusy is returned when a Session is asked to generate while another
	// generation on it is still running.
	ErrBusy = errors.New("session is already generating")
	// ErrClosed is returned by operations on a closed Session.
	ErrClosed = errors.New("session is closed")
	// ErrChatReset is returned by Chat.Send when the session started a new
	// sequence after the conversation began, discarding its cache.
	ErrChatReset = errors.New("conversation cache was overwritten by another generation")
)

// Forwarder runs one step of the network. The returned logits are owned by
// the implementation and valid until the next call.
type Forwarder interface {
	Forward(token, pos int) []float32
	Config() checkpoint.Config
}

// TokenSampler picks the next token from a logits vector. It may modify the
// slice in place.
type TokenSampler interface {
	Sample(logits []float32) int
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string, bos, eos bool) []int
	Decode(prev, token int) string
}

// Phase is the state of a generation.
type Phase int

const (
	// Priming forces prompt tokens through the model.
	Priming Phase = iota
	// Sampling draws each next token from the sampler.
	Sampling
	// Stopped is terminal: the stop token was produced, the step budget ran
	// out, the context was canceled or an error occurred.
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Priming:
		return "priming"
	case Sampling:
		return "sampling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Piece is one emitted chunk of text: the decoding of Token given the token
// before it. Prompt is set for pieces that echo forced prompt tokens.
type Piece struct {
	Text   string
	Token  int
	Prompt bool
}

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
	// FinishReason is one of the metrics.Outcome* values.
	FinishReason string
}

func (s *Stats) finish(start time.Time) {
	s.Duration = time.Since(start)
	if secs := s.Duration.Seconds(); secs > 0 {
		s.TPS = float64(s.TokensGenerated) / secs
	}
}

// SessionOptions configure sampling and instrumentation for one session.
type SessionOptions struct {
	// Temperature <= 0 selects greedy decoding.
	Temperature float32
	// TopP outside (0, 1) disables nucleus sampling.
	TopP float32
	// Seed initializes the sampler. It must be non-zero for random sampling
	// to be meaningful; callers wanting a fresh seed derive one themselves.
	Seed uint64
	// StopToken ends generation when sampled. Zero means the BOS token (1),
	// which is how llama2 checkpoints mark the end of a document.
	StopToken int

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Options build a Session from files on disk.
type Options struct {
	ModelPath     string
	TokenizerPath string
	SessionOptions
}

const defaultStopToken = 1
