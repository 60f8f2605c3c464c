package inference

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/model"
	"github.com/samcharles93/llama2/internal/tokenizer"
)

// Shared holds the read-only parts of a model: the mapped checkpoint and the
// vocabulary. Any number of Sessions can be built from it and used
// concurrently; each gets its own activations, KV cache and sampler.
type Shared struct {
	Checkpoint *checkpoint.File
	Tokenizer  *tokenizer.Tokenizer

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// Open maps the checkpoint and loads the vocabulary.
func Open(modelPath, tokenizerPath string) (*Shared, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if strings.TrimSpace(tokenizerPath) == "" {
		return nil, fmt.Errorf("tokenizer path is required")
	}

	ckpt, err := checkpoint.Open(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	tok, err := tokenizer.Load(tokenizerPath, ckpt.Config.VocabSize)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("load tokenizer: %w", err), ckpt.Close())
	}
	return NewShared(ckpt, tok), nil
}

// NewShared wraps an opened checkpoint and tokenizer. Close closes ckpt.
func NewShared(ckpt *checkpoint.File, tok *tokenizer.Tokenizer) *Shared {
	return &Shared{
		Checkpoint: ckpt,
		Tokenizer:  tok,
		sessions:   make(map[*Session]struct{}),
	}
}

func (sh *Shared) Config() checkpoint.Config { return sh.Checkpoint.Config }

// NewSession builds a session over the shared weights. Closing the session
// releases its buffers but leaves the checkpoint mapped.
func (sh *Shared) NewSession(opts SessionOptions) (*Session, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return nil, ErrClosed
	}
	s := newSession(model.New(sh.Checkpoint), sh.Tokenizer, opts)
	sh.sessions[s] = struct{}{}
	return s, nil
}

// Release closes s and forgets it.
func (sh *Shared) Release(s *Session) error {
	sh.mu.Lock()
	delete(sh.sessions, s)
	sh.mu.Unlock()
	return s.Close()
}

// Close closes every session still open and then the checkpoint. Sessions
// must not be generating when Close is called.
func (sh *Shared) Close() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return nil
	}
	sh.closed = true

	var errs []error
	for s := range sh.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	sh.sessions = nil
	if err := sh.Checkpoint.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint: %w", err))
	}
	return errors.Join(errs...)
}
