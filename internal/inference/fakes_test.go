package inference

import (
	"fmt"

	"github.com/samcharles93/llama2/internal/checkpoint"
)

func fakeConfig(seqLen int) checkpoint.Config {
	return checkpoint.Config{
		Dim:        4,
		HiddenDim:  8,
		NumLayers:  1,
		NumHeads:   2,
		NumKVHeads: 1,
		VocabSize:  256,
		SeqLen:     seqLen,
	}
}

// recordingModel remembers every (token, pos) it is asked to evaluate.
type recordingModel struct {
	cfg    checkpoint.Config
	calls  [][2]int
	logits []float32
	closed int
}

func newRecordingModel(seqLen int) *recordingModel {
	cfg := fakeConfig(seqLen)
	return &recordingModel{cfg: cfg, logits: make([]float32, cfg.VocabSize)}
}

func (m *recordingModel) Forward(token, pos int) []float32 {
	m.calls = append(m.calls, [2]int{token, pos})
	return m.logits
}

func (m *recordingModel) Config() checkpoint.Config { return m.cfg }

func (m *recordingModel) Close() error {
	m.closed++
	return nil
}

type panicModel struct{ cfg checkpoint.Config }

func (panicModel) Forward(int, int) []float32 { panic("boom") }

func (m panicModel) Config() checkpoint.Config { return m.cfg }

// scriptedSampler returns its script in order, then fill forever.
type scriptedSampler struct {
	script []int
	fill   int
	calls  int
}

func (s *scriptedSampler) Sample([]float32) int {
	s.calls++
	if len(s.script) == 0 {
		return s.fill
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next
}

type panicSampler struct{}

func (panicSampler) Sample([]float32) int { panic("bad sampler") }

// byteTokenizer maps every byte of the text to its value as a token id, so
// test prompts are easy to reason about. Ids below 32 decode as <id>.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string, bos, eos bool) []int {
	var ids []int
	if bos {
		ids = append(ids, 1)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	if eos {
		ids = append(ids, 2)
	}
	return ids
}

func (byteTokenizer) Decode(_, token int) string {
	if token < 32 {
		return fmt.Sprintf("<%d>", token)
	}
	return string(rune(token))
}

func newFakeSession(m Forwarder, s TokenSampler) *Session {
	return Assemble(Components{Model: m, Tokenizer: byteTokenizer{}, Sampler: s})
}
