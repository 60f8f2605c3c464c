// Package toy builds a tiny, fully deterministic llama2 checkpoint and
// vocabulary. Under greedy decoding the model walks a fixed cycle through
// its 32 tokens, which makes end-to-end generation easy to predict.
package toy

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/tensor"
	"github.com/samcharles93/llama2/internal/tokenizer"
)

const (
	Dim        = 8
	HiddenDim  = 16
	NumLayers  = 1
	NumHeads   = 2
	NumKVHeads = 1
	VocabSize  = 32
	SeqLen     = 64

	ModelFile = "toy.bin"
	VocabFile = "toy_tokenizer.bin"
)

// Token ids of the toy vocabulary.
const (
	TokUnk   = 0
	TokBOS   = 1
	TokEOS   = 2
	TokSpace = 3
	TokA     = 4  // "A"; "B".."Z" follow at 5..29
	TokSpA   = 30 // " A"
	TokAB    = 31 // "AB"
)

// cycle is the order in which greedy decoding visits tokens:
// <s> " " " A" B C ... Z AB A </s> <unk> and back to <s>.
var cycle = func() []int {
	c := []int{TokBOS, TokSpace, TokSpA}
	for id := TokA + 1; id <= TokA+25; id++ {
		c = append(c, id)
	}
	return append(c, TokAB, TokA, TokEOS, TokUnk)
}()

var rank = func() [VocabSize]int {
	var r [VocabSize]int
	for i, id := range cycle {
		r[id] = i
	}
	return r
}()

// Next returns the token the toy model predicts after id at temperature 0.
func Next(id int) int {
	return cycle[(rank[id]+1)%VocabSize]
}

func prev(id int) int {
	return cycle[(rank[id]+VocabSize-1)%VocabSize]
}

// Config returns the toy hyperparameters. The classifier is not shared, so
// the header carries a negative vocabulary size.
func Config() checkpoint.Config {
	return checkpoint.Config{
		Dim:              Dim,
		HiddenDim:        HiddenDim,
		NumLayers:        NumLayers,
		NumHeads:         NumHeads,
		NumKVHeads:       NumKVHeads,
		VocabSize:        VocabSize,
		SeqLen:           SeqLen,
		SharedClassifier: false,
	}
}

// Weights places every token embedding on the unit circle in the first two
// dimensions, at an angle given by its rank in the cycle. Classifier row j is
// the embedding of j's predecessor, so the largest logit after token t is
// always Next(t). Layer weights are small pseudo-random values that leave
// the residual stream, and therefore the argmax, essentially unchanged.
func Weights() checkpoint.Weights {
	cfg := Config()
	kvDim := cfg.KVDim()
	l := NumLayers

	w := checkpoint.Weights{
		TokenEmbedding: make([]float32, VocabSize*Dim),
		RMSAtt:         ones(l * Dim),
		WQ:             make([]float32, l*Dim*Dim),
		WK:             make([]float32, l*kvDim*Dim),
		WV:             make([]float32, l*kvDim*Dim),
		WO:             make([]float32, l*Dim*Dim),
		RMSFFN:         ones(l * Dim),
		W1:             make([]float32, l*HiddenDim*Dim),
		W2:             make([]float32, l*Dim*HiddenDim),
		W3:             make([]float32, l*HiddenDim*Dim),
		RMSFinal:       ones(Dim),
		Classifier:     make([]float32, VocabSize*Dim),
	}
	for i, x := range [][]float32{w.WQ, w.WK, w.WV, w.WO, w.W1, w.W2, w.W3} {
		tensor.FillRandSlice(x, int64(100+i), 1e-3)
	}

	for id := 0; id < VocabSize; id++ {
		theta := 2 * math.Pi * float64(rank[id]) / VocabSize
		row := w.TokenEmbedding[id*Dim : (id+1)*Dim]
		row[0] = float32(math.Cos(theta))
		row[1] = float32(math.Sin(theta))
	}
	for id := 0; id < VocabSize; id++ {
		p := prev(id)
		copy(w.Classifier[id*Dim:(id+1)*Dim], w.TokenEmbedding[p*Dim:(p+1)*Dim])
	}
	return w
}

func ones(n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = 1
	}
	return x
}

// Vocab returns the toy vocabulary: control tokens, a space, the letters
// A..Z, and the merged pieces " A" and "AB".
func Vocab() tokenizer.Vocab {
	v := tokenizer.Vocab{
		Pieces: make([]string, 0, VocabSize),
		Scores: make([]float32, 0, VocabSize),
	}
	add := func(p string, score float32) {
		v.Pieces = append(v.Pieces, p)
		v.Scores = append(v.Scores, score)
	}
	add("<unk>", 0)
	add("<s>", 0)
	add("</s>", 0)
	add(" ", -1000)
	for c := 'A'; c <= 'Z'; c++ {
		add(string(c), -1000)
	}
	add(" A", -1)
	add("AB", -2)
	return v
}

// WriteCheckpoint writes the toy model in checkpoint format.
func WriteCheckpoint(w io.Writer) error {
	return checkpoint.Write(w, Config(), Weights(), false)
}

// WriteVocab writes the toy vocabulary in tokenizer format.
func WriteVocab(w io.Writer) error {
	return tokenizer.WriteVocab(w, Vocab())
}

// Checkpoint returns the toy model parsed from an in-memory image.
func Checkpoint() (*checkpoint.File, error) {
	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf); err != nil {
		return nil, err
	}
	return checkpoint.Parse(buf.Bytes())
}

// Tokenizer returns a tokenizer over the toy vocabulary.
func Tokenizer() (*tokenizer.Tokenizer, error) {
	return tokenizer.New(Vocab())
}

// WriteFiles writes the model and vocabulary into dir and returns their
// paths.
func WriteFiles(dir string) (modelPath, vocabPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	modelPath = filepath.Join(dir, ModelFile)
	vocabPath = filepath.Join(dir, VocabFile)
	if err := writeFile(modelPath, WriteCheckpoint); err != nil {
		return "", "", fmt.Errorf("write toy model: %w", err)
	}
	if err := writeFile(vocabPath, WriteVocab); err != nil {
		return "", "", fmt.Errorf("write toy vocabulary: %w", err)
	}
	return modelPath, vocabPath, nil
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return write(f)
}
