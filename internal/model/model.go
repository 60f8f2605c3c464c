// Package model evaluates the llama2 decoder-only transformer one token at a
// time over a preallocated key/value cache.
package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/llama2/internal/checkpoint"
	"github.com/samcharles93/llama2/internal/tensor"
)

type layer struct {
	rmsAtt []float32
	rmsFFN []float32

	wq, wk, wv, wo tensor.Mat
	w1, w2, w3     tensor.Mat // gate, down, up
}

// RunState holds the activation buffers for one forward pass. It is sized
// once from the config and overwritten on every call.
type RunState struct {
	X      []float32 // (dim) residual stream
	XB     []float32 // (dim) normed input / attention output
	XB2    []float32 // (dim) projection output
	HB     []float32 // (hidden) gate
	HB2    []float32 // (hidden) up
	Q      []float32 // (dim)
	Att    []float32 // (n_heads, seq_len)
	Logits []float32 // (vocab)
}

// kvCache is a fixed arena of (layer, pos, kvDim) keys and values.
type kvCache struct {
	key, value []float32
	seqLen     int
	kvDim      int
}

func (c *kvCache) layerKeys(l int) []float32 {
	n := c.seqLen * c.kvDim
	return c.key[l*n : (l+1)*n]
}

func (c *kvCache) layerValues(l int) []float32 {
	n := c.seqLen * c.kvDim
	return c.value[l*n : (l+1)*n]
}

// Transformer owns the run state and cache for a single sequence. Weights
// are read-only views into a checkpoint that may be shared by several
// transformers. A Transformer is not safe for concurrent use.
type Transformer struct {
	cfg   checkpoint.Config
	ckpt  *checkpoint.File
	owned bool

	embedding  tensor.Mat
	layers     []layer
	rmsFinal   []float32
	classifier tensor.Mat
	invFreq    []float64

	state   RunState
	cache   kvCache
	attn    *attnPool
	attnCtx attnContext
	closed  bool
}

// Load opens the checkpoint at path and builds a transformer that owns it.
func Load(path string) (*Transformer, error) {
	ckpt, err := checkpoint.Open(path)
	if err != nil {
		return nil, err
	}
	t := New(ckpt)
	t.owned = true
	return t, nil
}

// New builds a transformer over an opened checkpoint. The checkpoint is
// borrowed: it must outlive the transformer and is not closed by Close.
func New(ckpt *checkpoint.File) *Transformer {
	cfg := ckpt.Config
	w := ckpt.Weights
	headSize := cfg.HeadSize()
	kvDim := cfg.KVDim()

	t := &Transformer{
		cfg:        cfg,
		ckpt:       ckpt,
		embedding:  tensor.View(cfg.VocabSize, cfg.Dim, w.TokenEmbedding),
		layers:     make([]layer, cfg.NumLayers),
		rmsFinal:   w.RMSFinal,
		classifier: tensor.View(cfg.VocabSize, cfg.Dim, w.Classifier),
		invFreq:    tensor.RoPEFrequencies(headSize, tensor.RoPETheta),
	}

	d, h := cfg.Dim, cfg.HiddenDim
	for l := range t.layers {
		t.layers[l] = layer{
			rmsAtt: w.RMSAtt[l*d : (l+1)*d],
			rmsFFN: w.RMSFFN[l*d : (l+1)*d],
			wq:     matAt(w.WQ, l, d, d),
			wk:     matAt(w.WK, l, kvDim, d),
			wv:     matAt(w.WV, l, kvDim, d),
			wo:     matAt(w.WO, l, d, d),
			w1:     matAt(w.W1, l, h, d),
			w2:     matAt(w.W2, l, d, h),
			w3:     matAt(w.W3, l, h, d),
		}
	}

	t.state = RunState{
		X:      make([]float32, d),
		XB:     make([]float32, d),
		XB2:    make([]float32, d),
		HB:     make([]float32, h),
		HB2:    make([]float32, h),
		Q:      make([]float32, d),
		Att:    make([]float32, cfg.NumHeads*cfg.SeqLen),
		Logits: make([]float32, cfg.VocabSize),
	}
	t.cache = kvCache{
		key:    make([]float32, cfg.NumLayers*cfg.SeqLen*kvDim),
		value:  make([]float32, cfg.NumLayers*cfg.SeqLen*kvDim),
		seqLen: cfg.SeqLen,
		kvDim:  kvDim,
	}
	t.attn = newAttnPool(attnWorkersFor(cfg.NumHeads))
	t.attnCtx = attnContext{
		q:        t.state.Q,
		att:      t.state.Att,
		out:      t.state.XB,
		maxCtx:   cfg.SeqLen,
		kvStride: kvDim,
		headDim:  headSize,
		nHead:    cfg.NumHeads,
		kvMul:    cfg.KVMul(),
		scale:    float32(1 / math.Sqrt(float64(headSize))),
	}
	return t
}

// matAt returns the l-th (rows, cols) matrix of a layer-major tensor.
func matAt(data []float32, l, rows, cols int) tensor.Mat {
	n := rows * cols
	return tensor.View(rows, cols, data[l*n:(l+1)*n])
}

func (t *Transformer) Config() checkpoint.Config { return t.cfg }

// State exposes the activation buffers, mainly for inspection in tests.
func (t *Transformer) State() *RunState { return &t.state }

// Forward runs the network for token at position pos and returns the
// logits for the next token. The returned slice is owned by the transformer
// and overwritten by the next call.
//
// pos must equal the number of earlier Forward calls for the current
// sequence (0, 1, 2, ...) and stay below SeqLen; starting again at 0 begins a
// new sequence. Out-of-order positions are not detected and produce
// meaningless logits. token must be in [0, VocabSize).
func (t *Transformer) Forward(token, pos int) []float32 {
	cfg := t.cfg
	s := &t.state
	kvDim := t.cache.kvDim
	headSize := cfg.HeadSize()

	x := s.X
	copy(x, t.embedding.Row(token))

	for l := range t.layers {
		ly := &t.layers[l]

		// attention rmsnorm
		tensor.RMSNorm(s.XB, x, ly.rmsAtt, tensor.RMSNormEps)

		// q, k, v; k and v go straight into this position's cache slot
		keys := t.cache.layerKeys(l)
		values := t.cache.layerValues(l)
		k := keys[pos*kvDim : (pos+1)*kvDim]
		v := values[pos*kvDim : (pos+1)*kvDim]
		tensor.MatVec(s.Q, &ly.wq, s.XB)
		tensor.MatVec(k, &ly.wk, s.XB)
		tensor.MatVec(v, &ly.wv, s.XB)

		tensor.ApplyRoPE(s.Q, cfg.NumHeads, headSize, pos, t.invFreq)
		tensor.ApplyRoPE(k, cfg.NumKVHeads, headSize, pos, t.invFreq)

		t.attnCtx.cacheK = keys
		t.attnCtx.cacheV = values
		t.attnCtx.pos = pos
		t.attn.run(&t.attnCtx)

		tensor.MatVec(s.XB2, &ly.wo, s.XB)
		tensor.Add(x, s.XB2)

		// ffn rmsnorm, then w2(silu(w1(x)) * w3(x))
		tensor.RMSNorm(s.XB, x, ly.rmsFFN, tensor.RMSNormEps)
		tensor.MatVec(s.HB, &ly.w1, s.XB)
		tensor.MatVec(s.HB2, &ly.w3, s.XB)
		tensor.SwiGLU(s.HB, s.HB2)
		tensor.MatVec(s.XB, &ly.w2, s.HB)
		tensor.Add(x, s.XB)
	}

	tensor.RMSNorm(x, x, t.rmsFinal, tensor.RMSNormEps)
	tensor.MatVec(s.Logits, &t.classifier, x)
	return s.Logits
}

// Close stops the attention workers and releases the buffers. The
// checkpoint is closed only when the transformer was created by Load.
func (t *Transformer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.attn.close()
	t.state = RunState{}
	t.cache = kvCache{}
	t.attnCtx = attnContext{}
	t.layers = nil

	if t.owned && t.ckpt != nil {
		if err := t.ckpt.Close(); err != nil {
			return fmt.Errorf("close checkpoint: %w", err)
		}
	}
	return nil
}
