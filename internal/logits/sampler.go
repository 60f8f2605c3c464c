package logits

import (
	"cmp"
	"slices"

	"github.com/samcharles93/llama2/internal/tensor"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	VocabSize int
	// Temperature <= 0 selects greedy argmax decoding.
	Temperature float32
	// TopP outside (0, 1) disables nucleus truncation.
	TopP float32
	// Seed initialises the PRNG. It is always explicit; 0 is a degenerate
	// xorshift state and yields a constant draw.
	Seed uint64
}

type probIndex struct {
	prob  float32
	index int
}

// Sampler turns a logits vector into a token id. It owns a PRNG and a
// scratch buffer and is therefore not safe for concurrent use.
type Sampler struct {
	cfg       SamplerConfig
	rng       xorshift
	probIndex []probIndex
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	return &Sampler{
		cfg:       cfg,
		rng:       xorshift{state: cfg.Seed},
		probIndex: make([]probIndex, max(cfg.VocabSize, 0)),
	}
}

func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample draws a single index from logits, which is modified in place:
//
//  1. Temperature <= 0 returns the argmax without consuming randomness.
//  2. Otherwise logits are scaled by 1/Temperature and softmaxed, and one
//     uniform value is drawn.
//  3. With TopP outside (0, 1) the index is drawn from the full
//     distribution; otherwise from the smallest descending-probability
//     prefix whose mass reaches TopP.
//
// A distribution that cannot be normalised (NaN, all -Inf) yields 0.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}
	if s.cfg.Temperature <= 0 {
		return argmax(logits)
	}

	inv := 1 / s.cfg.Temperature
	for i := range logits {
		logits[i] *= inv
	}
	ok := tensor.Softmax(logits)
	coin := s.rng.float32()
	if !ok {
		return 0
	}

	if s.cfg.TopP <= 0 || s.cfg.TopP >= 1 {
		return sampleMult(logits, coin)
	}
	return s.sampleTopP(logits, coin)
}

// argmax returns the index of the maximum value; the lowest index wins ties.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// sampleMult samples from a normalised distribution given coin in [0, 1).
func sampleMult(probs []float32, coin float32) int {
	var cdf float32
	for i, p := range probs {
		cdf += p
		if coin < cdf {
			return i
		}
	}
	// rounding
	return len(probs) - 1
}

// sampleTopP performs nucleus sampling over probs given coin in [0, 1).
func (s *Sampler) sampleTopP(probs []float32, coin float32) int {
	if len(probs) == 1 {
		return 0
	}
	cand, mass := s.nucleus(probs)
	if len(cand) == 0 {
		return sampleMult(probs, coin)
	}

	r := coin * mass
	var cdf float32
	for _, c := range cand {
		cdf += c.prob
		if cdf >= r {
			return c.index
		}
	}
	return cand[len(cand)-1].index
}

// nucleus returns the smallest descending-probability prefix whose mass
// reaches TopP, together with that mass. Tokens below (1-TopP)/(n-1) cannot
// be part of the nucleus and are dropped before sorting. The returned slice
// aliases the sampler's scratch buffer.
func (s *Sampler) nucleus(probs []float32) ([]probIndex, float32) {
	n := len(probs)
	if cap(s.probIndex) < n {
		s.probIndex = make([]probIndex, n)
	}
	topP := s.cfg.TopP
	cutoff := (1 - topP) / float32(n-1)

	cand := s.probIndex[:0]
	for i, p := range probs {
		if p >= cutoff {
			cand = append(cand, probIndex{prob: p, index: i})
		}
	}
	slices.SortStableFunc(cand, func(a, b probIndex) int {
		return cmp.Compare(b.prob, a.prob)
	})

	var mass float32
	for i := range cand {
		mass += cand[i].prob
		if mass >= topP {
			return cand[:i+1], mass
		}
	}
	return cand, mass
}
