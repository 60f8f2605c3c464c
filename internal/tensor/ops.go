package tensor

import (
	"math"
)

// RMSNormEps is the epsilon added to the mean square before the reciprocal
// square root, matching the llama2 checkpoints.
const RMSNormEps = 1e-5

// RoPETheta is the base frequency of the rotary position embedding.
const RoPETheta = 10000.0

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// AXPY computes dst += a*x.
func AXPY(dst []float32, a float32, x []float32) {
	for i := range dst {
		dst[i] += a * x[i]
	}
}

// RMSNorm performs Root Mean Square Normalization. dst and src may alias.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
//
// The maximum is subtracted before exponentiating. It reports false when the
// distribution is degenerate (empty, NaN, or a zero/non-finite sum); x is
// left partially transformed in that case and callers must not sample from it.
func Softmax(x []float32) bool {
	if len(x) == 0 {
		return false
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsNaN(float64(maxv)) || math.IsInf(float64(maxv), 0) {
		return false
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return false
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
	return true
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SwiGLU computes gate[i] = Silu(gate[i]) * up[i] in place.
func SwiGLU(gate, up []float32) {
	if len(up) < len(gate) {
		panic("SwiGLU up too small")
	}
	for i := range gate {
		gate[i] = Silu(gate[i]) * up[i]
	}
}

// RoPEFrequencies returns the inverse frequency for each rotated pair of a
// head: theta^(-2i/headDim).
func RoPEFrequencies(headDim int, theta float64) []float64 {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE applies Rotary Positional Embeddings to x, which holds nHead
// consecutive heads of headDim values. Adjacent pairs (2i, 2i+1) within a
// head are rotated by pos*invFreq[i].
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < headDim/2; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}
