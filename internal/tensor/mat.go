package tensor

import "math/rand"

// Mat is a dense row-major float32 matrix with R rows of C values each.
// Checkpoint weights are never copied into a Mat; View wraps the mapped
// slice so every Transformer built from one checkpoint reads the same
// memory.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zeroed r×c matrix.
func NewMat(r, c int) Mat {
	return View(r, c, make([]float32, r*c))
}

// View wraps data, which must hold exactly r*c values, as an r×c matrix.
func View(r, c int, data []float32) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	if len(data) != r*c {
		panic("tensor: matrix data length mismatch")
	}
	return Mat{R: r, C: c, Data: data}
}

// Row aliases row i. For the token embedding table this is the embedding
// of token i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

// FillRand fills m with small reproducible values around zero.
func FillRand(m *Mat, seed int64) {
	FillRandSlice(m.Data, seed, 0.02)
}

// FillRandSlice fills x with values drawn uniformly from (-scale/2, scale/2).
// The same seed always yields the same values.
func FillRandSlice(x []float32, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range x {
		x[i] = (rng.Float32() - 0.5) * scale
	}
}
