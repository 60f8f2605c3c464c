package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"
)

// Weights holds the model parameters. Per-layer tensors are stored
// contiguously across layers, layer-major, exactly as they appear on disk.
// All slices are read-only once loaded and may alias a memory-mapped file.
type Weights struct {
	TokenEmbedding []float32 // (vocab, dim)
	RMSAtt         []float32 // (layer, dim)
	WQ             []float32 // (layer, dim, n_heads*head_size)
	WK             []float32 // (layer, n_kv_heads*head_size, dim)
	WV             []float32 // (layer, n_kv_heads*head_size, dim)
	WO             []float32 // (layer, dim, n_heads*head_size)
	RMSFFN         []float32 // (layer, dim)
	W1             []float32 // (layer, hidden_dim, dim) gate
	W2             []float32 // (layer, dim, hidden_dim) down
	W3             []float32 // (layer, hidden_dim, dim) up
	RMSFinal       []float32 // (dim,)
	Classifier     []float32 // (vocab, dim), aliases TokenEmbedding when shared
}

type tensorSpec struct {
	name  string
	count int
	dst   *[]float32
}

// layout lists the tensors in file order. The legacy RoPE tables and the
// classifier are handled by the caller.
func layout(c Config, w *Weights) []tensorSpec {
	l := c.NumLayers
	headSize := c.HeadSize()
	qDim := c.NumHeads * headSize
	kvDim := c.NumKVHeads * headSize
	return []tensorSpec{
		{"token_embedding", c.VocabSize * c.Dim, &w.TokenEmbedding},
		{"rms_att", l * c.Dim, &w.RMSAtt},
		{"wq", l * c.Dim * qDim, &w.WQ},
		{"wk", l * c.Dim * kvDim, &w.WK},
		{"wv", l * c.Dim * kvDim, &w.WV},
		{"wo", l * qDim * c.Dim, &w.WO},
		{"rms_ffn", l * c.Dim, &w.RMSFFN},
		{"w1", l * c.Dim * c.HiddenDim, &w.W1},
		{"w2", l * c.HiddenDim * c.Dim, &w.W2},
		{"w3", l * c.Dim * c.HiddenDim, &w.W3},
		{"rms_final", c.Dim, &w.RMSFinal},
	}
}

// ropeTableFloats is the size of the legacy freq_cis_real + freq_cis_imag
// tables that older exporters wrote after the final norm.
func ropeTableFloats(c Config) int {
	return c.SeqLen * c.HeadSize() / 2 * 2
}

func weightFloats(c Config) int {
	var w Weights
	n := 0
	for _, t := range layout(c, &w) {
		n += t.count
	}
	if !c.SharedClassifier {
		n += c.VocabSize * c.Dim
	}
	return n
}

// ExpectedSize returns the exact file size implied by c, with or without the
// legacy RoPE tables.
func ExpectedSize(c Config, withRoPETables bool) int64 {
	n := int64(weightFloats(c))
	if withRoPETables {
		n += int64(ropeTableFloats(c))
	}
	return HeaderSize + n*4
}

// NumParams returns the number of distinct parameters in a model with config c.
func NumParams(c Config) int64 {
	return int64(weightFloats(c))
}

var hostLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// floatsView reinterprets b as float32 values without copying when the host
// is little-endian and b is suitably aligned; otherwise it decodes a copy.
func floatsView(b []byte) []float32 {
	n := len(b) / 4
	if n == 0 {
		return []float32{}
	}
	if hostLittleEndian && uintptr(unsafe.Pointer(&b[0]))%unsafe.Alignof(float32(0)) == 0 {
		return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// parse decodes the config and weight views from a full checkpoint image.
// name is used only in error messages.
func parse(name string, data []byte) (Config, Weights, error) {
	if len(data) < HeaderSize {
		return Config{}, Weights{}, fmt.Errorf("%w: %s: %d bytes is smaller than the %d byte header",
			ErrTruncated, name, len(data), HeaderSize)
	}
	cfg, err := ReadConfig(bytesReader(data[:HeaderSize]))
	if err != nil {
		return Config{}, Weights{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, Weights{}, fmt.Errorf("%s: %w", name, err)
	}

	size := int64(len(data))
	plain := ExpectedSize(cfg, false)
	padded := ExpectedSize(cfg, true)
	if size != plain && size != padded {
		return Config{}, Weights{}, fmt.Errorf("%w: %s: expected %d bytes (or %d with RoPE tables), got %d",
			ErrSizeMismatch, name, plain, padded, size)
	}
	hasRoPE := size == padded && padded != plain

	var w Weights
	off := HeaderSize
	for _, t := range layout(cfg, &w) {
		end := off + t.count*4
		*t.dst = floatsView(data[off:end])
		off = end
	}
	if hasRoPE {
		off += ropeTableFloats(cfg) * 4
	}
	if cfg.SharedClassifier {
		w.Classifier = w.TokenEmbedding
	} else {
		end := off + cfg.VocabSize*cfg.Dim*4
		w.Classifier = floatsView(data[off:end])
	}
	return cfg, w, nil
}
