package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the size in bytes of the config header: seven little-endian
// int32 values.
const HeaderSize = 7 * 4

// Config holds the model hyperparameters stored in the checkpoint header.
type Config struct {
	Dim        int // transformer dimension
	HiddenDim  int // for FFN layers
	NumLayers  int
	NumHeads   int // number of query heads
	NumKVHeads int // number of key/value heads (can be < query heads because of multiquery)
	VocabSize  int // always the absolute value of the header field
	SeqLen     int // max sequence length

	// SharedClassifier is true when the classifier reuses the token
	// embedding table. A negative vocab size in the header clears it.
	SharedClassifier bool
}

func (c Config) HeadSize() int { return c.Dim / c.NumHeads }

func (c Config) KVDim() int { return (c.Dim * c.NumKVHeads) / c.NumHeads }

// KVMul is the number of query heads that share one key/value head.
func (c Config) KVMul() int { return c.NumHeads / c.NumKVHeads }

// Validate checks the structural invariants the forward pass relies on.
func (c Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("%w: dim %d", ErrInvalidConfig, c.Dim)
	case c.HiddenDim <= 0:
		return fmt.Errorf("%w: hidden_dim %d", ErrInvalidConfig, c.HiddenDim)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: n_layers %d", ErrInvalidConfig, c.NumLayers)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: n_heads %d", ErrInvalidConfig, c.NumHeads)
	case c.NumKVHeads <= 0 || c.NumKVHeads > c.NumHeads:
		return fmt.Errorf("%w: n_kv_heads %d (n_heads %d)", ErrInvalidConfig, c.NumKVHeads, c.NumHeads)
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size %d", ErrInvalidConfig, c.VocabSize)
	case c.SeqLen <= 0:
		return fmt.Errorf("%w: seq_len %d", ErrInvalidConfig, c.SeqLen)
	case c.Dim%c.NumHeads != 0:
		return fmt.Errorf("%w: dim %d not divisible by n_heads %d", ErrInvalidConfig, c.Dim, c.NumHeads)
	case c.HeadSize()%2 != 0:
		return fmt.Errorf("%w: head size %d must be even for RoPE", ErrInvalidConfig, c.HeadSize())
	case c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("%w: n_heads %d not divisible by n_kv_heads %d", ErrInvalidConfig, c.NumHeads, c.NumKVHeads)
	}
	return nil
}

type rawHeader struct {
	Dim        int32
	HiddenDim  int32
	NumLayers  int32
	NumHeads   int32
	NumKVHeads int32
	VocabSize  int32
	SeqLen     int32
}

// ReadConfig decodes the checkpoint header from r. It does not validate the
// resulting config.
func ReadConfig(r io.Reader) (Config, error) {
	var h rawHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Config{}, fmt.Errorf("%w: read header: %v", ErrTruncated, err)
	}
	cfg := Config{
		Dim:              int(h.Dim),
		HiddenDim:        int(h.HiddenDim),
		NumLayers:        int(h.NumLayers),
		NumHeads:         int(h.NumHeads),
		NumKVHeads:       int(h.NumKVHeads),
		VocabSize:        int(h.VocabSize),
		SeqLen:           int(h.SeqLen),
		SharedClassifier: true,
	}
	if cfg.VocabSize < 0 {
		cfg.VocabSize = -cfg.VocabSize
		cfg.SharedClassifier = false
	}
	return cfg, nil
}

func writeConfig(w io.Writer, c Config) error {
	vocab := int32(c.VocabSize)
	if !c.SharedClassifier {
		vocab = -vocab
	}
	h := rawHeader{
		Dim:        int32(c.Dim),
		HiddenDim:  int32(c.HiddenDim),
		NumLayers:  int32(c.NumLayers),
		NumHeads:   int32(c.NumHeads),
		NumKVHeads: int32(c.NumKVHeads),
		VocabSize:  vocab,
		SeqLen:     int32(c.SeqLen),
	}
	return binary.Write(w, binary.LittleEndian, &h)
}
