package checkpoint

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func smallConfig(shared bool) Config {
	return Config{
		Dim:              8,
		HiddenDim:        12,
		NumLayers:        2,
		NumHeads:         2,
		NumKVHeads:       1,
		VocabSize:        10,
		SeqLen:           6,
		SharedClassifier: shared,
	}
}

// filledWeights gives every tensor a distinct, position-dependent pattern so
// that offset mistakes show up as value mismatches.
func filledWeights(c Config) Weights {
	var w Weights
	for i, t := range layout(c, &w) {
		x := make([]float32, t.count)
		for j := range x {
			x[j] = float32(i*1000+j) * 0.001
		}
		*t.dst = x
	}
	if c.SharedClassifier {
		w.Classifier = w.TokenEmbedding
	} else {
		w.Classifier = make([]float32, c.VocabSize*c.Dim)
		for j := range w.Classifier {
			w.Classifier[j] = -float32(j)
		}
	}
	return w
}

func encode(t *testing.T, c Config, w Weights, rope bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, c, w, rope); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		shared bool
		rope   bool
	}{
		{"shared", true, false},
		{"shared_rope", true, true},
		{"unshared", false, false},
		{"unshared_rope", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := smallConfig(tt.shared)
			want := filledWeights(cfg)
			data := encode(t, cfg, want, tt.rope)

			if got, exp := int64(len(data)), ExpectedSize(cfg, tt.rope); got != exp {
				t.Fatalf("encoded size %d, expected %d", got, exp)
			}

			f, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if f.Config != cfg {
				t.Fatalf("config mismatch: got %+v want %+v", f.Config, cfg)
			}

			got := f.Weights
			gotSpecs := layout(cfg, &got)
			wantSpecs := layout(cfg, &want)
			for i := range gotSpecs {
				assertFloats(t, gotSpecs[i].name, *gotSpecs[i].dst, *wantSpecs[i].dst)
			}
			assertFloats(t, "classifier", got.Classifier, want.Classifier)
			if tt.shared && &got.Classifier[0] != &got.TokenEmbedding[0] {
				t.Fatalf("shared classifier should alias the embedding table")
			}
		})
	}
}

func TestNegativeVocabMeansUnsharedClassifier(t *testing.T) {
	t.Parallel()

	cfg := smallConfig(false)
	data := encode(t, cfg, filledWeights(cfg), false)
	hdr, err := ReadConfig(bytes.NewReader(data[:HeaderSize]))
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if hdr.SharedClassifier || hdr.VocabSize != cfg.VocabSize {
		t.Fatalf("got vocab=%d shared=%v", hdr.VocabSize, hdr.SharedClassifier)
	}
	// Raw field is stored negated.
	if data[20] != 0xF6 || data[23] != 0xFF {
		t.Fatalf("vocab field not negative: % x", data[20:24])
	}
}

func TestSizeMismatch(t *testing.T) {
	t.Parallel()

	cfg := smallConfig(true)
	data := encode(t, cfg, filledWeights(cfg), false)

	cases := map[string][]byte{
		"short": data[:len(data)-4],
		"long":  append(append([]byte(nil), data...), 0, 0, 0, 0),
	}
	for name, b := range cases {
		_, err := Parse(b)
		if !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("%s: expected ErrSizeMismatch, got %v", name, err)
		}
	}
}

func TestTruncatedHeader(t *testing.T) {
	t.Parallel()

	_, err := Parse(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero dim", func(c *Config) { c.Dim = 0 }},
		{"heads do not divide dim", func(c *Config) { c.NumHeads = 3; c.NumKVHeads = 3 }},
		{"kv heads do not divide heads", func(c *Config) { c.NumHeads = 4; c.NumKVHeads = 3 }},
		{"odd head size", func(c *Config) { c.NumHeads = 8; c.NumKVHeads = 8 }},
		{"zero seq", func(c *Config) { c.SeqLen = 0 }},
	}
	for _, tt := range tests {
		c := smallConfig(true)
		tt.mut(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tt.name, err)
		}
	}
}

func TestWriteRejectsWrongTensorLength(t *testing.T) {
	t.Parallel()

	cfg := smallConfig(true)
	w := filledWeights(cfg)
	w.WK = w.WK[:len(w.WK)-1]
	if err := Write(&bytes.Buffer{}, cfg, w, false); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	cfg := smallConfig(false)
	want := filledWeights(cfg)
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, encode(t, cfg, want, true), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Path != path || f.Config != cfg {
		t.Fatalf("unexpected file header: %+v", f)
	}
	assertFloats(t, "w2", f.Weights.W2, want.W2)
	assertFloats(t, "classifier", f.Weights.Classifier, want.Classifier)

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenReportsSizes(t *testing.T) {
	t.Parallel()

	cfg := smallConfig(true)
	data := encode(t, cfg, filledWeights(cfg), false)
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, data[:len(data)-8], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte(path)) {
		t.Fatalf("error should name the file: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Open(filepath.Join(t.TempDir(), "nope.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestNumParams(t *testing.T) {
	t.Parallel()

	c := smallConfig(true)
	// emb 80, rms_att 16, wq 128, wk 64, wv 64, wo 128, rms_ffn 16,
	// w1 192, w2 192, w3 192, rms_final 8.
	if got := NumParams(c); got != 1080 {
		t.Fatalf("NumParams=%d", got)
	}
	c.SharedClassifier = false
	if got := NumParams(c); got != 1160 {
		t.Fatalf("NumParams unshared=%d", got)
	}
}

func assertFloats(t *testing.T, name string, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len %d want %d", name, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s[%d]=%g want %g", name, i, got[i], want[i])
		}
	}
}
