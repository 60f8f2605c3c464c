// Package checkpoint reads and writes llama2 model checkpoints: a seven
// field int32 header followed by raw little-endian float32 tensors.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is an opened checkpoint. Weights alias Data; they stay valid until
// Close is called.
type File struct {
	Path    string
	Config  Config
	Weights Weights

	Data    []byte
	mmapped bool
}

// Open maps the checkpoint at path read-only and validates its size against
// the header. If mmap is unavailable it falls back to reading the whole file.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}
	size64 := stat.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s: %d bytes cannot be addressed", ErrSizeMismatch, path, size64)
	}
	size := int(size64)
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %s: %d bytes is smaller than the %d byte header",
			ErrTruncated, path, size, HeaderSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		cf, parseErr := newFile(path, data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return cf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return newFile(path, data, false)
}

// Parse validates an in-memory checkpoint image. The returned weights alias
// data, which must not be modified afterwards.
func Parse(data []byte) (*File, error) {
	return newFile("<memory>", data, false)
}

func newFile(path string, data []byte, mmapped bool) (*File, error) {
	cfg, w, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	return &File{
		Path:    path,
		Config:  cfg,
		Weights: w,
		Data:    data,
		mmapped: mmapped,
	}, nil
}

// Close releases the mapping, if any. Weights must not be used afterwards.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Weights = Weights{}
	return err
}

// Mapped reports whether the weights are backed by a memory mapping.
func (f *File) Mapped() bool { return f.mmapped }

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Write serialises cfg and w in checkpoint layout. When withRoPETables is set
// the legacy frequency tables are written between the final norm and the
// classifier, as older exporters did. Tensor lengths must match cfg.
func Write(dst io.Writer, cfg Config, w Weights, withRoPETables bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(dst)
	if err := writeConfig(bw, cfg); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, t := range layout(cfg, &w) {
		if len(*t.dst) != t.count {
			return fmt.Errorf("%w: tensor %s has %d values, want %d", ErrSizeMismatch, t.name, len(*t.dst), t.count)
		}
		if err := writeFloats(bw, *t.dst); err != nil {
			return fmt.Errorf("write %s: %w", t.name, err)
		}
	}
	if withRoPETables {
		if err := writeFloats(bw, ropeTables(cfg)); err != nil {
			return fmt.Errorf("write rope tables: %w", err)
		}
	}
	if !cfg.SharedClassifier {
		want := cfg.VocabSize * cfg.Dim
		if len(w.Classifier) != want {
			return fmt.Errorf("%w: tensor classifier has %d values, want %d", ErrSizeMismatch, len(w.Classifier), want)
		}
		if err := writeFloats(bw, w.Classifier); err != nil {
			return fmt.Errorf("write classifier: %w", err)
		}
	}
	return bw.Flush()
}

func writeFloats(w io.Writer, x []float32) error {
	var buf [4]byte
	for _, v := range x {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// ropeTables reproduces the freq_cis_real/freq_cis_imag layout. The values
// are never read back; inference recomputes rotations.
func ropeTables(c Config) []float32 {
	half := c.HeadSize() / 2
	re := make([]float32, c.SeqLen*half)
	im := make([]float32, c.SeqLen*half)
	for pos := 0; pos < c.SeqLen; pos++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(10000, float64(2*i)/float64(c.HeadSize()))
			s, co := math.Sincos(float64(pos) * freq)
			re[pos*half+i] = float32(co)
			im[pos*half+i] = float32(s)
		}
	}
	return append(re, im...)
}
