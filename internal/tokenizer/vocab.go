package tokenizer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrTruncated    = errors.New("tokenizer: truncated vocabulary file")
	ErrInvalidVocab = errors.New("tokenizer: invalid vocabulary")
)

// maxPieceBytes bounds a single record so a corrupt length field cannot make
// the loader allocate gigabytes.
const maxPieceBytes = 1 << 16

// Vocab is the raw content of a vocabulary file.
type Vocab struct {
	MaxTokenLength int
	Pieces         []string
	Scores         []float32
}

// Load reads vocabSize records from the vocabulary file at path.
func Load(path string, vocabSize int) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()

	tok, err := Read(bufio.NewReader(f), vocabSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tok, nil
}

// Read parses a vocabulary stream holding at least vocabSize records.
func Read(r io.Reader, vocabSize int) (*Tokenizer, error) {
	v, err := ReadVocab(r, vocabSize)
	if err != nil {
		return nil, err
	}
	return New(v)
}

// ReadVocab decodes the vocabulary records without building a tokenizer.
func ReadVocab(r io.Reader, vocabSize int) (Vocab, error) {
	if vocabSize <= 0 {
		return Vocab{}, fmt.Errorf("%w: vocab size %d", ErrInvalidVocab, vocabSize)
	}

	var maxLen int32
	if err := binary.Read(r, binary.LittleEndian, &maxLen); err != nil {
		return Vocab{}, fmt.Errorf("%w: max token length: %v", ErrTruncated, err)
	}
	if maxLen < 0 {
		return Vocab{}, fmt.Errorf("%w: max token length %d", ErrInvalidVocab, maxLen)
	}

	v := Vocab{
		MaxTokenLength: int(maxLen),
		Pieces:         make([]string, vocabSize),
		Scores:         make([]float32, vocabSize),
	}
	var rec struct {
		Score  float32
		Length int32
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < vocabSize; i++ {
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return Vocab{}, fmt.Errorf("%w: record %d of %d: %v", ErrTruncated, i, vocabSize, err)
		}
		if rec.Length < 0 || rec.Length > maxPieceBytes {
			return Vocab{}, fmt.Errorf("%w: record %d has length %d", ErrInvalidVocab, i, rec.Length)
		}
		if cap(buf) < int(rec.Length) {
			buf = make([]byte, rec.Length)
		}
		buf = buf[:rec.Length]
		if _, err := io.ReadFull(r, buf); err != nil {
			return Vocab{}, fmt.Errorf("%w: record %d piece: %v", ErrTruncated, i, err)
		}
		v.Scores[i] = rec.Score
		v.Pieces[i] = string(buf)
	}
	return v, nil
}

// WriteVocab serialises v in the format read by ReadVocab. A zero
// MaxTokenLength is replaced by the longest piece.
func WriteVocab(w io.Writer, v Vocab) error {
	if len(v.Pieces) != len(v.Scores) {
		return fmt.Errorf("%w: %d pieces but %d scores", ErrInvalidVocab, len(v.Pieces), len(v.Scores))
	}
	maxLen := v.MaxTokenLength
	if maxLen == 0 {
		for _, p := range v.Pieces {
			maxLen = max(maxLen, len(p))
		}
	}

	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(int32(maxLen)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	var rec [8]byte
	for i, p := range v.Pieces {
		binary.LittleEndian.PutUint32(rec[0:4], math.Float32bits(v.Scores[i]))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(int32(len(p))))
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
		if _, err := bw.WriteString(p); err != nil {
			return err
		}
	}
	return bw.Flush()
}
