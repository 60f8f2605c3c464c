// Package tokenizer implements the sentencepiece-style BPE tokenizer used by
// llama2 checkpoints: a scored piece table, greedy highest-score merging and
// raw byte fallback.
package tokenizer

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	UnknownID = 0
	BOSID     = 1
	EOSID     = 2
)

type tokenIndex struct {
	piece string
	id    int
}

// Tokenizer is immutable after construction and safe for concurrent use.
type Tokenizer struct {
	pieces         []string
	scores         []float32
	sorted         []tokenIndex
	maxTokenLength int

	// byteBase is the id of <0x00>; byte b maps to byteBase+b. -1 when the
	// vocabulary has no byte tokens.
	byteBase int
}

// New builds a tokenizer over v. The slices in v are not copied.
func New(v Vocab) (*Tokenizer, error) {
	if len(v.Pieces) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrInvalidVocab)
	}
	if len(v.Pieces) != len(v.Scores) {
		return nil, fmt.Errorf("%w: %d pieces but %d scores", ErrInvalidVocab, len(v.Pieces), len(v.Scores))
	}

	t := &Tokenizer{
		pieces:         v.Pieces,
		scores:         v.Scores,
		maxTokenLength: v.MaxTokenLength,
		sorted:         make([]tokenIndex, len(v.Pieces)),
		byteBase:       -1,
	}
	for i, p := range v.Pieces {
		t.sorted[i] = tokenIndex{piece: p, id: i}
	}
	// Stable so that duplicate pieces resolve to the lowest id.
	slices.SortStableFunc(t.sorted, func(a, b tokenIndex) int {
		return strings.Compare(a.piece, b.piece)
	})

	if id, ok := t.Lookup("<0x00>"); ok && id+255 < len(v.Pieces) && v.Pieces[id+255] == "<0xFF>" {
		t.byteBase = id
	}
	return t, nil
}

func (t *Tokenizer) VocabSize() int { return len(t.pieces) }

func (t *Tokenizer) MaxTokenLength() int { return t.maxTokenLength }

func (t *Tokenizer) BOS() int { return BOSID }

func (t *Tokenizer) EOS() int { return EOSID }

// Piece returns the raw piece for id, or "" when id is out of range.
func (t *Tokenizer) Piece(id int) string {
	if id < 0 || id >= len(t.pieces) {
		return ""
	}
	return t.pieces[id]
}

func (t *Tokenizer) Score(id int) float32 {
	if id < 0 || id >= len(t.scores) {
		return 0
	}
	return t.scores[id]
}

// Lookup finds the id of an exact piece.
func (t *Tokenizer) Lookup(piece string) (int, bool) {
	i, ok := slices.BinarySearchFunc(t.sorted, piece, func(e tokenIndex, target string) int {
		return strings.Compare(e.piece, target)
	})
	if !ok {
		return -1, false
	}
	return t.sorted[i].id, true
}

// ByteFallback reports whether the vocabulary carries <0xHH> byte tokens.
func (t *Tokenizer) ByteFallback() bool { return t.byteBase >= 0 }

func (t *Tokenizer) byteToken(b byte) int {
	if t.byteBase < 0 {
		return UnknownID
	}
	return t.byteBase + int(b)
}

// Encode converts text to token ids. Unknown characters fall back to byte
// tokens, so Encode never fails. An empty text yields only the requested
// BOS/EOS markers.
func (t *Tokenizer) Encode(text string, bos, eos bool) []int {
	tokens := make([]int, 0, len(text)+3)
	if bos {
		tokens = append(tokens, BOSID)
	}

	if text != "" {
		if text[0] != ' ' {
			// sentencepiece dummy prefix
			tokens = t.appendPiece(tokens, " ")
		}
		for i := 0; i < len(text); {
			_, size := utf8.DecodeRuneInString(text[i:])
			tokens = t.appendPiece(tokens, text[i:i+size])
			i += size
		}
		start := 0
		if bos {
			start = 1
		}
		merged := t.merge(tokens[start:])
		tokens = tokens[:start+len(merged)]
	}

	if eos {
		tokens = append(tokens, EOSID)
	}
	return tokens
}

// appendPiece appends the id of piece, or one byte token per byte when the
// piece is not in the vocabulary.
func (t *Tokenizer) appendPiece(tokens []int, piece string) []int {
	if id, ok := t.Lookup(piece); ok {
		return append(tokens, id)
	}
	for i := 0; i < len(piece); i++ {
		tokens = append(tokens, t.byteToken(piece[i]))
	}
	return tokens
}

// merge repeatedly replaces the adjacent pair whose concatenation has the
// highest score. Equal scores keep the leftmost pair. The slice is
// compacted in place.
func (t *Tokenizer) merge(tokens []int) []int {
	var buf []byte
	for {
		bestScore := float32(0)
		bestID := -1
		bestIdx := -1

		for i := 0; i+1 < len(tokens); i++ {
			buf = append(buf[:0], t.pieces[tokens[i]]...)
			buf = append(buf, t.pieces[tokens[i+1]]...)
			id, ok := t.Lookup(string(buf))
			if !ok {
				continue
			}
			if bestIdx < 0 || t.scores[id] > bestScore {
				bestScore = t.scores[id]
				bestID = id
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			return tokens
		}

		tokens[bestIdx] = bestID
		tokens = append(tokens[:bestIdx+1], tokens[bestIdx+2:]...)
	}
}

// Decode renders token as display text given the previous token. A leading
// space is dropped right after BOS, and <0xHH> pieces become the raw byte.
func (t *Tokenizer) Decode(prev, token int) string {
	piece := t.Piece(token)
	if prev == BOSID && len(piece) > 0 && piece[0] == ' ' {
		piece = piece[1:]
	}
	if b, ok := parseBytePiece(piece); ok {
		return string([]byte{b})
	}
	return piece
}

// parseBytePiece recognises the exact form <0xHH> with uppercase or
// lowercase hex digits.
func parseBytePiece(p string) (byte, bool) {
	if len(p) != 6 || p[0] != '<' || p[1] != '0' || p[2] != 'x' || p[5] != '>' {
		return 0, false
	}
	hi, ok1 := hexNibble(p[3])
	lo, ok2 := hexNibble(p[4])
	if !ok1 || !ok2 {
		return 0, false
	}
	return hi<<4 | lo, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// SafePiece filters a decoded piece for terminal output: a lone byte that is
// neither printable ASCII nor whitespace is dropped, anything else is
// returned unchanged.
func SafePiece(piece string) string {
	if len(piece) != 1 {
		return piece
	}
	b := piece[0]
	if (b >= 0x20 && b < 0x7f) || b == '\t' || b == '\n' || b == '\v' || b == '\f' || b == '\r' {
		return piece
	}
	return ""
}
