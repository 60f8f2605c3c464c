package tokenizer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// letterVocab mirrors the shape of a llama2 vocabulary in miniature: control
// tokens, 256 byte tokens, then scored pieces.
func letterVocab(extra map[string]float32) Vocab {
	v := Vocab{
		Pieces: []string{"<unk>", "<s>", "</s>"},
		Scores: []float32{0, 0, 0},
	}
	for b := 0; b < 256; b++ {
		v.Pieces = append(v.Pieces, fmt.Sprintf("<0x%02X>", b))
		v.Scores = append(v.Scores, 0)
	}
	v.Pieces = append(v.Pieces, " ")
	v.Scores = append(v.Scores, -1000)
	for c := 'a'; c <= 'z'; c++ {
		v.Pieces = append(v.Pieces, string(c))
		v.Scores = append(v.Scores, -1000)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v.Pieces = append(v.Pieces, k)
		v.Scores = append(v.Scores, extra[k])
	}
	return v
}

func mustNew(t *testing.T, v Vocab) *Tokenizer {
	t.Helper()
	tok, err := New(v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tok
}

func ids(t *testing.T, tok *Tokenizer, pieces ...string) []int {
	t.Helper()
	out := make([]int, 0, len(pieces))
	for _, p := range pieces {
		id, ok := tok.Lookup(p)
		if !ok {
			t.Fatalf("piece %q not in vocabulary", p)
		}
		out = append(out, id)
	}
	return out
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(nil))
	tests := []struct {
		bos, eos bool
		want     []int
	}{
		{false, false, []int{}},
		{true, false, []int{BOSID}},
		{false, true, []int{EOSID}},
		{true, true, []int{BOSID, EOSID}},
	}
	for _, tt := range tests {
		got := tok.Encode("", tt.bos, tt.eos)
		if !slices.Equal(got, tt.want) {
			t.Errorf("Encode(\"\", %v, %v)=%v want %v", tt.bos, tt.eos, got, tt.want)
		}
	}
}

func TestEncodeDummyPrefix(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(nil))

	got := tok.Encode("ab", false, false)
	want := ids(t, tok, " ", "a", "b")
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	// Text that already starts with a space gets no second one.
	got = tok.Encode(" ab", false, false)
	if !slices.Equal(got, want) {
		t.Fatalf("leading space: got %v want %v", got, want)
	}
}

func TestMergeTieBreaksLeftmost(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(map[string]float32{"ab": 0, "bc": 0}))
	got := tok.Encode(" abc", false, false)
	want := ids(t, tok, " ", "ab", "c")
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMergePicksHighestScore(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(map[string]float32{"ab": 0, "bc": 1}))
	got := tok.Encode(" abc", false, false)
	want := ids(t, tok, " ", "a", "bc")
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMergeRescansAfterEachMerge(t *testing.T) {
	t.Parallel()

	// "abc" only becomes reachable after "ab" is formed, and " abc" after that.
	tok := mustNew(t, letterVocab(map[string]float32{"ab": 1, "abc": 2, " abc": 3}))
	got := tok.Encode("abc", true, true)
	want := append([]int{BOSID}, ids(t, tok, " abc")...)
	want = append(want, EOSID)
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestByteFallback(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(nil))
	if !tok.ByteFallback() {
		t.Fatalf("expected byte fallback to be detected")
	}

	got := tok.Encode("é", false, false)
	want := []int{ids(t, tok, " ")[0], 3 + 0xC3, 3 + 0xA9}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	var sb strings.Builder
	for i := 1; i < len(got); i++ {
		sb.WriteString(tok.Decode(got[i-1], got[i]))
	}
	if sb.String() != "é" {
		t.Fatalf("decoded %q", sb.String())
	}
}

func TestByteFallbackWithoutByteTokens(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, Vocab{
		Pieces: []string{"<unk>", "<s>", "</s>", " ", "x"},
		Scores: []float32{0, 0, 0, 0, 0},
	})
	if tok.ByteFallback() {
		t.Fatalf("unexpected byte fallback")
	}
	got := tok.Encode("x?", false, false)
	want := []int{3, 4, UnknownID}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(map[string]float32{" hello": 5}))
	hello := ids(t, tok, " hello")[0]

	if got := tok.Decode(BOSID, hello); got != "hello" {
		t.Fatalf("after BOS: %q", got)
	}
	if got := tok.Decode(hello, hello); got != " hello" {
		t.Fatalf("mid-sequence: %q", got)
	}
	if got := tok.Decode(0, 3+0x0A); got != "\n" {
		t.Fatalf("byte token: %q", got)
	}
	if got := tok.Decode(0, 1<<20); got != "" {
		t.Fatalf("out of range: %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(map[string]float32{
		" the": 4, "th": 3, "he": 2, " qu": 1, "ck": 1, " fox": 4, "ox": 2,
	}))
	for _, text := range []string{"the quick fox", "a", "fox the", "zz top"} {
		tokens := tok.Encode(text, true, false)

		var sb strings.Builder
		for i := 1; i < len(tokens); i++ {
			sb.WriteString(tok.Decode(tokens[i-1], tokens[i]))
		}
		if sb.String() != text {
			t.Fatalf("%q decoded as %q", text, sb.String())
		}
		if again := tok.Encode(sb.String(), true, false); !slices.Equal(again, tokens) {
			t.Fatalf("%q re-encoded as %v, first pass %v", text, again, tokens)
		}
	}
}

func TestSafePiece(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"a", "a"},
		{"\n", "\n"},
		{"\t", "\t"},
		{"\x00", ""},
		{"\x1b", ""},
		{"\xc3", ""},
		{"é", "é"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SafePiece(tt.in); got != tt.want {
			t.Errorf("SafePiece(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestVocabReadWrite(t *testing.T) {
	t.Parallel()

	v := letterVocab(map[string]float32{" ok": 1.5})
	var buf bytes.Buffer
	if err := WriteVocab(&buf, v); err != nil {
		t.Fatalf("WriteVocab: %v", err)
	}

	got, err := ReadVocab(bytes.NewReader(buf.Bytes()), len(v.Pieces))
	if err != nil {
		t.Fatalf("ReadVocab: %v", err)
	}
	if got.MaxTokenLength != 6 {
		t.Fatalf("max token length %d", got.MaxTokenLength)
	}
	if !slices.Equal(got.Pieces, v.Pieces) || !slices.Equal(got.Scores, v.Scores) {
		t.Fatalf("vocabulary did not round-trip")
	}

	path := filepath.Join(t.TempDir(), "tokenizer.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tok, err := Load(path, len(v.Pieces))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id, ok := tok.Lookup(" ok"); !ok || tok.Score(id) != 1.5 {
		t.Fatalf("lookup after load: id=%d ok=%v", id, ok)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	v := letterVocab(nil)
	var buf bytes.Buffer
	if err := WriteVocab(&buf, v); err != nil {
		t.Fatalf("WriteVocab: %v", err)
	}
	data := buf.Bytes()

	if _, err := Read(bytes.NewReader(data[:len(data)-1]), len(v.Pieces)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short file: expected ErrTruncated, got %v", err)
	}
	if _, err := Read(bytes.NewReader(data), len(v.Pieces)+1); !errors.Is(err, ErrTruncated) {
		t.Fatalf("too many records: expected ErrTruncated, got %v", err)
	}
	if _, err := Read(bytes.NewReader(data), 0); !errors.Is(err, ErrInvalidVocab) {
		t.Fatalf("zero size: expected ErrInvalidVocab, got %v", err)
	}

	bad := append([]byte(nil), data[:12]...)
	binary.LittleEndian.PutUint32(bad[8:], 0xFFFFFFFF) // length -1
	if _, err := Read(bytes.NewReader(bad), 1); !errors.Is(err, ErrInvalidVocab) {
		t.Fatalf("negative length: expected ErrInvalidVocab, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.bin"), 10); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestConcurrentEncode(t *testing.T) {
	t.Parallel()

	tok := mustNew(t, letterVocab(map[string]float32{"ab": 1}))
	want := tok.Encode("abab", true, false)
	done := make(chan []int, 8)
	for range 8 {
		go func() { done <- tok.Encode("abab", true, false) }()
	}
	for range 8 {
		if got := <-done; !slices.Equal(got, want) {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
