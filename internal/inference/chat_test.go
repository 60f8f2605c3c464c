package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRenderChatTurn(t *testing.T) {
	t.Parallel()

	if got := RenderChatTurn("", "hello"); got != "[INST] hello [/INST]" {
		t.Fatalf("no system: %q", got)
	}
	want := "[INST] <<SYS>>\nbe brief\n<</SYS>>\n\nhello [/INST]"
	if got := RenderChatTurn("be brief", "hello"); got != want {
		t.Fatalf("with system: %q", got)
	}
}

func TestChatCarriesPositionsAcrossTurns(t *testing.T) {
	t.Parallel()

	m := newRecordingModel(512)
	smp := &scriptedSampler{script: []int{'x', 'y', eosToken, 'z', eosToken}}
	s := newFakeSession(m, smp)
	chat := s.Chat("S", 0)

	var reply strings.Builder
	n, err := chat.Send(context.Background(), "a", func(p string) { reply.WriteString(p) })
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if n != 2 || reply.String() != "xy" {
		t.Fatalf("turn 1 reply %q (%d pieces)", reply.String(), n)
	}

	first := byteTokenizer{}.Encode(RenderChatTurn("S", "a"), true, false)
	if chat.Pos() != len(first)+2 {
		t.Fatalf("pos after turn 1=%d want %d", chat.Pos(), len(first)+2)
	}
	for i, tok := range first {
		if m.calls[i] != [2]int{tok, i} {
			t.Fatalf("turn 1 call %d=%v want {%d %d}", i, m.calls[i], tok, i)
		}
	}

	reply.Reset()
	start := chat.Pos()
	n, err = chat.Send(context.Background(), "b", func(p string) { reply.WriteString(p) })
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if n != 1 || reply.String() != "z" {
		t.Fatalf("turn 2 reply %q (%d pieces)", reply.String(), n)
	}

	// The EOS that ended turn 1 is fed first, then the new turn without the
	// system prompt.
	second := byteTokenizer{}.Encode(RenderChatTurn("", "b"), true, false)
	if m.calls[start] != [2]int{eosToken, start} {
		t.Fatalf("turn 2 first call=%v want EOS at %d", m.calls[start], start)
	}
	for i, tok := range second {
		pos := start + 1 + i
		if m.calls[pos] != [2]int{tok, pos} {
			t.Fatalf("turn 2 call %d=%v want {%d %d}", pos, m.calls[pos], tok, pos)
		}
	}
	if chat.Pos() != start+1+len(second)+1 {
		t.Fatalf("pos after turn 2=%d", chat.Pos())
	}
}

func TestChatContextFull(t *testing.T) {
	t.Parallel()

	s := newToySession(t, SessionOptions{})
	chat := s.Chat("", 0)

	var reply strings.Builder
	n, err := chat.Send(context.Background(), "hi", func(p string) { reply.WriteString(p) })
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	// The prompt ends in <unk>, after which the toy model walks its cycle
	// until it reaches "A" and then EOS.
	if n != 30 || !strings.HasSuffix(reply.String(), "XYZABA") {
		t.Fatalf("reply %q (%d pieces)", reply.String(), n)
	}
	if chat.Pos() != 49 {
		t.Fatalf("pos=%d want 49", chat.Pos())
	}

	// The second turn no longer fits in the 64 position window.
	n, err = chat.Send(context.Background(), "hi", nil)
	if !errors.Is(err, ErrContextFull) || n != 0 {
		t.Fatalf("turn 2: n=%d err=%v", n, err)
	}
	if chat.Remaining() != 0 {
		t.Fatalf("remaining=%d", chat.Remaining())
	}
	if _, err := chat.Send(context.Background(), "hi", nil); !errors.Is(err, ErrContextFull) {
		t.Fatalf("turn 3 err=%v", err)
	}
}

func TestChatInvalidatedByGenerate(t *testing.T) {
	t.Parallel()

	m := newRecordingModel(512)
	s := newFakeSession(m, &scriptedSampler{script: []int{'x', eosToken, 'y', 1}})
	chat := s.Chat("", 0)
	if _, err := chat.Send(context.Background(), "a", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Generate(context.Background(), "q", 0, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := chat.Send(context.Background(), "b", nil); !errors.Is(err, ErrChatReset) {
		t.Fatalf("Send after Generate err=%v", err)
	}
}

func TestChatCanceled(t *testing.T) {
	t.Parallel()

	s := newFakeSession(newRecordingModel(512), &scriptedSampler{fill: 'x'})
	ctx, cancel := context.WithCancel(context.Background())
	chat := s.Chat("", 0)
	n, err := chat.Send(ctx, "a", func(string) { cancel() })
	if !errors.Is(err, context.Canceled) || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
