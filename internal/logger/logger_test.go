package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	JSON(&buf, slog.LevelInfo).With("component", "sampler").Info("ready", "vocab", 32000)

	out := buf.String()
	for _, want := range []string{`"msg":"ready"`, `"component":"sampler"`, `"vocab":32000`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := Text(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if log.Enabled(slog.LevelInfo) || !log.Enabled(slog.LevelError) {
		t.Fatalf("Enabled disagrees with the configured level")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn record missing: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	log := Discard()
	log.With("k", "v").WithGroup("g").Error("nothing")
	if log.Enabled(slog.LevelError) {
		t.Fatalf("discard logger reports enabled")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatalf("context logger not used: %s", buf.String())
	}

	// No logger stored: must not panic and must not write anywhere.
	FromContext(context.Background()).Info("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err=%v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFormat(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"", "pretty", "JSON", "text"} {
		var buf bytes.Buffer
		log, err := NewFormat(&buf, format, "info")
		if err != nil {
			t.Fatalf("NewFormat(%q): %v", format, err)
		}
		log.Info("hello")
		if !strings.Contains(buf.String(), "hello") {
			t.Fatalf("format %q: no output", format)
		}
	}
	if _, err := NewFormat(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := NewFormat(&bytes.Buffer{}, "json", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestPrettyLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("step", "pos", 3, "piece", "two words", "err", errors.New("boom"))

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
	for _, want := range []string{"DBG", "step", "=3", `="two words"`, "=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	slog.New(h.WithGroup("a").WithGroup("b")).Info("nested", "key", "val")
	if !strings.Contains(buf.String(), "a.b.key") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}

	if h.WithGroup("") != slog.Handler(h) {
		t.Fatalf("empty group should return the same handler")
	}
}

func TestPrettyWithAttrsDoesNotLeak(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	child := h.WithAttrs([]slog.Attr{slog.String("session", "s1")})

	slog.New(child).Info("child")
	slog.New(h).Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
	if !strings.Contains(lines[0], "session") || strings.Contains(lines[1], "session") {
		t.Fatalf("attrs leaked between handlers: %q", lines)
	}
}

func TestPrettyDisabledLevel(t *testing.T) {
	t.Parallel()

	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be disabled at warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled at warn")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"simple":    false,
		"":          false,
		"two words": true,
		"tab\there": true,
		`a"b`:       true,
		"k=v":       true,
	}
	for in, want := range tests {
		if got := needsQuoting(in); got != want {
			t.Errorf("needsQuoting(%q)=%v want %v", in, got, want)
		}
	}
}
