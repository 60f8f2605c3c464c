package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var errInterrupted = errors.New("interrupted")

// lineEditor is the key handling behind the interactive chat prompt. It is
// fed raw terminal bytes and redraws the current line on out.
type lineEditor struct {
	out     io.Writer
	prompt  string
	history []string

	line     []byte
	cursor   int
	histPos  int
	draft    string
	escState int
	csi      strings.Builder
}

func newLineEditor(out io.Writer) *lineEditor {
	return &lineEditor{out: out}
}

func (e *lineEditor) reset(prompt string) {
	e.prompt = prompt
	e.line = e.line[:0]
	e.cursor = 0
	e.histPos = len(e.history)
	e.draft = ""
	e.escState = 0
	_, _ = fmt.Fprint(e.out, prompt)
}

func (e *lineEditor) redraw() {
	_, _ = fmt.Fprintf(e.out, "\r%s%s\x1b[K", e.prompt, e.line)
	if back := len(e.line) - e.cursor; back > 0 {
		_, _ = fmt.Fprintf(e.out, "\x1b[%dD", back)
	}
}

// feed consumes one byte. It returns done=true with the finished line when
// Enter is pressed, or an error on Ctrl+C / Ctrl+D at an empty line.
func (e *lineEditor) feed(b byte) (line string, done bool, err error) {
	switch e.escState {
	case 1:
		e.escState = 0
		if b == '[' {
			e.escState = 2
			e.csi.Reset()
		}
		return "", false, nil
	case 2:
		e.csi.WriteByte(b)
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			e.escState = 0
			e.handleCSI(e.csi.String())
		}
		return "", false, nil
	}

	switch b {
	case 27:
		e.escState = 1
	case '\r', '\n':
		_, _ = fmt.Fprint(e.out, "\r\n")
		out := string(e.line)
		if strings.TrimSpace(out) != "" {
			e.history = append(e.history, out)
		}
		return out, true, nil
	case 3: // Ctrl+C
		_, _ = fmt.Fprint(e.out, "^C\r\n")
		return "", true, errInterrupted
	case 4: // Ctrl+D
		if len(e.line) == 0 {
			_, _ = fmt.Fprint(e.out, "\r\n")
			return "", true, io.EOF
		}
	case 127, 8:
		if e.cursor > 0 {
			e.line = append(e.line[:e.cursor-1], e.line[e.cursor:]...)
			e.cursor--
			e.redraw()
		}
	case 1: // Ctrl+A
		e.cursor = 0
		e.redraw()
	case 5: // Ctrl+E
		e.cursor = len(e.line)
		e.redraw()
	case 23: // Ctrl+W
		start := e.cursor
		for start > 0 && e.line[start-1] == ' ' {
			start--
		}
		for start > 0 && e.line[start-1] != ' ' {
			start--
		}
		e.line = append(e.line[:start], e.line[e.cursor:]...)
		e.cursor = start
		e.redraw()
	default:
		if b >= 32 {
			e.line = append(e.line, 0)
			copy(e.line[e.cursor+1:], e.line[e.cursor:])
			e.line[e.cursor] = b
			e.cursor++
			e.redraw()
		}
	}
	return "", false, nil
}

func (e *lineEditor) handleCSI(seq string) {
	switch seq {
	case "A":
		if e.histPos == 0 {
			return
		}
		if e.histPos == len(e.history) {
			e.draft = string(e.line)
		}
		e.histPos--
		e.setLine(e.history[e.histPos])
	case "B":
		if e.histPos >= len(e.history) {
			return
		}
		e.histPos++
		if e.histPos == len(e.history) {
			e.setLine(e.draft)
		} else {
			e.setLine(e.history[e.histPos])
		}
	case "C":
		if e.cursor < len(e.line) {
			e.cursor++
			e.redraw()
		}
	case "D":
		if e.cursor > 0 {
			e.cursor--
			e.redraw()
		}
	case "H":
		e.cursor = 0
		e.redraw()
	case "F":
		e.cursor = len(e.line)
		e.redraw()
	case "3~":
		if e.cursor < len(e.line) {
			e.line = append(e.line[:e.cursor], e.line[e.cursor+1:]...)
			e.redraw()
		}
	}
}

func (e *lineEditor) setLine(s string) {
	e.line = append(e.line[:0], s...)
	e.cursor = len(e.line)
	e.redraw()
}

// lineReader reads prompts for the chat command. On a terminal it switches
// to raw mode and edits lines with lineEditor; otherwise it reads plain
// newline-terminated lines.
type lineReader struct {
	in     io.Reader
	fd     int
	tty    bool
	plain  *bufio.Reader
	editor *lineEditor
	out    io.Writer
}

func newLineReader(in io.Reader, out io.Writer) *lineReader {
	r := &lineReader{in: in, out: out, editor: newLineEditor(out), fd: -1}
	if f, ok := in.(interface{ Fd() uintptr }); ok {
		r.fd = int(f.Fd())
		r.tty = isTerminal(r.fd)
	}
	if !r.tty {
		r.plain = bufio.NewReader(in)
	}
	return r
}

// ReadLine shows prompt and returns the next line without its terminator.
// io.EOF means the input is exhausted.
func (r *lineReader) ReadLine(prompt string) (string, error) {
	if !r.tty {
		_, _ = fmt.Fprint(r.out, prompt)
		s, err := r.plain.ReadString('\n')
		if err != nil && (err != io.EOF || s == "") {
			return "", err
		}
		return strings.TrimRight(s, "\r\n"), nil
	}

	restore, err := makeRaw(r.fd)
	if err != nil {
		return "", fmt.Errorf("terminal raw mode: %w", err)
	}
	defer restore()

	r.editor.reset(prompt)
	var buf [64]byte
	for {
		n, err := r.in.Read(buf[:])
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			if line, done, err := r.editor.feed(b); done {
				return line, err
			}
		}
	}
}
