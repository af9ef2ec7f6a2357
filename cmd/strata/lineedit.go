package main

import (
	"bufio"
	"io"
	"os"

	"golang.org/x/term"
)

// lineReader reads chat input. On a terminal it runs the x/term line editor,
// which keeps its own history; otherwise it reads plain lines.
type lineReader struct {
	fd      int
	editor  *term.Terminal
	scanner *bufio.Scanner
}

func newLineReader(in *os.File, out io.Writer, prompt string) *lineReader {
	fd := int(in.Fd())
	if !stdinIsTTY() || !term.IsTerminal(fd) {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		return &lineReader{scanner: sc}
	}
	rw := struct {
		io.Reader
		io.Writer
	}{in, out}
	return &lineReader{fd: fd, editor: term.NewTerminal(rw, prompt)}
}

// ReadLine returns io.EOF at the end of input, and on Ctrl+D or Ctrl+C at
// the prompt. The terminal is raw only while a line is being edited.
func (r *lineReader) ReadLine() (string, error) {
	if r.editor == nil {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return r.scanner.Text(), nil
	}

	state, err := term.MakeRaw(r.fd)
	if err != nil {
		return "", err
	}
	defer func() { _ = term.Restore(r.fd, state) }()
	if w, h, err := term.GetSize(r.fd); err == nil {
		_ = r.editor.SetSize(w, h)
	}
	return r.editor.ReadLine()
}
