package shell

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// LineReader reads one command line at a time
type LineReader interface {
	// ReadLine shows prompt and returns the next line without its newline.
	// It returns io.EOF when input is exhausted.
	ReadLine(prompt string) (string, error)
}

// NewLineReader returns a line editor with history recall when in is a
// terminal, and a plain buffered reader otherwise
func NewLineReader(in *os.File, out io.Writer) LineReader {
	if term.IsTerminal(int(in.Fd())) {
		return newTerminalReader(in, out)
	}
	return NewBufferedReader(in, out)
}

// BufferedReader reads newline terminated lines from any reader
type BufferedReader struct {
	r   *bufio.Reader
	out io.Writer
}

// NewBufferedReader creates a reader that writes prompts to out
func NewBufferedReader(in io.Reader, out io.Writer) *BufferedReader {
	return &BufferedReader{r: bufio.NewReader(in), out: out}
}

// ReadLine prints prompt and reads up to the next newline
func (b *BufferedReader) ReadLine(prompt string) (string, error) {
	fmt.Fprint(b.out, prompt)
	line, err := b.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// terminalReader puts the terminal in raw mode only while a line is being
// edited, so remote output printed between reads renders normally
type terminalReader struct {
	fd int
	t  *term.Terminal
}

func newTerminalReader(in *os.File, out io.Writer) *terminalReader {
	rw := struct {
		io.Reader
		io.Writer
	}{in, out}
	return &terminalReader{fd: int(in.Fd()), t: term.NewTerminal(rw, "")}
}

func (r *terminalReader) ReadLine(prompt string) (string, error) {
	state, err := term.MakeRaw(r.fd)
	if err != nil {
		return "", fmt.Errorf("entering raw mode: %w", err)
	}
	defer func() { _ = term.Restore(r.fd, state) }()

	if w, h, err := term.GetSize(r.fd); err == nil {
		_ = r.t.SetSize(w, h)
	}
	r.t.SetPrompt(prompt)
	return r.t.ReadLine()
}
