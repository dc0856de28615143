// Package prompt reads passwords from the controlling terminal without echo.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompter obtains a secret from the operator
type Prompter interface {
	Password(prompt string) (string, error)
}

// Terminal prompts on a terminal file descriptor, falling back to a plain
// line read when input is not a terminal.
type Terminal struct {
	in  *os.File
	out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

// NewTerminal creates a prompter reading from in and writing prompts to out
func NewTerminal(in *os.File, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out, reader: bufio.NewReader(in)}
}

// Input returns the buffered reader used when in is not a terminal. Other
// line readers of the same input must share it, or lines it has already
// buffered are lost to them. It must not be read while Password runs.
func (t *Terminal) Input() *bufio.Reader {
	return t.reader
}

// Password writes prompt and reads one line with echo disabled
func (t *Terminal) Password(prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, prompt)
	defer fmt.Fprintln(t.out)

	fd := int(t.in.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(password), nil
	}

	line, err := t.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Static returns the same password every time, counting calls
type Static struct {
	Value string
	Err   error

	mu    sync.Mutex
	calls int
}

// Password returns the fixed value
func (s *Static) Password(string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.Value, s.Err
}

// Calls returns how many times Password was invoked
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
