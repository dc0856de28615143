package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// labelColors are assigned to hosts round-robin in registration order
var labelColors = []lipgloss.Color{"6", "3", "2", "5", "4", "1", "14", "11", "10", "13", "12", "9"}

// Line is one complete line of output attributed to a host
type Line struct {
	Host string
	Text string
}

// Formatter buffers partial output per host and renders complete lines
// prefixed with a padded, colored host label.
type Formatter struct {
	writer   io.Writer
	width    int
	renderer *lipgloss.Renderer

	mu       sync.Mutex
	leftover map[string][]byte
	styles   map[string]lipgloss.Style
}

// Options configures a Formatter
type Options struct {
	Writer     io.Writer // Destination for rendered lines (defaults to stdout)
	LabelWidth int       // Padding width, the length of the longest host label
	Color      bool      // Render host labels in color
}

// NewFormatter creates a formatter. The label width is fixed for its lifetime.
func NewFormatter(opts Options) *Formatter {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	renderer := lipgloss.NewRenderer(opts.Writer)
	if opts.Color {
		if renderer.ColorProfile() == termenv.Ascii {
			renderer.SetColorProfile(termenv.ANSI)
		}
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}

	return &Formatter{
		writer:   opts.Writer,
		width:    opts.LabelWidth,
		renderer: renderer,
		leftover: make(map[string][]byte),
		styles:   make(map[string]lipgloss.Style),
	}
}

// Feed appends chunk to host's buffer and returns every line it completes,
// in order. The unterminated tail stays buffered.
func (f *Formatter) Feed(host string, chunk []byte) []Line {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := append(f.leftover[host], chunk...)

	var lines []Line
	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		text := strings.TrimSuffix(string(buf[start:i]), "\r")
		lines = append(lines, Line{Host: host, Text: text})
		start = i + 1
	}

	if start == len(buf) {
		delete(f.leftover, host)
	} else {
		// copy so the retained tail does not pin the caller's chunk
		f.leftover[host] = append([]byte(nil), buf[start:]...)
	}

	return lines
}

// Pending returns the unterminated fragment buffered for host
func (f *Formatter) Pending(host string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.leftover[host])
}

// Render formats a line as "<label padded to width> <text>"
func (f *Formatter) Render(line Line) string {
	var padding string
	if pad := f.width - len(line.Host); pad > 0 {
		padding = strings.Repeat(" ", pad)
	}
	return f.style(line.Host).Render(line.Host) + padding + " " + line.Text
}

// Write feeds chunk for host and writes every completed line
func (f *Formatter) Write(host string, chunk []byte) error {
	for _, line := range f.Feed(host, chunk) {
		if err := f.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

// WriteLine renders and writes one line
func (f *Formatter) WriteLine(line Line) error {
	rendered := f.Render(line)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := fmt.Fprintln(f.writer, rendered); err != nil {
		return fmt.Errorf("failed to write output for %s: %w", line.Host, err)
	}
	return nil
}

func (f *Formatter) style(host string) lipgloss.Style {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.styles[host]; ok {
		return s
	}
	s := f.renderer.NewStyle().Foreground(labelColors[len(f.styles)%len(labelColors)])
	f.styles[host] = s
	return s
}
