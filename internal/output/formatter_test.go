package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func TestFeed_SplitsAcrossChunks(t *testing.T) {
	t.Parallel()

	f := NewFormatter(Options{Writer: &bytes.Buffer{}, LabelWidth: 3})

	assert.Empty(t, f.Feed("a", []byte("hel")))
	assert.Equal(t, "hel", f.Pending("a"))

	assert.Equal(t, []string{"hello", "wor"}, texts(f.Feed("a", []byte("lo\nwor\nld"))))
	assert.Equal(t, "ld", f.Pending("a"))

	assert.Equal(t, []string{"ld", ""}, texts(f.Feed("a", []byte("\n\n"))))
	assert.Empty(t, f.Pending("a"))
}

func TestFeed_StripsCarriageReturn(t *testing.T) {
	t.Parallel()

	f := NewFormatter(Options{Writer: &bytes.Buffer{}})
	assert.Equal(t, []string{"pty line"}, texts(f.Feed("h", []byte("pty line\r\n"))))
}

func TestFeed_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	f := NewFormatter(Options{Writer: &bytes.Buffer{}})

	assert.Empty(t, f.Feed("a", []byte("from a")))
	lines := f.Feed("b", []byte("from b\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, Line{Host: "b", Text: "from b"}, lines[0])
	assert.Equal(t, "from a", f.Pending("a"))
}

func TestFeed_NoDataLoss(t *testing.T) {
	t.Parallel()

	input := "alpha\nbeta\r\ngamma\n\ndelta partial"
	for size := 1; size <= len(input); size++ {
		f := NewFormatter(Options{Writer: &bytes.Buffer{}})

		var emitted []string
		for i := 0; i < len(input); i += size {
			end := i + size
			if end > len(input) {
				end = len(input)
			}
			emitted = append(emitted, texts(f.Feed("h", []byte(input[i:end])))...)
		}

		reassembled := strings.Join(emitted, "\n") + "\n" + f.Pending("h")
		assert.Equal(t, strings.ReplaceAll(input, "\r", ""), reassembled, "chunk size %d", size)
	}
}

func TestFeed_TrailingFragmentNeverFlushed(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	f := NewFormatter(Options{Writer: &out, LabelWidth: 1})

	require.NoError(t, f.Write("h", []byte("done\nno newline at end")))
	assert.Equal(t, "h done\n", out.String())
	assert.Equal(t, "no newline at end", f.Pending("h"))
}

func TestRender_PadsToLongestLabel(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	f := NewFormatter(Options{Writer: &out, LabelWidth: 3})

	for _, host := range []string{"a", "bb", "ccc"} {
		require.NoError(t, f.Write(host, []byte("hi\n")))
	}

	assert.Equal(t, "a   hi\nbb  hi\nccc hi\n", out.String())
}

func TestRender_Color(t *testing.T) {
	t.Parallel()

	f := NewFormatter(Options{Writer: &bytes.Buffer{}, LabelWidth: 4, Color: true})
	rendered := f.Render(Line{Host: "web", Text: "up"})

	assert.Contains(t, rendered, "\x1b[")
	assert.True(t, strings.HasSuffix(rendered, "  up"))
}
