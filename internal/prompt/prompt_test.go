package prompt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminal_NonTTYFallback(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\r\nsecond\n"), 0o600))

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	var out bytes.Buffer
	p := NewTerminal(in, &out)

	first, err := p.Password("Enter your password: ")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", first)

	second, err := p.Password("again: ")
	require.NoError(t, err)
	assert.Equal(t, "second", second)

	assert.Equal(t, "Enter your password: \nagain: \n", out.String())
	assert.NotContains(t, out.String(), "s3cret")

	_, err = p.Password("eof: ")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	t.Parallel()

	s := &Static{Value: "pw"}
	got, err := s.Password("x")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)
	assert.Equal(t, 1, s.Calls())
}

func TestTerminal_InputSharesBuffer(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, []byte("ls\npw\nexit\n"), 0o600))

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	p := NewTerminal(in, &bytes.Buffer{})

	line, err := p.Input().ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ls\n", line)

	pw, err := p.Password("pw: ")
	require.NoError(t, err)
	assert.Equal(t, "pw", pw)

	line, err = p.Input().ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "exit\n", line)
}
