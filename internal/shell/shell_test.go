package shell

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsh/internal/executor"
	"fleetsh/internal/output"
	"fleetsh/internal/prompt"
	"fleetsh/internal/session"
	"fleetsh/internal/ssh/sshtest"
	"fleetsh/internal/target"
)

type call struct {
	command string
	hosts   []string // nil means all
}

type fakeRunner struct {
	calls []call
	err   error
}

func (r *fakeRunner) Run(_ context.Context, command string, subset []*session.Connection) (int, error) {
	c := call{command: command}
	if subset != nil {
		c.hosts = []string{}
		for _, conn := range subset {
			c.hosts = append(c.hosts, conn.Host())
		}
	}
	r.calls = append(r.calls, c)
	return 0, r.err
}

func newManager(t *testing.T, dialer *sshtest.Dialer, hosts ...string) *session.Manager {
	t.Helper()
	targets, err := target.ParseList(strings.Join(hosts, " "))
	require.NoError(t, err)
	m := session.NewManager(dialer, nil, nil, session.Options{})
	require.NoError(t, m.Configure(context.Background(), targets))
	return m
}

func runShell(t *testing.T, input string, runner Runner, sel Selector) (*Shell, string) {
	t.Helper()
	var out bytes.Buffer
	s := New(runner, sel, NewBufferedReader(strings.NewReader(input), &out), &out, nil)
	require.NoError(t, s.Loop(context.Background()))
	return s, out.String()
}

func TestLoop_QuitSaysBye(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	_, out := runShell(t, "quit!\nuptime\n", r, newManager(t, sshtest.NewDialer(nil), "a"))

	assert.Empty(t, r.calls)
	assert.Equal(t, Prompt+"Bye!\n", out)
}

func TestLoop_EOFDispatchesExitOnce(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	_, out := runShell(t, "", r, newManager(t, sshtest.NewDialer(nil), "a"))

	assert.Equal(t, []call{{command: "exit"}}, r.calls)
	assert.Equal(t, Prompt+"exit\n", out)
}

func TestLoop_EmptyLinesReprompt(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	s, out := runShell(t, "\n   \nuptime\nquit!\n", r, newManager(t, sshtest.NewDialer(nil), "a"))

	assert.Equal(t, []call{{command: "uptime"}}, r.calls)
	assert.Equal(t, 4, strings.Count(out, Prompt))
	assert.Equal(t, []string{"uptime", "quit!"}, s.History())
}

func TestLoop_OnSubset(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	m := newManager(t, sshtest.NewDialer(nil), "h1", "h2", "h3")
	_, out := runShell(t, "on h1 h3; uptime\non h9 h2;  df -h \nquit!\n", r, m)

	assert.Equal(t, []call{
		{command: "uptime", hosts: []string{"h1", "h3"}},
		{command: "df -h", hosts: []string{"h2"}},
	}, r.calls)
	assert.Contains(t, out, "unknown host: h9\n")
}

func TestLoop_OnUnknownOnlyNotDispatched(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	_, out := runShell(t, "on nope; uptime\nquit!\n", r, newManager(t, sshtest.NewDialer(nil), "h1"))

	assert.Empty(t, r.calls)
	assert.Contains(t, out, "unknown host: nope")
	assert.Contains(t, out, "command not sent")
}

func TestLoop_RunErrorReportedAndContinues(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{err: stderrors.New("remote refused")}
	_, out := runShell(t, "bogus\nquit!\n", r, newManager(t, sshtest.NewDialer(nil), "h1"))

	assert.Len(t, r.calls, 1)
	assert.Contains(t, out, "error: remote refused")
	assert.True(t, strings.HasSuffix(out, "Bye!\n"))
}

func TestLoop_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &fakeRunner{}
	s := New(r, nil, NewBufferedReader(strings.NewReader("uptime\n"), &bytes.Buffer{}), &bytes.Buffer{}, nil)
	assert.ErrorIs(t, s.Loop(ctx), context.Canceled)
	assert.Empty(t, r.calls)
}

func TestLoop_WithEngine(t *testing.T) {
	t.Parallel()

	dialer := sshtest.NewDialer(nil)
	m := newManager(t, dialer, "a", "bb")

	var remote bytes.Buffer
	engine := executor.NewEngine(m, output.NewFormatter(output.Options{Writer: &remote, LabelWidth: m.LabelWidth()}), nil, nil)

	_, _ = runShell(t, "on bb; hostname\n", engine, m)

	assert.Equal(t, []string{"exit"}, dialer.Client("a").Started())
	assert.Equal(t, []string{"hostname", "exit"}, dialer.Client("bb").Started())
	assert.Contains(t, remote.String(), "bb hostname\n")
}

func TestLoop_PipedInputSharedWithPasswordPrompt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stdin")
	require.NoError(t, os.WriteFile(path, []byte("sudo id\ns3cret\nquit!\n"), 0o600))
	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	dialer := sshtest.NewDialer(func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{executor.SudoMarker, "root\r\n"}}
	})
	m := newManager(t, dialer, "a")

	prompter := prompt.NewTerminal(in, io.Discard)
	var remote, out bytes.Buffer
	engine := executor.NewEngine(m, output.NewFormatter(output.Options{Writer: &remote, LabelWidth: m.LabelWidth()}), prompter, nil)

	s := New(engine, m, NewBufferedReader(prompter.Input(), &out), &out, nil)
	require.NoError(t, s.Loop(context.Background()))

	assert.Equal(t, []string{"sudo id", "quit!"}, s.History())
	assert.Equal(t, "s3cret\n", dialer.Client("a").Channels()[0].Input())
	assert.Contains(t, remote.String(), "a root\n")
}

func TestParseOn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		hosts   []string
		command string
		scoped  bool
		wantErr bool
	}{
		{line: "uptime", command: "uptime"},
		{line: "online-check", command: "online-check"},
		{line: "on a b; ls -la", hosts: []string{"a", "b"}, command: "ls -la", scoped: true},
		{line: "on 'web 1';ls", hosts: []string{"web 1"}, command: "ls", scoped: true},
		{line: "on a; echo a;b", hosts: []string{"a"}, command: "echo a;b", scoped: true},
		{line: "on a b", wantErr: true},
		{line: "on ; ls", wantErr: true},
		{line: "on a;", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			hosts, command, scoped, err := parseOn(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hosts, hosts)
			assert.Equal(t, tt.command, command)
			assert.Equal(t, tt.scoped, scoped)
		})
	}
}
