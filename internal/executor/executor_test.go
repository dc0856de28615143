package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsh/internal/errors"
	"fleetsh/internal/output"
	"fleetsh/internal/prompt"
	"fleetsh/internal/session"
	"fleetsh/internal/ssh"
	"fleetsh/internal/ssh/sshtest"
	"fleetsh/internal/target"
)

type fixture struct {
	dialer    *sshtest.Dialer
	manager   *session.Manager
	formatter *output.Formatter
	out       *bytes.Buffer
	prompter  *prompt.Static
	engine    *Engine
}

func newFixture(t *testing.T, policy session.ErrorPolicy, respond sshtest.Responder, hosts ...string) *fixture {
	t.Helper()

	targets, err := target.ParseList(strings.Join(hosts, " "))
	require.NoError(t, err)

	f := &fixture{
		dialer:   sshtest.NewDialer(respond),
		out:      &bytes.Buffer{},
		prompter: &prompt.Static{Value: "pw"},
	}
	f.manager = session.NewManager(f.dialer, nil, nil, session.Options{OnError: policy})
	require.NoError(t, f.manager.Configure(context.Background(), targets))

	f.formatter = output.NewFormatter(output.Options{Writer: f.out, LabelWidth: f.manager.LabelWidth()})
	f.engine = NewEngine(f.manager, f.formatter, f.prompter, nil)
	return f
}

func (f *fixture) lines() []string {
	lines := strings.Split(strings.TrimSuffix(f.out.String(), "\n"), "\n")
	sort.Strings(lines)
	return lines
}

func TestRun_PaddedLabelsScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{"hi\r\n"}}
	}, "a", "bb", "ccc")

	status, err := f.engine.Run(context.Background(), "echo hi", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, status)
	assert.Equal(t, []string{"a   hi", "bb  hi", "ccc hi"}, f.lines())
}

func TestRun_MaxExitStatus(t *testing.T) {
	t.Parallel()

	codes := map[string]int{"h1": 0, "h2": 3, "h3": 1}
	f := newFixture(t, session.PolicySkip, nil, "h1", "h2", "h3")
	for host, code := range codes {
		f.dialer.Client(host).Respond = func(string) sshtest.Script {
			return sshtest.Script{Exit: code}
		}
	}

	status, err := f.engine.Run(context.Background(), "false", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, status)
}

func TestRun_EmptySubset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, nil, "h1")

	status, err := f.engine.Run(context.Background(), "uptime", []*session.Connection{})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Empty(t, f.dialer.Client("h1").Started())
}

func TestRun_SubsetOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, nil, "h1", "h2", "h3")
	subset, unknown := f.manager.Select([]string{"h1", "h3"})
	require.Empty(t, unknown)

	_, err := f.engine.Run(context.Background(), "uptime", subset)
	require.NoError(t, err)

	assert.Equal(t, []string{"uptime"}, f.dialer.Client("h1").Started())
	assert.Empty(t, f.dialer.Client("h2").Started())
	assert.Equal(t, []string{"uptime"}, f.dialer.Client("h3").Started())
}

func TestRun_SudoPromptAnsweredOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, nil, "a", "b")
	f.dialer.Client("a").Respond = func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{SudoMarker, "root\r\n"}}
	}
	f.dialer.Client("b").Respond = func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{"partial"}}
	}

	_, err := f.engine.Run(context.Background(), "sudo whoami", nil)
	require.NoError(t, err)

	a := f.dialer.Client("a")
	assert.Equal(t, []string{"sudo -p '" + SudoMarker + "' whoami"}, a.Started())
	ch := a.Channels()[0]
	assert.Equal(t, "pw\n", ch.Input())
	assert.Equal(t, 1, ch.Writes())

	assert.Empty(t, f.dialer.Client("b").Channels()[0].Input())
	assert.Equal(t, "partial", f.formatter.Pending("b"))

	assert.Equal(t, []string{"a ", "a root"}, f.lines())
	assert.Equal(t, 1, f.prompter.Calls())
}

func TestRun_SudoPasswordCachedAcrossHosts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{SudoMarker, "ok\r\n"}}
	}, "h1", "h2", "h3")

	_, err := f.engine.Run(context.Background(), "sudo true", nil)
	require.NoError(t, err)
	_, err = f.engine.Run(context.Background(), "sudo true", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.prompter.Calls())
	for _, h := range []string{"h1", "h2", "h3"} {
		for _, ch := range f.dialer.Client(h).Channels() {
			assert.Equal(t, "pw\n", ch.Input())
		}
	}
}

func TestRun_RejectedCommandIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, nil, "h1", "h2")
	f.dialer.Client("h2").StartErr = errors.NewExecutionError("h2", "bogus", stderrors.New("exec request failed"))

	_, err := f.engine.Run(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ExecutionErrorType))
	assert.Contains(t, err.Error(), `"bogus"`)
}

func TestRun_TransportErrorFollowsPolicy(t *testing.T) {
	t.Parallel()

	broken := func(string) sshtest.Script {
		return sshtest.Script{WaitErr: stderrors.New("connection reset by peer")}
	}

	t.Run("skip", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.PolicySkip, nil, "ok", "bad")
		f.dialer.Client("ok").Respond = func(string) sshtest.Script { return sshtest.Script{Exit: 2} }
		f.dialer.Client("bad").Respond = broken

		res, err := f.engine.Execute(context.Background(), "ls", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, res.ExitStatus())
		assert.Equal(t, 1, res.Skipped().Count())
	})

	t.Run("raise", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, session.PolicyRaise, nil, "ok", "bad")
		f.dialer.Client("bad").Respond = broken

		_, err := f.engine.Run(context.Background(), "ls", nil)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ConnectionErrorType))
		assert.Contains(t, err.Error(), "bad")
	})
}

func TestRun_MissingExitStatusNotRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, func(string) sshtest.Script {
		return sshtest.Script{Exit: 9, WaitErr: ssh.ErrExitMissing}
	}, "h1")

	status, err := f.engine.Run(context.Background(), "ls", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestRewriteSudo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"sudo ls -l", "sudo -p '" + SudoMarker + "' ls -l"},
		{"  sudo systemctl restart nginx", "sudo -p '" + SudoMarker + "' systemctl restart nginx"},
		{"sudo", "sudo -p '" + SudoMarker + "'"},
		{"sudoedit /etc/hosts", "sudoedit /etc/hosts"},
		{"echo sudo", "echo sudo"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RewriteSudo(tt.in), tt.in)
	}
}

func TestSudoPromptIndex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, sudoPromptIndex([]byte(SudoMarker)))
	assert.Equal(t, 11, sudoPromptIndex([]byte("last login\n"+SudoMarker)))
	assert.Equal(t, -1, sudoPromptIndex([]byte("say "+SudoMarker)))
	assert.Equal(t, -1, sudoPromptIndex([]byte("fleetsh sudo")))
}

func TestRun_SudoPromptAfterOutputKeepsOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{"motd\r\n" + SudoMarker, "done\r\n"}}
	}, "h1")

	_, err := f.engine.Run(context.Background(), "sudo id", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"h1 ", "h1 done", "h1 motd"}, f.lines())
	assert.Equal(t, "pw\n", f.dialer.Client("h1").Channels()[0].Input())
}

func TestRun_OutputAfterSudoPromptInSameChunk(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{SudoMarker + "\r\nroot\r\n"}}
	}, "a")

	_, err := f.engine.Run(context.Background(), "sudo whoami", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a ", "a ", "a root"}, f.lines())
	assert.Equal(t, "pw\n", f.dialer.Client("a").Channels()[0].Input())
}

func TestRun_TwoSudoPromptsInOneChunk(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicySkip, func(string) sshtest.Script {
		return sshtest.Script{Chunks: []string{SudoMarker + "\n" + SudoMarker + "ok\r\n"}}
	}, "a")

	_, err := f.engine.Run(context.Background(), "sudo -k true && sudo id", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a ", "a ", "a ", "a ok"}, f.lines())
	assert.Equal(t, "pw\npw\n", f.dialer.Client("a").Channels()[0].Input())
	assert.Equal(t, 1, f.prompter.Calls())
}

func TestRun_ClassifiedStartErrorIsAttributedToHost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.PolicyRaise, nil, "ok", "bad")
	f.dialer.Client("bad").StartErr = errors.NewConnectionError("10.0.0.5", stderrors.New("failed to create session: EOF"))

	_, err := f.engine.Run(context.Background(), "ls", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ConnectionErrorType))
	assert.Equal(t, "bad: connection failed: failed to create session: EOF", err.Error())
}
