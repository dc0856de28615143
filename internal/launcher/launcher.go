// Package launcher opens the resolved hosts in an external terminal
// multiplexer instead of running a command.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"fleetsh/internal/errors"
	"fleetsh/internal/target"
)

// SessionName names the tmux session and screen caption
const SessionName = "fleetsh"

// Runner executes external programs
type Runner interface {
	LookPath(file string) (string, error)
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs programs attached to the given standard streams
type ExecRunner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// LookPath searches PATH for file
func (r ExecRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Run starts name and waits for it to exit
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	return cmd.Run()
}

// Options configures how hosts are opened
type Options struct {
	IdentityFile string
	Runner       Runner
	TempDir      string // Where the screen launcher writes its screenrc
}

// Launcher opens one interactive ssh session per target
type Launcher interface {
	Name() string
	Launch(ctx context.Context, targets []target.Target) error
}

// Names lists the commands that select a launcher
var Names = []string{"tmux", "screen", "macterm", "cssh"}

// IsLauncher reports whether command selects a launcher
func IsLauncher(command string) bool {
	for _, n := range Names {
		if command == n {
			return true
		}
	}
	return false
}

// New returns the launcher selected by name
func New(name string, opts Options) (Launcher, error) {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}

	switch name {
	case "tmux":
		return &Tmux{opts: opts}, nil
	case "screen":
		return &Screen{opts: opts}, nil
	case "macterm":
		return &MacTerm{opts: opts}, nil
	case "cssh":
		return &CSSH{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown launcher '%s'", name)
	}
}

// sshArgs builds the ssh invocation for one target
func sshArgs(t target.Target, identityFile string) []string {
	args := []string{"ssh"}
	if identityFile != "" {
		args = append(args, "-i", identityFile)
	}
	if t.Port != 0 && t.Port != target.DefaultPort {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	return append(args, login(t))
}

func login(t target.Target) string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// sshCommand renders sshArgs as a single shell command line
func sshCommand(t target.Target, identityFile string) string {
	return shellquote.Join(sshArgs(t, identityFile)...)
}

func ensureTool(r Runner, tool, remedy string) error {
	if _, err := r.LookPath(tool); err != nil {
		return errors.NewExternalToolError(tool, err, remedy)
	}
	return nil
}

func run(ctx context.Context, r Runner, tool string, args ...string) error {
	if err := r.Run(ctx, tool, args...); err != nil {
		return errors.NewExternalToolError(tool, err, "")
	}
	return nil
}

// Tmux opens a detached session with one window per host, then attaches
type Tmux struct {
	opts Options
}

// Name returns "tmux"
func (l *Tmux) Name() string { return "tmux" }

// Commands returns the tmux invocations that Launch runs, in order
func (l *Tmux) Commands(targets []target.Target) [][]string {
	var cmds [][]string
	for i, t := range targets {
		ssh := sshCommand(t, l.opts.IdentityFile)
		if i == 0 {
			cmds = append(cmds, []string{"new-session", "-d", "-s", SessionName, "-n", t.Label(), ssh})
			continue
		}
		cmds = append(cmds, []string{"new-window", "-a", "-t", SessionName, "-n", t.Label(), ssh})
	}
	return append(cmds, []string{"attach-session", "-t", SessionName})
}

// Launch runs the tmux commands
func (l *Tmux) Launch(ctx context.Context, targets []target.Target) error {
	if err := ensureTool(l.opts.Runner, "tmux", "Install tmux or choose another launcher"); err != nil {
		return err
	}
	for _, args := range l.Commands(targets) {
		if err := run(ctx, l.opts.Runner, "tmux", args...); err != nil {
			return err
		}
	}
	return nil
}

// Screen writes a screenrc with one window per host and starts screen with it
type Screen struct {
	opts Options
}

// Name returns "screen"
func (l *Screen) Name() string { return "screen" }

// Config returns the screenrc contents for targets
func (l *Screen) Config(targets []target.Target) string {
	var b strings.Builder
	b.WriteString("caption always '%-Lw%{= BW}%50>%n%f* %t%{-}%+Lw%<'\n")
	fmt.Fprintf(&b, "hardstatus alwayslastline '%s'\n", SessionName)
	for _, t := range targets {
		args := append([]string{"screen", "-t", t.Label()}, sshArgs(t, l.opts.IdentityFile)...)
		b.WriteString(shellquote.Join(args...))
		b.WriteString("\n")
	}
	return b.String()
}

// Launch writes the screenrc and runs screen -c on it
func (l *Screen) Launch(ctx context.Context, targets []target.Target) error {
	if err := ensureTool(l.opts.Runner, "screen", "Install GNU screen or choose another launcher"); err != nil {
		return err
	}

	f, err := os.CreateTemp(l.opts.TempDir, "fleetsh-screenrc-*")
	if err != nil {
		return errors.NewExternalToolError("screen", fmt.Errorf("writing screenrc: %w", err), "")
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(l.Config(targets)); err != nil {
		f.Close()
		return errors.NewExternalToolError("screen", fmt.Errorf("writing screenrc: %w", err), "")
	}
	if err := f.Close(); err != nil {
		return errors.NewExternalToolError("screen", fmt.Errorf("writing screenrc: %w", err), "")
	}

	return run(ctx, l.opts.Runner, "screen", "-c", f.Name())
}

// MacTerm opens one Terminal.app tab per host via AppleScript
type MacTerm struct {
	opts Options
}

// Name returns "macterm"
func (l *MacTerm) Name() string { return "macterm" }

// Script returns the AppleScript that opens the tabs
func (l *MacTerm) Script(targets []target.Target) string {
	var b strings.Builder
	b.WriteString("tell application \"Terminal\"\n")
	b.WriteString("  activate\n")
	for i, t := range targets {
		cmd := appleScriptString(sshCommand(t, l.opts.IdentityFile))
		if i == 0 {
			fmt.Fprintf(&b, "  do script %s\n", cmd)
			continue
		}
		b.WriteString("  tell application \"System Events\" to keystroke \"t\" using command down\n")
		b.WriteString("  delay 0.5\n")
		fmt.Fprintf(&b, "  do script %s in front window\n", cmd)
	}
	b.WriteString("end tell\n")
	return b.String()
}

// Launch runs the script with osascript
func (l *MacTerm) Launch(ctx context.Context, targets []target.Target) error {
	if err := ensureTool(l.opts.Runner, "osascript", "macterm requires macOS"); err != nil {
		return err
	}
	return run(ctx, l.opts.Runner, "osascript", "-e", l.Script(targets))
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// CSSH opens all hosts in ClusterSSH
type CSSH struct {
	opts Options
}

// Name returns "cssh"
func (l *CSSH) Name() string { return "cssh" }

// Args returns the cssh arguments for targets
func (l *CSSH) Args(targets []target.Target) []string {
	var args []string
	if l.opts.IdentityFile != "" {
		args = append(args, "--options", "-i "+shellquote.Join(l.opts.IdentityFile))
	}
	for _, t := range targets {
		host := login(t)
		if t.Port != 0 && t.Port != target.DefaultPort {
			host += ":" + strconv.Itoa(t.Port)
		}
		args = append(args, host)
	}
	return args
}

// Launch runs cssh
func (l *CSSH) Launch(ctx context.Context, targets []target.Target) error {
	if err := ensureTool(l.opts.Runner, "cssh", "Install clusterssh or choose another launcher"); err != nil {
		return err
	}
	return run(ctx, l.opts.Runner, "cssh", l.Args(targets)...)
}
