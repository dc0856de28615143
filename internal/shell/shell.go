// Package shell implements the interactive command loop.
package shell

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"

	"fleetsh/internal/logging"
	"fleetsh/internal/session"
)

// Prompt is shown before every line read
const Prompt = "fleetsh> "

// Runner dispatches a command to all connections, or to subset when non-nil
type Runner interface {
	Run(ctx context.Context, command string, subset []*session.Connection) (int, error)
}

// Selector resolves host labels to live connections
type Selector interface {
	Select(hosts []string) ([]*session.Connection, []string)
}

// Shell reads commands and dispatches them until quit! or end of input
type Shell struct {
	runner   Runner
	selector Selector
	reader   LineReader
	out      io.Writer
	logger   *logging.Logger

	history []string
}

// New creates a shell reading from reader and writing messages to out
func New(runner Runner, selector Selector, reader LineReader, out io.Writer, logger *logging.Logger) *Shell {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Shell{
		runner:   runner,
		selector: selector,
		reader:   reader,
		out:      out,
		logger:   logger,
	}
}

// History returns the non-empty lines entered so far
func (s *Shell) History() []string {
	return append([]string(nil), s.history...)
}

// Loop runs until quit!, end of input or ctx is cancelled
func (s *Shell) Loop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "interactive session started", "prompt", strings.TrimSpace(Prompt))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := s.reader.ReadLine(Prompt)
		if err == io.EOF {
			// end of input behaves as if "exit" had been typed
			fmt.Fprintln(s.out, "exit")
			s.dispatch(ctx, "exit")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading command: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.history = append(s.history, line)

		if line == "quit!" {
			fmt.Fprintln(s.out, "Bye!")
			return nil
		}
		s.dispatch(ctx, line)
	}
}

func (s *Shell) dispatch(ctx context.Context, line string) {
	hosts, command, scoped, err := parseOn(line)
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}

	var subset []*session.Connection
	if scoped {
		found, unknown := s.selector.Select(hosts)
		for _, h := range unknown {
			fmt.Fprintf(s.out, "unknown host: %s\n", h)
		}
		if len(found) == 0 {
			fmt.Fprintln(s.out, "no known hosts selected, command not sent")
			return
		}
		subset = found
	}

	status, err := s.runner.Run(ctx, command, subset)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	s.logger.Debug("command finished", "scoped", scoped, "exit_status", status)
}

// parseOn splits "on h1 h2; command" into its hosts and command. Lines not
// starting with the on keyword are returned unscoped.
func parseOn(line string) ([]string, string, bool, error) {
	if line != "on" && !strings.HasPrefix(line, "on ") && !strings.HasPrefix(line, "on\t") {
		return nil, line, false, nil
	}

	hostPart, command, found := strings.Cut(line[len("on"):], ";")
	if !found {
		return nil, "", false, fmt.Errorf("usage: on <host> [<host>...]; <command>")
	}

	hosts, err := shlex.Split(hostPart)
	if err != nil {
		return nil, "", false, fmt.Errorf("invalid host list: %w", err)
	}
	if len(hosts) == 0 {
		return nil, "", false, fmt.Errorf("usage: on <host> [<host>...]; <command>")
	}

	command = strings.TrimSpace(command)
	if command == "" {
		return nil, "", false, fmt.Errorf("no command given for %s", strings.Join(hosts, " "))
	}
	return hosts, command, true, nil
}
