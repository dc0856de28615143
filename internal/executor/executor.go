package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fleetsh/internal/errors"
	"fleetsh/internal/logging"
	"fleetsh/internal/output"
	"fleetsh/internal/prompt"
	"fleetsh/internal/session"
	"fleetsh/internal/ssh"
)

// SudoMarker replaces sudo's password prompt so it can be recognized in output
const SudoMarker = "fleetsh sudo password: "

// Pool is the view of the session pool the engine needs
type Pool interface {
	Connections() []*session.Connection
	Concurrency() int
	Policy() session.ErrorPolicy
}

// Engine runs a command across the pool's connections
type Engine struct {
	pool      Pool
	formatter *output.Formatter
	passwords *PasswordCache
	logger    *logging.Logger
}

// NewEngine creates an engine writing through formatter and prompting with prompter
func NewEngine(pool Pool, formatter *output.Formatter, prompter prompt.Prompter, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		pool:      pool,
		formatter: formatter,
		passwords: NewPasswordCache(prompter),
		logger:    logger,
	}
}

// RewriteSudo replaces sudo's password prompt with SudoMarker when command starts with sudo
func RewriteSudo(command string) string {
	trimmed := strings.TrimLeft(command, " \t")
	if trimmed != "sudo" && !strings.HasPrefix(trimmed, "sudo ") && !strings.HasPrefix(trimmed, "sudo\t") {
		return command
	}
	return "sudo -p '" + SudoMarker + "'" + strings.TrimPrefix(trimmed, "sudo")
}

// sudoPromptIndex returns the offset of the marker when it starts a line in chunk, or -1
func sudoPromptIndex(chunk []byte) int {
	marker := []byte(SudoMarker)
	if bytes.HasPrefix(chunk, marker) {
		return 0
	}
	if i := bytes.Index(chunk, append([]byte("\n"), marker...)); i >= 0 {
		return i + 1
	}
	return -1
}

// Run executes command on every connection, or only on subset when it is
// non-nil, and returns the maximum exit status across hosts.
func (e *Engine) Run(ctx context.Context, command string, subset []*session.Connection) (int, error) {
	res, err := e.Execute(ctx, command, subset)
	return res.ExitStatus(), err
}

// Execute is Run returning the full Result, including hosts skipped under PolicySkip
func (e *Engine) Execute(ctx context.Context, command string, subset []*session.Connection) (*Result, error) {
	res := newResult()

	connections := subset
	if connections == nil {
		connections = e.pool.Connections()
	}
	if len(connections) == 0 {
		return res, nil
	}

	command = RewriteSudo(command)

	startTime := time.Now()
	limit := e.pool.Concurrency()
	if limit <= 0 || limit > len(connections) {
		limit = len(connections)
	}
	e.logger.LogRunStart(len(connections), limit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(limit))
	)

	for _, conn := range connections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.runOne(ctx, sem, conn, command, res); err != nil {
				res.fail(err)
				cancel()
			}
		}()
	}
	wg.Wait()

	e.logger.LogRunComplete(len(connections), res.ExitStatus(), time.Since(startTime))

	return res, res.err()
}

func (e *Engine) runOne(ctx context.Context, sem *semaphore.Weighted, conn *session.Connection, command string, res *Result) error {
	host := conn.Host()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	ch, err := conn.Client.Start(command)
	sem.Release(1)
	if err != nil {
		return e.channelError(conn, err, res)
	}
	defer func() { _ = ch.Close() }()

	if err := e.pump(host, ch); err != nil {
		return e.channelError(conn, err, res)
	}

	code, err := ch.Wait()
	switch {
	case err == nil:
		res.record(code)
	case stderrors.Is(err, ssh.ErrExitMissing):
		e.logger.Debug("no exit status reported", "host", host)
	default:
		return e.channelError(conn, err, res)
	}
	return nil
}

// pump streams channel output to the formatter, answering sudo prompts
func (e *Engine) pump(host string, ch ssh.Channel) error {
	buf := make([]byte, 32*1024)
	stdout := ch.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if err := e.feed(host, ch, buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// feed writes chunk to the formatter with every sudo marker in it cut out
// and answered. Output on either side of a marker is kept.
func (e *Engine) feed(host string, ch ssh.Channel, chunk []byte) error {
	for {
		i := sudoPromptIndex(chunk)
		if i < 0 {
			e.write(host, chunk)
			return nil
		}
		e.write(host, chunk[:i])
		if err := e.answerSudo(host, ch); err != nil {
			return err
		}
		chunk = chunk[i+len(SudoMarker):]
	}
}

func (e *Engine) answerSudo(host string, ch ssh.Channel) error {
	password, err := e.passwords.Get()
	if err != nil {
		return fmt.Errorf("reading sudo password: %w", err)
	}
	e.write(host, []byte("\n"))
	if _, err := io.WriteString(ch.Stdin(), password+"\n"); err != nil {
		return fmt.Errorf("sending sudo password: %w", err)
	}
	return nil
}

func (e *Engine) write(host string, data []byte) {
	if len(data) == 0 {
		return
	}
	if err := e.formatter.Write(host, data); err != nil {
		e.logger.Error("failed to write output", "host", host, "error", err.Error())
	}
}

// channelError applies the pool's error policy. A command the remote refused
// to start is always fatal.
func (e *Engine) channelError(conn *session.Connection, err error, res *Result) error {
	if errors.IsType(err, errors.ExecutionErrorType) {
		return err
	}
	// errors the transport already classified keep their type
	connErr := errors.NewConnectionError(conn.Host(), err)
	var ce *errors.ClassifiedError
	if stderrors.As(err, &ce) {
		connErr = ce.WithHost(conn.Host())
	}
	if e.pool.Policy() == session.PolicyRaise {
		return connErr
	}
	e.logger.LogConnectionSkipped(conn.Target, err)
	res.skip(connErr)
	return nil
}

// Result accumulates per-host outcomes of one run
type Result struct {
	mu      sync.Mutex
	max     int
	fatal   error
	skipped *errors.ErrorCollector
}

func newResult() *Result {
	return &Result{skipped: errors.NewErrorCollector()}
}

func (r *Result) record(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code > r.max {
		r.max = code
	}
}

func (r *Result) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *Result) skip(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped.Add(err)
}

// ExitStatus is the maximum exit status recorded, 0 if no host reported one
func (r *Result) ExitStatus() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

// Skipped returns the errors of hosts dropped during the run
func (r *Result) Skipped() *errors.ErrorCollector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func (r *Result) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}
