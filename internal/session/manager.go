// Package session owns the connection pool for one fleetsh invocation.
package session

import (
	"context"
	"fmt"
	"os/user"
	"sync"

	"golang.org/x/sync/errgroup"

	"fleetsh/internal/errors"
	"fleetsh/internal/logging"
	"fleetsh/internal/prompt"
	"fleetsh/internal/ssh"
	"fleetsh/internal/target"
)

// ErrorPolicy decides what a failed connection does to the pool
type ErrorPolicy string

const (
	// PolicySkip logs the failure and drops the host
	PolicySkip ErrorPolicy = "skip"

	// PolicyRaise aborts pool setup on the first failure
	PolicyRaise ErrorPolicy = "raise"
)

// TargetOptions are connection attributes applied to targets that do not set them
type TargetOptions struct {
	User          string
	Port          int
	IdentityFile  string
	Password      string
	ForwardAgent  bool
	VerifyHostKey bool
}

// Options configures a Manager
type Options struct {
	Defaults    TargetOptions
	Concurrency int         // Maximum simultaneous connection attempts, 0 for unlimited
	OnError     ErrorPolicy // Failed connection handling
	Matched     int         // Records the resolver matched before attribute resolution
	HostConfig  *ssh.HostConfig
}

// Connection is one live connection to a resolved target
type Connection struct {
	Target target.Target
	Client ssh.Client
}

// Host returns the label the connection is known by
func (c *Connection) Host() string {
	return c.Target.Label()
}

// Manager owns the connection pool, gateway routing and error policy
type Manager struct {
	dialer   ssh.Dialer
	prompter prompt.Prompter
	logger   *logging.Logger
	opts     Options

	mu          sync.RWMutex
	pending     []target.Target
	connections []*Connection
	byHost      map[string]*Connection
	labelWidth  int
	skipped     *errors.ErrorCollector
	closed      bool
}

// NewManager creates a Manager that dials through dialer
func NewManager(dialer ssh.Dialer, prompter prompt.Prompter, logger *logging.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.OnError == "" {
		opts.OnError = PolicySkip
	}
	return &Manager{
		dialer:   dialer,
		prompter: prompter,
		logger:   logger,
		opts:     opts,
		byHost:   make(map[string]*Connection),
		skipped:  errors.NewErrorCollector(),
	}
}

// Add registers a target with per-target options. The connection is made by Configure.
func (m *Manager) Add(t target.Target, o TargetOptions) {
	t = m.resolve(t, o)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, t)
	if l := len(t.Label()); l > m.labelWidth {
		m.labelWidth = l
	}
}

// Resolve applies the pool defaults and ssh config to t without connecting
func (m *Manager) Resolve(t target.Target) target.Target {
	return m.resolve(t, m.opts.Defaults)
}

// resolve fills unset connection attributes.
// Precedence: target string > o > ssh config > defaults.
func (m *Manager) resolve(t target.Target, o TargetOptions) target.Target {
	hostOpts := m.opts.HostConfig.Lookup(t.Host)

	if hostOpts.HostName != "" {
		t.Host = hostOpts.HostName
	}
	t.User = firstNonEmpty(t.User, o.User, hostOpts.User, currentUser())
	if t.Port == 0 {
		t.Port = o.Port
	}
	if t.Port == 0 {
		t.Port = hostOpts.Port
	}
	if t.Port == 0 {
		t.Port = target.DefaultPort
	}
	t.IdentityFile = firstNonEmpty(t.IdentityFile, o.IdentityFile, hostOpts.IdentityFile)
	t.Password = firstNonEmpty(t.Password, o.Password)
	t.ForwardAgent = o.ForwardAgent
	if !o.ForwardAgent && hostOpts.ForwardAgent != nil {
		t.ForwardAgent = *hostOpts.ForwardAgent
	}
	t.VerifyHostKey = o.VerifyHostKey

	return t
}

// Via routes subsequent connections through gateway. On an authentication
// failure the operator is prompted once and the connection retried; a second
// failure is returned unmodified.
func (m *Manager) Via(ctx context.Context, gateway target.Target, o TargetOptions) error {
	gateway = m.resolve(gateway, o)

	err := m.dialer.Via(ctx, gateway)
	if err == nil {
		return nil
	}
	if !errors.IsType(err, errors.AuthenticationErrorType) || m.prompter == nil {
		return err
	}

	m.logger.LogGatewayRetry(gateway, err)
	password, perr := m.prompter.Password(fmt.Sprintf("Enter the password for %s@%s: ", gateway.User, gateway.Host))
	if perr != nil {
		return perr
	}
	gateway.Password = password

	return m.dialer.Via(ctx, gateway)
}

// Configure registers targets and connects to all of them, honouring the
// concurrency limit and error policy.
func (m *Manager) Configure(ctx context.Context, targets []target.Target) error {
	if len(targets) == 0 {
		return NoTargets(m.opts.Matched)
	}

	for _, t := range targets {
		m.Add(t, m.opts.Defaults)
	}

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	connected := make([]*Connection, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	if m.opts.Concurrency > 0 {
		g.SetLimit(m.opts.Concurrency)
	}

	var skipMu sync.Mutex
	for i, t := range pending {
		g.Go(func() error {
			client, err := m.dialer.Dial(gctx, t)
			if err != nil {
				connErr := errors.NewConnectionError(t.Label(), err)
				if m.opts.OnError == PolicyRaise {
					return connErr
				}
				m.logger.LogConnectionSkipped(t, err)
				skipMu.Lock()
				m.skipped.Add(connErr)
				skipMu.Unlock()
				return nil
			}
			connected[i] = &Connection{Target: t, Client: client}
			return nil
		})
	}

	err := g.Wait()

	m.mu.Lock()
	for _, c := range connected {
		if c == nil {
			continue
		}
		m.connections = append(m.connections, c)
		m.byHost[c.Host()] = c
	}
	m.mu.Unlock()

	if err != nil {
		_ = m.Close()
		return err
	}
	return nil
}

// NoTargets builds the error for a resolution that produced no usable
// targets, given how many records matched before address resolution
func NoTargets(matched int) error {
	if matched == 0 {
		return errors.NewConfigurationError("no hosts resolved", "Check the query or host list")
	}
	noun := "nodes"
	if matched == 1 {
		noun = "node"
	}
	return errors.NewConfigurationError(
		fmt.Sprintf("%d %s found, but none have the required attribute to establish the connection", matched, noun),
		"Try setting another attribute to open the connection using --attribute")
}

// Connections returns the live connections in registration order
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Connection(nil), m.connections...)
}

// Lookup returns the connection known by host
func (m *Manager) Lookup(host string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byHost[host]
	return c, ok
}

// Select resolves hosts to connections by exact label match, preserving the
// order given. Unknown hosts are returned separately.
func (m *Manager) Select(hosts []string) ([]*Connection, []string) {
	var found []*Connection
	var unknown []string
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if seen[h] {
			continue
		}
		seen[h] = true
		if c, ok := m.Lookup(h); ok {
			found = append(found, c)
		} else {
			unknown = append(unknown, h)
		}
	}
	return found, unknown
}

// LabelWidth returns the length of the longest registered label
func (m *Manager) LabelWidth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labelWidth
}

// Concurrency returns the connection establishment limit, 0 for unlimited
func (m *Manager) Concurrency() int {
	return m.opts.Concurrency
}

// Policy returns the pool's error policy
func (m *Manager) Policy() ErrorPolicy {
	return m.opts.OnError
}

// Skipped returns the collected errors of hosts dropped under PolicySkip
func (m *Manager) Skipped() *errors.ErrorCollector {
	return m.skipped
}

// Close releases every connection and the gateway. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	connections := m.connections
	m.mu.Unlock()

	for _, c := range connections {
		if err := c.Client.Close(); err != nil {
			m.logger.Debug("close failed", "host", c.Host(), "error", err.Error())
		}
	}
	if m.dialer != nil {
		return m.dialer.Close()
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
