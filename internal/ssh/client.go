package ssh

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleetsh/internal/errors"
	"fleetsh/internal/logging"
	"fleetsh/internal/target"
)

// ErrExitMissing is returned by Channel.Wait when the remote closed the
// channel without reporting an exit status.
var ErrExitMissing = stderrors.New("remote did not report an exit status")

// Channel is one pty-backed command execution multiplexed over a connection
type Channel interface {
	// Stdin writes to the remote pty
	Stdin() io.Writer

	// Stdout reads merged pty output until the channel closes
	Stdout() io.Reader

	// Wait blocks until the command completes and returns its exit status
	Wait() (int, error)

	// Close releases the channel
	Close() error
}

// Client defines the interface for an established connection to one target
type Client interface {
	// Start opens a pty channel and starts command on it
	Start(command string) (Channel, error)

	// Close terminates the connection
	Close() error
}

// Dialer establishes connections, optionally through a gateway
type Dialer interface {
	// Dial connects to t, routed through the gateway if one is set
	Dial(ctx context.Context, t target.Target) (Client, error)

	// Via connects to the gateway; subsequent Dial calls hop through it
	Via(ctx context.Context, gateway target.Target) error

	// Close releases the gateway connection, if any
	Close() error
}

// DialerOptions configures SSHDialer
type DialerOptions struct {
	Timeout         time.Duration // Connection and handshake timeout
	KnownHostsFiles []string      // Candidate known_hosts files, missing ones are ignored
	AgentSocket     string        // SSH agent socket, defaults to $SSH_AUTH_SOCK
}

// SSHDialer implements Dialer using golang.org/x/crypto/ssh
type SSHDialer struct {
	opts   DialerOptions
	logger *logging.Logger

	mu      sync.Mutex
	gateway *ssh.Client

	agentOnce sync.Once
	agentConn net.Conn
	keyring   agent.ExtendedAgent
}

// NewDialer creates a new dialer
func NewDialer(opts DialerOptions, logger *logging.Logger) *SSHDialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.KnownHostsFiles == nil {
		opts.KnownHostsFiles = DefaultKnownHostsFiles()
	}
	if opts.AgentSocket == "" {
		opts.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SSHDialer{opts: opts, logger: logger}
}

// DefaultKnownHostsFiles returns the user and system known_hosts locations
func DefaultKnownHostsFiles() []string {
	var files []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(homeDir, ".ssh", "known_hosts"))
	}
	return append(files, "/etc/ssh/ssh_known_hosts")
}

// Via connects to the gateway. Errors are returned unwrapped so callers can
// classify authentication failures.
func (d *SSHDialer) Via(ctx context.Context, gateway target.Target) error {
	startTime := time.Now()

	client, err := d.connect(ctx, nil, gateway)
	if err != nil {
		return err
	}
	d.logger.LogConnection(gateway, time.Since(startTime), false)

	d.mu.Lock()
	previous := d.gateway
	d.gateway = client
	d.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// Dial connects to t, through the gateway when one has been set
func (d *SSHDialer) Dial(ctx context.Context, t target.Target) (Client, error) {
	startTime := time.Now()

	d.mu.Lock()
	gateway := d.gateway
	d.mu.Unlock()

	conn, err := d.connect(ctx, gateway, t)
	if err != nil {
		return nil, err
	}
	d.logger.LogConnection(t, time.Since(startTime), gateway != nil)

	client := &SSHClient{conn: conn, target: t, logger: d.logger}
	if t.ForwardAgent {
		if err := client.enableAgentForwarding(d.opts.AgentSocket); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("agent forwarding: %w", err)
		}
	}
	return client, nil
}

// Close releases the gateway connection and the agent socket
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.agentConn != nil {
		_ = d.agentConn.Close()
		d.agentConn = nil
	}
	if d.gateway == nil {
		return nil
	}
	err := d.gateway.Close()
	d.gateway = nil
	return err
}

// agentClient connects to the agent socket on first use. Every connection
// made by the dialer shares it; nil means no agent is reachable.
func (d *SSHDialer) agentClient() agent.ExtendedAgent {
	d.agentOnce.Do(func() {
		if d.opts.AgentSocket == "" {
			return
		}
		conn, err := net.Dial("unix", d.opts.AgentSocket)
		if err != nil {
			d.logger.Debug("ssh agent unavailable", "error", err.Error())
			return
		}
		d.mu.Lock()
		d.agentConn = conn
		d.mu.Unlock()
		d.keyring = agent.NewClient(conn)
	})
	return d.keyring
}

func (d *SSHDialer) connect(ctx context.Context, via *ssh.Client, t target.Target) (*ssh.Client, error) {
	config, err := d.buildSSHConfig(t)
	if err != nil {
		return nil, fmt.Errorf("failed to build SSH config: %w", err)
	}

	address := t.Address()

	var netConn net.Conn
	if via != nil {
		netConn, err = via.DialContext(ctx, "tcp", address)
	} else {
		dialer := &net.Dialer{Timeout: d.opts.Timeout}
		netConn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	// The handshake itself is not context aware; closing the socket aborts it.
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("SSH handshake failed for %s: %w", address, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// buildSSHConfig creates an SSH client configuration with authentication methods
func (d *SSHDialer) buildSSHConfig(t target.Target) (*ssh.ClientConfig, error) {
	hostKeyCallback, err := d.hostKeyCallback(t)
	if err != nil {
		return nil, err
	}

	authMethods, err := d.authMethods(t)
	if err != nil {
		return nil, fmt.Errorf("failed to set up authentication: %w", err)
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.Timeout,
	}, nil
}

// authMethods returns available authentication methods in order of preference.
// An empty list is allowed: the server's rejection is what drives the
// gateway password retry.
func (d *SSHDialer) authMethods(t target.Target) ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	if ag := d.agentClient(); ag != nil {
		authMethods = append(authMethods, ssh.PublicKeysCallback(ag.Signers))
	}

	if t.IdentityFile != "" {
		keyAuth, err := keyAuth(target.ExpandHome(t.IdentityFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load identity file %s: %w", t.IdentityFile, err)
		}
		authMethods = append(authMethods, keyAuth)
	}

	if t.Password != "" {
		password := t.Password
		authMethods = append(authMethods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	return authMethods, nil
}

func keyAuth(keyPath string) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func (d *SSHDialer) hostKeyCallback(t target.Target) (ssh.HostKeyCallback, error) {
	if !t.VerifyHostKey {
		d.logger.LogConnectionWarning(t.Host, "host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	var files []string
	for _, f := range d.opts.KnownHostsFiles {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, stderrors.New("host key verification requested but no known_hosts file exists " +
			"(add the host keys to ~/.ssh/known_hosts or pass --host-key-verify=false)")
	}

	return knownhosts.New(files...)
}

// SSHClient implements Client over an established *ssh.Client
type SSHClient struct {
	conn         *ssh.Client
	target       target.Target
	logger       *logging.Logger
	forwardAgent bool
	closeOnce    sync.Once
}

func (c *SSHClient) enableAgentForwarding(socket string) error {
	if socket == "" {
		return fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	if err := agent.ForwardToRemote(c.conn, socket); err != nil {
		return err
	}
	c.forwardAgent = true
	return nil
}

// Start opens a session, requests a pty and starts command on it
func (c *SSHClient) Start(command string) (Channel, error) {
	host := c.target.Label()

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, errors.NewConnectionError(host, fmt.Errorf("failed to create session: %w", err))
	}

	if c.forwardAgent {
		if err := agent.RequestAgentForwarding(session); err != nil {
			c.logger.Debug("agent forwarding request refused", "host", host, "error", err.Error())
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 24, 80, modes); err != nil {
		_ = session.Close()
		return nil, errors.NewExecutionError(host, command, fmt.Errorf("request pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, errors.NewExecutionError(host, command, err)
	}

	return &sshChannel{session: session, stdin: stdin, stdout: stdout}, nil
}

// Close terminates the SSH connection
func (c *SSHClient) Close() error {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			c.logger.Debug("SSH connection close error", "error", err, "host", c.target.Host)
		}
	})
	return nil
}

type sshChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (ch *sshChannel) Stdin() io.Writer  { return ch.stdin }
func (ch *sshChannel) Stdout() io.Reader { return ch.stdout }

func (ch *sshChannel) Wait() (int, error) {
	err := ch.session.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	var missingErr *ssh.ExitMissingError
	if stderrors.As(err, &missingErr) {
		return 0, ErrExitMissing
	}

	return 0, err
}

func (ch *sshChannel) Close() error {
	err := ch.session.Close()
	if err != nil && stderrors.Is(err, io.EOF) {
		return nil
	}
	return err
}
