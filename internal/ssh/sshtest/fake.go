// Package sshtest provides in-memory implementations of the ssh transport
// interfaces for exercising the session and execution layers.
package sshtest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"fleetsh/internal/ssh"
	"fleetsh/internal/target"
)

// Script describes how a fake channel behaves for one command
type Script struct {
	Chunks  []string // Output returned by successive reads
	Exit    int      // Exit status reported by Wait
	WaitErr error    // Error reported by Wait instead of a status
}

// Responder maps a started command to the script its channel plays
type Responder func(command string) Script

// Echo is a Responder that prints the command line and exits 0
func Echo(command string) Script {
	return Script{Chunks: []string{command + "\r\n"}}
}

// Dialer is a fake ssh.Dialer keyed by target label
type Dialer struct {
	mu sync.Mutex

	// Respond builds channel scripts for clients created on demand
	Respond Responder

	// Fail maps a target label to the error its Dial returns
	Fail map[string]error

	// GatewayErrs are returned by successive Via calls; nil entries succeed
	GatewayErrs []error

	clients  map[string]*Client
	dialed   []target.Target
	gateways []target.Target
	closed   int
}

// NewDialer creates a dialer whose clients play respond
func NewDialer(respond Responder) *Dialer {
	if respond == nil {
		respond = Echo
	}
	return &Dialer{
		Respond: respond,
		Fail:    make(map[string]error),
		clients: make(map[string]*Client),
	}
}

// Dial returns the client registered for t, creating one if needed
func (d *Dialer) Dial(ctx context.Context, t target.Target) (ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialed = append(d.dialed, t)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := d.Fail[t.Label()]; ok {
		return nil, err
	}
	c, ok := d.clients[t.Label()]
	if !ok {
		c = &Client{Respond: d.Respond}
		d.clients[t.Label()] = c
	}
	return c, nil
}

// Via records the gateway and returns the next scripted gateway error
func (d *Dialer) Via(_ context.Context, gateway target.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gateways = append(d.gateways, gateway)
	if len(d.GatewayErrs) == 0 {
		return nil
	}
	err := d.GatewayErrs[0]
	d.GatewayErrs = d.GatewayErrs[1:]
	return err
}

// Close counts closes
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// SetClient registers c for label
func (d *Dialer) SetClient(label string, c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[label] = c
}

// Client returns the client created for label
func (d *Dialer) Client(label string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[label]
}

// Dialed returns every target passed to Dial
func (d *Dialer) Dialed() []target.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]target.Target(nil), d.dialed...)
}

// Gateways returns every target passed to Via
func (d *Dialer) Gateways() []target.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]target.Target(nil), d.gateways...)
}

// Closed returns how many times Close was called
func (d *Dialer) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Client is a fake ssh.Client
type Client struct {
	Respond  Responder
	StartErr error

	mu       sync.Mutex
	started  []string
	channels []*Channel
	closed   int
}

// Start records command and returns a channel playing its script
func (c *Client) Start(command string) (ssh.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = append(c.started, command)
	if c.StartErr != nil {
		return nil, c.StartErr
	}

	respond := c.Respond
	if respond == nil {
		respond = Echo
	}
	ch := NewChannel(respond(command))
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close counts closes
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// Started returns the commands started on this client
func (c *Client) Started() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.started...)
}

// Channels returns the channels opened on this client
func (c *Client) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Closed returns how many times Close was called
func (c *Client) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel is a fake ssh.Channel whose reads return scripted chunks
type Channel struct {
	script Script

	mu     sync.Mutex
	next   int
	rest   []byte
	stdin  bytes.Buffer
	writes int
	closed bool
}

// NewChannel creates a channel playing script
func NewChannel(script Script) *Channel {
	return &Channel{script: script}
}

// Stdin returns the recorded input writer
func (ch *Channel) Stdin() io.Writer { return stdinWriter{ch} }

// Stdout returns a reader yielding one scripted chunk per read
func (ch *Channel) Stdout() io.Reader { return stdoutReader{ch} }

// Wait returns the scripted exit status
func (ch *Channel) Wait() (int, error) {
	return ch.script.Exit, ch.script.WaitErr
}

// Close marks the channel closed
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

// Input returns everything written to stdin
func (ch *Channel) Input() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stdin.String()
}

// Writes returns the number of writes to stdin
func (ch *Channel) Writes() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.writes
}

type stdinWriter struct{ ch *Channel }

func (w stdinWriter) Write(p []byte) (int, error) {
	w.ch.mu.Lock()
	defer w.ch.mu.Unlock()
	w.ch.writes++
	return w.ch.stdin.Write(p)
}

type stdoutReader struct{ ch *Channel }

func (r stdoutReader) Read(p []byte) (int, error) {
	ch := r.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.rest) == 0 {
		if ch.next >= len(ch.script.Chunks) {
			return 0, io.EOF
		}
		ch.rest = []byte(ch.script.Chunks[ch.next])
		ch.next++
	}
	n := copy(p, ch.rest)
	ch.rest = ch.rest[n:]
	return n, nil
}
