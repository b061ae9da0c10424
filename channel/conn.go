package channel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-pipeproto/logger"
)

// Conn is the client-role Channel. It dials network/address on Connect and
// reads and writes lines over the resulting net.Conn. Safe for concurrent use,
// although the protocol engines only ever drive it from one goroutine at a time.
type Conn struct {
	identity string
	network  string
	address  string
	opts     Options

	mu    sync.RWMutex
	state State
	conn  net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
}

// NewConn creates an unconnected client-role channel. Providers call this from
// Dial; it is exported for callers that build their own Provider.
//
// Parameters:
//   - identity: Channel name, used for logging and errors
//   - network: "unix" or "tcp"
//   - address: Socket path or host:port to dial
//   - opts: I/O options
//
// Returns:
//   - A new *Conn in Disconnected state
func NewConn(identity, network, address string, opts Options) *Conn {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With(logger.Field{Key: "identity", Value: identity}, logger.Field{Key: "role", Value: "client"})

	return &Conn{
		identity: identity,
		network:  network,
		address:  address,
		opts:     opts,
		state:    Disconnected,
	}
}

// Identity implements Channel.
func (c *Conn) Identity() string { return c.identity }

// Addr implements Channel.
func (c *Conn) Addr() string { return c.address }

// State implements Channel.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected implements Channel.
func (c *Conn) IsConnected() bool {
	return c.State() == Connected
}

// WaitForConnection implements Channel. Client-role channels cannot accept peers.
func (c *Conn) WaitForConnection(ctx context.Context) error {
	return ErrUnsupported
}

// Connect implements Channel. Dial attempts are repeated every
// Options.RetryInterval until one succeeds, the timeout elapses or ctx is done,
// so a client started before its server still connects once the server listens.
func (c *Conn) Connect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connecting:
		c.mu.Unlock()
		return fmt.Errorf("connect to %s: already connecting", c.address)
	}
	c.state = Connecting
	c.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, c.network, c.address)
		if err == nil {
			return c.attach(conn)
		}

		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return fmt.Errorf("connect to %s: %w (last error: %v)", c.address, ctx.Err(), err)
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

func (c *Conn) attach(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		_ = conn.Close()
		return ErrClosed
	}

	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)
	c.state = Connected
	c.opts.Logger.Debug("channel connected", logger.Field{Key: "addr", Value: c.address})
	return nil
}

// ReadLine implements Channel. When Options.ReadTimeout is set, each call is
// limited to that duration.
func (c *Conn) ReadLine() (string, error) {
	c.mu.RLock()
	conn, r := c.conn, c.r
	c.mu.RUnlock()

	if conn == nil {
		return "", c.unavailable()
	}

	if c.opts.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return "", err
		}

		defer func() {
			_ = conn.SetReadDeadline(time.Time{}) // Best effort to clear deadline
		}()
	}

	return readLine(r, c.opts.MaxLineSize)
}

// WriteLine implements Channel.
func (c *Conn) WriteLine(text string) error {
	c.mu.RLock()
	w := c.w
	c.mu.RUnlock()

	if w == nil {
		return c.unavailable()
	}

	if _, err := w.WriteString(text); err != nil {
		return err
	}

	return w.WriteByte('\n')
}

// Flush implements Channel. When Options.WriteTimeout is set, the flush is
// limited to that duration.
func (c *Conn) Flush() error {
	c.mu.RLock()
	conn, w := c.conn, c.w
	c.mu.RUnlock()

	if conn == nil {
		return c.unavailable()
	}

	if c.opts.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	return w.Flush()
}

// Close implements Channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return nil
	}

	c.state = Closed
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	c.w = nil
	return err
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = state
	}
	c.mu.Unlock()
}

func (c *Conn) unavailable() error {
	if c.State() == Closed {
		return ErrClosed
	}

	return ErrNotConnected
}
