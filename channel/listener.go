package channel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-pipeproto/logger"
)

// peer is one accepted connection of a Listener.
type peer struct {
	id   uint32
	conn net.Conn
	w    *bufio.Writer
}

// inbound is a line (or the terminal read error) received from a peer.
type inbound struct {
	peer *peer
	line string
	err  error
}

// Listener is the server-role Channel. It accepts any number of peers in a
// background accept loop and fans their lines into a single stream consumed by
// ReadLine. Once ReadLine hands out a line from a peer, the listener stays
// locked on that peer until Flush completes the exchange; lines from other
// peers wait in arrival order. Replies written with WriteLine go to the locked
// peer.
type Listener struct {
	identity string
	opts     Options
	ln       net.Listener
	nextID   atomic.Uint32

	inbox    chan inbound
	arrivals chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	peers   map[uint32]*peer
	backlog []inbound
	active  *peer
}

// NewListener binds network/address and starts accepting peers.
//
// Parameters:
//   - identity: Channel name, used for logging
//   - network: "unix" or "tcp"
//   - address: Socket path or host:port to bind
//   - opts: I/O options
//
// Returns:
//   - A *Listener in Listening state, or an error if binding fails
func NewListener(identity, network, address string, opts Options) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s %s: %w", network, address, err)
	}

	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With(logger.Field{Key: "identity", Value: identity}, logger.Field{Key: "role", Value: "server"})

	l := &Listener{
		identity: identity,
		opts:     opts,
		ln:       ln,
		inbox:    make(chan inbound),
		arrivals: make(chan struct{}, 1),
		done:     make(chan struct{}),
		peers:    make(map[uint32]*peer),
	}

	l.opts.Logger.Debug("channel listening", logger.Field{Key: "addr", Value: l.Addr()})
	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Identity implements Channel.
func (l *Listener) Identity() string { return l.identity }

// Addr implements Channel.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// State implements Channel.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed:
		return Closed
	case len(l.peers) > 0:
		return Connected
	default:
		return Listening
	}
}

// IsConnected implements Channel.
func (l *Listener) IsConnected() bool {
	return l.State() == Connected
}

// PeerCount returns the number of attached peers.
func (l *Listener) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Connect implements Channel. Listening channels do not dial.
func (l *Listener) Connect(ctx context.Context, timeout time.Duration) error {
	return ErrUnsupported
}

// WaitForConnection implements Channel.
func (l *Listener) WaitForConnection(ctx context.Context) error {
	for {
		switch l.State() {
		case Connected:
			return nil
		case Closed:
			return ErrClosed
		}

		select {
		case <-l.arrivals:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrClosed
		}
	}
}

// ReadLine implements Channel. A peer that hangs up between exchanges is dropped
// silently; a peer that hangs up while the listener is locked on it yields the
// read error.
func (l *Listener) ReadLine() (string, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return "", ErrClosed
		}

		in, ok := l.takeBacklogLocked()
		l.mu.Unlock()

		if !ok {
			select {
			case in = <-l.inbox:
			case <-l.done:
				return "", ErrClosed
			}
		}

		l.mu.Lock()
		if l.active != nil && in.peer != l.active {
			l.backlog = append(l.backlog, in)
			l.mu.Unlock()
			continue
		}

		if in.err != nil {
			wasActive := l.active == in.peer
			l.active = nil
			l.dropPeerLocked(in.peer, in.err)
			l.mu.Unlock()

			if wasActive {
				return "", fmt.Errorf("peer %d: %w", in.peer.id, in.err)
			}

			continue
		}

		l.active = in.peer
		l.mu.Unlock()
		return in.line, nil
	}
}

// takeBacklogLocked pops the next stashed entry: the locked peer's oldest one
// while an exchange is in progress, the overall oldest otherwise.
func (l *Listener) takeBacklogLocked() (inbound, bool) {
	for i, in := range l.backlog {
		if l.active == nil || in.peer == l.active {
			l.backlog = append(l.backlog[:i], l.backlog[i+1:]...)
			return in, true
		}
	}

	return inbound{}, false
}

// WriteLine implements Channel.
func (l *Listener) WriteLine(text string) error {
	p, err := l.replyPeer()
	if err != nil {
		return err
	}

	if _, err := p.w.WriteString(text); err != nil {
		return err
	}

	return p.w.WriteByte('\n')
}

// Flush implements Channel. A completed flush, successful or not, ends the
// exchange and unlocks the listener.
func (l *Listener) Flush() error {
	p, err := l.replyPeer()
	if err != nil {
		return err
	}

	if l.opts.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	}

	err = p.w.Flush()

	l.mu.Lock()
	if l.active == p {
		l.active = nil
	}
	if err != nil {
		l.dropPeerLocked(p, err)
	}
	l.mu.Unlock()

	return err
}

func (l *Listener) replyPeer() (*peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	if l.active == nil {
		return nil, ErrNotConnected
	}

	return l.active, nil
}

// Close implements Channel: it stops accepting, disconnects every peer and waits
// for the listener goroutines to exit. For unix sockets the socket file is removed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		peers := l.peers
		l.peers = make(map[uint32]*peer)
		l.backlog = nil
		l.active = nil
		l.mu.Unlock()

		close(l.done)
		l.closeErr = l.ln.Close()
		for _, p := range peers {
			_ = p.conn.Close()
		}

		l.wg.Wait()
		l.opts.Logger.Debug("channel closed")
	})

	return l.closeErr
}

// acceptLoop runs in a goroutine and registers every accepted connection as a
// peer with its own read loop. It exits when the listener is closed.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}

			l.opts.Logger.Error("accept error", logger.Field{Key: "error", Value: err})
			select {
			case <-l.done:
				return
			case <-time.After(l.opts.RetryInterval):
			}

			continue
		}

		p := &peer{id: l.nextID.Add(1), conn: conn, w: bufio.NewWriter(conn)}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.peers[p.id] = p
		l.wg.Add(1)
		l.mu.Unlock()

		l.opts.Logger.Debug("peer connected", logger.Field{Key: "peer", Value: p.id})
		select {
		case l.arrivals <- struct{}{}:
		default:
		}

		go l.readLoop(p)
	}
}

func (l *Listener) readLoop(p *peer) {
	defer l.wg.Done()

	r := bufio.NewReader(p.conn)
	for {
		line, err := readLine(r, l.opts.MaxLineSize)
		select {
		case l.inbox <- inbound{peer: p, line: line, err: err}:
		case <-l.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// dropPeerLocked disconnects p; caller must hold l.mu. Safe for peers already dropped.
func (l *Listener) dropPeerLocked(p *peer, cause error) {
	if _, ok := l.peers[p.id]; !ok {
		return
	}

	delete(l.peers, p.id)
	_ = p.conn.Close()
	l.opts.Logger.Debug("peer disconnected", logger.Field{Key: "peer", Value: p.id}, logger.Field{Key: "cause", Value: cause.Error()})
}
