// Package channel provides the duplex, line-oriented byte-stream channels the
// protocol engines run on. A Provider hands out server-role channels (Listen)
// and client-role channels (Dial); unix domain sockets and TCP are supported.
package channel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/cyberinferno/go-pipeproto/logger"
)

var (
	// ErrClosed is returned by operations on a channel that has been closed.
	ErrClosed = errors.New("channel closed")

	// ErrNotConnected is returned when a read or write needs a peer and none is attached.
	ErrNotConnected = errors.New("channel not connected")

	// ErrUnsupported is returned when an operation does not apply to the
	// channel's role, e.g. Connect on a listening channel.
	ErrUnsupported = errors.New("operation not supported for this channel role")

	// ErrLineTooLong is returned when a line exceeds Options.MaxLineSize.
	ErrLineTooLong = errors.New("line exceeds maximum size")
)

// State represents the current state of a channel.
type State int

const (
	Disconnected State = iota // Not connected and not attempting to connect
	Connecting                // Connection attempt in progress
	Connected                 // A peer is attached
	Listening                 // Server role, bound and waiting for peers
	Closed                    // Closed for good
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Listening:
		return "Listening"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Channel is a bidirectional line channel. Server-role channels implement
// WaitForConnection, client-role channels implement Connect; the other one
// returns ErrUnsupported.
type Channel interface {
	// Identity returns the channel name the channel was created for.
	Identity() string

	// Addr returns the address a client has to dial to reach this channel
	// (listening side) or the address dialed (client side).
	Addr() string

	// State returns the current channel state.
	State() State

	// Connect dials the peer. A positive timeout bounds the attempt; otherwise
	// it blocks until connected or ctx is done. No-op when already connected.
	Connect(ctx context.Context, timeout time.Duration) error

	// WaitForConnection blocks until a peer is attached or ctx is done.
	WaitForConnection(ctx context.Context) error

	// IsConnected reports whether a peer is attached.
	IsConnected() bool

	// ReadLine blocks until a full line is available and returns it without
	// the line terminator.
	ReadLine() (string, error)

	// WriteLine buffers text followed by a line terminator.
	WriteLine(text string) error

	// Flush writes buffered lines to the peer.
	Flush() error

	// Close releases the channel. Safe to call multiple times.
	Close() error
}

// Provider creates channels for a given identity.
type Provider interface {
	// Listen opens a server-role channel for identity.
	Listen(identity string) (Channel, error)

	// Dial creates an unconnected client-role channel for identity at address.
	// An empty address selects the provider's default location.
	Dial(identity, address string) (Channel, error)
}

// Options holds I/O settings shared by all providers.
type Options struct {
	// ReadTimeout is the max duration a client-role ReadLine waits; 0 means no timeout.
	ReadTimeout time.Duration
	// WriteTimeout is the max duration for a single flush; 0 means no timeout.
	WriteTimeout time.Duration
	// RetryInterval is the delay between dial attempts while connecting.
	RetryInterval time.Duration
	// MaxLineSize bounds a single line in bytes; 0 disables the check.
	MaxLineSize int
	// Logger receives accept and peer lifecycle events. Nil disables logging.
	Logger logger.Logger
}

// DefaultOptions returns Options with default values: no read timeout, 10s
// write timeout, 50ms retry interval and a 16 MiB line limit.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:   0,
		WriteTimeout:  10 * time.Second,
		RetryInterval: 50 * time.Millisecond,
		MaxLineSize:   16 * 1024 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}

	return o
}

// readLine reads one '\n' terminated line, strips "\n" and a preceding "\r",
// and enforces limit. A final unterminated line before EOF is returned as is.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if limit > 0 && len(buf) > limit+2 {
			return "", ErrLineTooLong
		}

		if err == nil {
			break
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if errors.Is(err, io.EOF) && len(buf) > 0 {
			break
		}

		return "", err
	}

	n := len(buf)
	if n > 0 && buf[n-1] == '\n' {
		n--
		if n > 0 && buf[n-1] == '\r' {
			n--
		}
	}

	return string(buf[:n]), nil
}
