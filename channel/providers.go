package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// UnixProvider provides channels over unix domain sockets, the local stand-in
// for OS named pipes. The socket for identity lives at Dir/<identity>.sock.
type UnixProvider struct {
	Dir     string
	Options Options
}

// NewUnixProvider returns a UnixProvider rooted at dir with DefaultOptions.
// An empty dir selects os.TempDir().
func NewUnixProvider(dir string) *UnixProvider {
	if dir == "" {
		dir = os.TempDir()
	}

	return &UnixProvider{Dir: dir, Options: DefaultOptions()}
}

// SocketPath returns the socket file path for identity inside dir.
func SocketPath(dir, identity string) string {
	return filepath.Join(dir, identity+".sock")
}

// Listen implements Provider. A stale socket file left behind by a crashed
// server is removed before binding.
func (p *UnixProvider) Listen(identity string) (Channel, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	path := SocketPath(p.Dir, identity)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	return NewListener(identity, "unix", path, p.Options)
}

// Dial implements Provider. A non-empty address is either a socket file path
// (as returned by a Listener's Addr) or a directory holding <identity>.sock.
func (p *UnixProvider) Dial(identity, address string) (Channel, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	path := SocketPath(p.Dir, identity)
	switch {
	case strings.HasSuffix(address, ".sock"):
		path = address
	case address != "" && address != ".":
		path = SocketPath(address, identity)
	}

	return NewConn(identity, "unix", path, p.Options), nil
}

// TCPProvider provides channels over TCP. Servers bind ListenAddr; clients dial
// the address they are given.
type TCPProvider struct {
	ListenAddr string
	Options    Options
}

// NewTCPProvider returns a TCPProvider binding listenAddr with DefaultOptions.
// An empty listenAddr selects an ephemeral loopback port.
func NewTCPProvider(listenAddr string) *TCPProvider {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	return &TCPProvider{ListenAddr: listenAddr, Options: DefaultOptions()}
}

// Listen implements Provider.
func (p *TCPProvider) Listen(identity string) (Channel, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	return NewListener(identity, "tcp", p.ListenAddr, p.Options)
}

// Dial implements Provider. An empty address dials ListenAddr.
func (p *TCPProvider) Dial(identity, address string) (Channel, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}

	if address == "" {
		address = p.ListenAddr
	}

	return NewConn(identity, "tcp", address, p.Options), nil
}

func validIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return errors.New("channel identity must not be empty")
	}

	if strings.ContainsAny(identity, `/\`) {
		return fmt.Errorf("channel identity %q must not contain path separators", identity)
	}

	return nil
}
