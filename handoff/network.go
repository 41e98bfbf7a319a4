package handoff

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Listener accepts secondary-link connections
type Listener interface {
	// Addr is the address a peer dials, in the form published on the
	// handoff-address channel
	Addr() string
	Accept() (io.ReadWriteCloser, error)
	Close() error
}

// Network opens the secondary reliable byte stream
type Network interface {
	Listen() (Listener, error)
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// NetNetwork is a Network over the net package: TCP or unix sockets
type NetNetwork struct {
	network    string
	listenAddr string
	socketDir  string
	dialer     net.Dialer
}

// NewTCP listens on listenAddr, "127.0.0.1:0" when empty
func NewTCP(listenAddr string) *NetNetwork {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	return &NetNetwork{
		network:    "tcp",
		listenAddr: listenAddr,
		dialer:     net.Dialer{Timeout: 10 * time.Second},
	}
}

// NewUnix creates one socket per handoff inside dir
func NewUnix(dir string) *NetNetwork {
	return &NetNetwork{
		network:   "unix",
		socketDir: dir,
		dialer:    net.Dialer{Timeout: 10 * time.Second},
	}
}

// NewNetwork builds a network by name: "tcp" or "unix"
func NewNetwork(kind, listenAddr, socketDir string) (*NetNetwork, error) {
	switch kind {
	case "", "tcp":
		return NewTCP(listenAddr), nil
	case "unix":
		if socketDir == "" {
			return nil, fmt.Errorf("unix handoff network needs a socket directory")
		}
		return NewUnix(socketDir), nil
	default:
		return nil, fmt.Errorf("unknown handoff network %q", kind)
	}
}

func (n *NetNetwork) Listen() (Listener, error) {
	addr := n.listenAddr
	if n.network == "unix" {
		addr = filepath.Join(n.socketDir, fmt.Sprintf("handoff-%s.sock", uuid.NewString()[:8]))
	}
	ln, err := net.Listen(n.network, addr)
	if err != nil {
		return nil, err
	}
	return &netListener{ln: ln}, nil
}

func (n *NetNetwork) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	return n.dialer.DialContext(ctx, n.network, address)
}

type netListener struct {
	ln net.Listener
}

func (l *netListener) Addr() string { return l.ln.Addr().String() }

func (l *netListener) Accept() (io.ReadWriteCloser, error) { return l.ln.Accept() }

func (l *netListener) Close() error { return l.ln.Close() }
