package endpoint

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// Backlog is the listen queue length for server sockets.
const Backlog = 10

// Listener is a bound, listening, non-blocking stream socket.
type Listener struct {
	fd   int
	addr netip.AddrPort

	closeOnce sync.Once
	closeErr  error
}

// Listen creates a stream socket for ep, enables address reuse, binds it and
// starts listening. Any failure closes the socket and is returned wrapped
// with the step that failed.
func Listen(ep *Endpoint) (*Listener, error) {
	fd, err := unix.Socket(ep.Domain(), unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	fail := func(step string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%s %s: %w", step, ep, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, ep.Sockaddr()); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		return fail("listen", err)
	}
	// Accept is only called after poll reports readiness, but a connection
	// can vanish in between; never block the loop on it.
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set non-blocking", err)
	}

	l := &Listener{fd: fd}
	if sa, err := unix.Getsockname(fd); err == nil {
		l.addr = AddrPortFromSockaddr(sa)
	} else {
		l.addr = ep.AddrPort()
	}
	return l, nil
}

// FD returns the listening descriptor.
func (l *Listener) FD() int {
	return l.fd
}

// Addr returns the bound address; the port is the real one when the
// endpoint asked for port 0.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Close closes the socket. It is safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = unix.Close(l.fd)
	})
	return l.closeErr
}

// Dial connects a TCP stream to ep.
func Dial(ctx context.Context, ep *Endpoint) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ep, err)
	}
	return conn, nil
}
