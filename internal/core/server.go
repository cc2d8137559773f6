package core

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/hasirciogluhq/xcipher/internal/endpoint"
	"github.com/hasirciogluhq/xcipher/internal/logger"
	"github.com/hasirciogluhq/xcipher/internal/registry"
)

const (
	// DefaultReadBufferSize bounds a single read from a client.
	DefaultReadBufferSize = 1023
	// DefaultMaxOutbound bounds reply bytes queued for a slow reader.
	DefaultMaxOutbound = 1 << 20
)

// ErrServerClosed is returned by Serve once the server has been stopped or
// is already serving.
var ErrServerClosed = errors.New("server closed")

var errOutboundOverflow = errors.New("outbound queue limit exceeded")

type state int

const (
	stateIdle state = iota
	stateServing
	stateClosed
)

// Options tunes a Server. Zero values select the defaults.
type Options struct {
	MaxClients     int
	ReadBufferSize int
	MaxOutbound    int
	Logger         *slog.Logger
}

// Server is a single-goroutine, poll(2) driven TCP server. It owns the
// listening socket, the connection registry and a self-pipe used by Stop to
// interrupt the readiness wait.
type Server struct {
	listener *endpoint.Listener
	handler  ConnectionHandler
	conns    *registry.Registry
	log      *slog.Logger

	readBuf     []byte
	maxOutbound int
	pollFDs     []unix.PollFd
	revents     map[int]int16

	mu       sync.Mutex
	state    state
	wakeR    int
	wakeW    int
	wakeSent bool

	ready chan struct{}
	done  chan struct{}

	accepted atomic.Int64
	rejected atomic.Int64
	closed   atomic.Int64
	active   atomic.Int64
	replies  atomic.Int64
}

// NewServer prepares a server on an already listening socket. Serve must be
// called to start the loop.
func NewServer(ln *endpoint.Listener, h ConnectionHandler, opts Options) (*Server, error) {
	if ln == nil {
		return nil, errors.New("listener is required")
	}
	if h == nil {
		return nil, errors.New("connection handler is required")
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.MaxOutbound <= 0 {
		opts.MaxOutbound = DefaultMaxOutbound
	}
	if opts.Logger == nil {
		opts.Logger = logger.With("component", "server")
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("wake pipe: %w", err)
		}
	}

	return &Server{
		listener:    ln,
		handler:     h,
		conns:       registry.New(opts.MaxClients),
		log:         opts.Logger,
		readBuf:     make([]byte, opts.ReadBufferSize),
		maxOutbound: opts.MaxOutbound,
		revents:     make(map[int]int16),
		wakeR:       p[0],
		wakeW:       p[1],
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Ready is closed once the loop is about to wait for the first time.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed after the server has released all of its sockets.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stats returns the current counters. Safe from any goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Closed:   s.closed.Load(),
		Active:   s.active.Load(),
		Replies:  s.replies.Load(),
	}
}

// Stop asks the loop to shut down. It may be called from any goroutine and
// any number of times. A server that was never started releases its sockets
// immediately.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateIdle:
		s.state = stateClosed
		s.listener.Close()
		s.closePipeLocked()
		close(s.done)
	case stateServing:
		if !s.wakeSent {
			s.wakeSent = true
			unix.Write(s.wakeW, []byte{0})
		}
	}
}

// Serve runs the event loop until Stop is called or the readiness wait
// fails. It returns nil after Stop and the wait error otherwise. On return
// every client socket and the listener are closed.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.state = stateServing
	s.mu.Unlock()

	defer s.shutdown()

	s.log.Info("Server listening", "addr", s.Addr(), "max_clients", s.conns.Cap())
	close(s.ready)

	for {
		s.buildPollSet()

		if _, err := unix.Poll(s.pollFDs, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.log.Error("poll failed", "error", err)
			return fmt.Errorf("poll: %w", err)
		}

		if s.pollFDs[1].Revents != 0 {
			s.log.Info("Stop requested")
			return nil
		}

		// The listener is always serviced before client sockets.
		lrev := s.pollFDs[0].Revents
		if lrev&unix.POLLNVAL != 0 {
			s.log.Error("listening socket is no longer valid")
			return fmt.Errorf("poll: listener: %w", unix.EBADF)
		}
		if lrev&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			s.accept()
		}

		s.snapshotReadiness()
		s.serviceClients()
	}
}

// buildPollSet lays out the descriptors for one wait: the listener in slot
// 0, the wake pipe in slot 1, then every registered client.
func (s *Server) buildPollSet() {
	s.pollFDs = s.pollFDs[:0]
	s.pollFDs = append(s.pollFDs,
		unix.PollFd{Fd: int32(s.listener.FD()), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN},
	)
	s.conns.Each(func(_ int, c *registry.Conn) {
		events := int16(unix.POLLIN)
		if c.WantsWrite() {
			events |= unix.POLLOUT
		}
		s.pollFDs = append(s.pollFDs, unix.PollFd{Fd: int32(c.FD), Events: events})
	})
}

// snapshotReadiness records the client results of the last wait by
// descriptor, so the registry can be reshuffled while they are consumed.
func (s *Server) snapshotReadiness() {
	clear(s.revents)
	for _, p := range s.pollFDs[2:] {
		if p.Revents != 0 {
			s.revents[int(p.Fd)] = p.Revents
		}
	}
}

// serviceClients walks the registry by index. Removing a connection moves
// the last slot into the current one, so the same index is examined again;
// the moved connection has not been visited yet in this pass. Connections
// accepted during this iteration have no snapshot entry and wait for the
// next one.
func (s *Server) serviceClients() {
	for i := 0; i < s.conns.Len(); i++ {
		c := s.conns.At(i)
		rev, ok := s.revents[c.FD]
		if !ok {
			continue
		}
		delete(s.revents, c.FD)

		if err := s.service(c, rev); err != nil {
			s.closeConn(i, err)
			i--
		}
	}
}

func (s *Server) accept() {
	nfd, sa, err := unix.Accept(s.listener.FD())
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		s.log.Warn("accept failed", "error", err)
		return
	}
	unix.CloseOnExec(nfd)
	remote := endpoint.AddrPortFromSockaddr(sa).String()

	if err := unix.SetNonblock(nfd, true); err != nil {
		s.log.Warn("failed to set non-blocking mode", "fd", nfd, "remote_addr", remote, "error", err)
		unix.Close(nfd)
		return
	}

	c := &registry.Conn{
		FD:         nfd,
		ID:         uuid.NewString(),
		RemoteAddr: remote,
		Accepted:   time.Now(),
	}
	if _, err := s.conns.Add(c); err != nil {
		s.log.Warn("Too many clients, rejecting", "fd", nfd, "remote_addr", remote, "error", err)
		unix.Close(nfd)
		s.rejected.Add(1)
		return
	}

	s.accepted.Add(1)
	s.active.Store(int64(s.conns.Len()))
	s.log.Info("New client connected", "fd", nfd, "conn_id", c.ID, "remote_addr", remote, "active", s.conns.Len())
}

// service handles one readiness result. A returned error means the
// connection must be closed; io.EOF marks an orderly disconnect.
func (s *Server) service(c *registry.Conn, rev int16) error {
	if rev&unix.POLLNVAL != 0 {
		return fmt.Errorf("poll: %w", unix.EBADF)
	}

	if rev&unix.POLLOUT != 0 && c.WantsWrite() {
		if err := s.flush(c); err != nil {
			return err
		}
	}

	if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return nil
	}

	n, err := unix.Read(c.FD, s.readBuf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return io.EOF
	}

	replies, herr := s.handler.HandleData(c, s.readBuf[:n])
	for _, reply := range replies {
		if err := s.send(c, reply); err != nil {
			return err
		}
		s.replies.Add(1)
		s.log.Debug("Sent reply", "fd", c.FD, "conn_id", c.ID, "bytes", len(reply))
	}
	return herr
}

// send writes data without blocking. Whatever the socket does not take is
// queued and POLLOUT is requested for the connection on the next wait.
func (s *Server) send(c *registry.Conn, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if c.WantsWrite() {
		return s.enqueue(c, data)
	}

	n, err := unix.Write(c.FD, data)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("write: %w", err)
		}
		n = 0
	}
	if n < len(data) {
		return s.enqueue(c, data[n:])
	}
	return nil
}

func (s *Server) enqueue(c *registry.Conn, data []byte) error {
	if len(c.Outbound)+len(data) > s.maxOutbound {
		return errOutboundOverflow
	}
	c.Outbound = append(c.Outbound, data...)
	return nil
}

func (s *Server) flush(c *registry.Conn) error {
	n, err := unix.Write(c.FD, c.Outbound)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("write: %w", err)
	}
	c.Outbound = c.Outbound[n:]
	if len(c.Outbound) == 0 {
		c.Outbound = nil
	}
	return nil
}

func (s *Server) closeConn(slot int, reason error) {
	c := s.conns.Remove(slot)
	unix.Close(c.FD)
	s.closed.Add(1)
	s.active.Store(int64(s.conns.Len()))

	attrs := []any{"fd", c.FD, "conn_id", c.ID, "remote_addr", c.RemoteAddr, "active", s.conns.Len()}
	if errors.Is(reason, io.EOF) {
		s.log.Info("Client disconnected", attrs...)
		return
	}
	s.log.Warn("Closing client connection", append(attrs, "error", reason)...)
}

// shutdown closes every client socket and the listener. Partial frames and
// queued replies are discarded.
func (s *Server) shutdown() {
	for _, c := range s.conns.Drain() {
		unix.Close(c.FD)
		s.closed.Add(1)
	}
	s.active.Store(0)
	s.listener.Close()

	s.mu.Lock()
	s.state = stateClosed
	s.closePipeLocked()
	s.mu.Unlock()

	s.log.Info("Server stopped")
	close(s.done)
}

func (s *Server) closePipeLocked() {
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}
