package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gaswelder/che-sub003/internal/poll"
	"github.com/gaswelder/che-sub003/pkg/request"
)

// role says what a watched descriptor is to the loop.
type role uint8

const (
	roleListener role = iota
	roleWake
	roleClient
	roleCGIStdout
	roleCGIStdin
	roleUpstream
)

type fdEntry struct {
	role       role
	conn       handle
	lis        *listener
	interest   poll.Interest
	registered bool
}

func newConnID() string { return uuid.NewString() }

// watch records fd and registers it with the poller when in is not empty.
func (s *Server) watch(fd int, r role, h handle, in poll.Interest) error {
	s.fds[fd] = &fdEntry{role: r, conn: h}
	return s.setInterest(fd, in)
}

// setInterest updates what fd is watched for. A descriptor with no interest
// is removed from the poller so hang-ups on it are not reported.
func (s *Server) setInterest(fd int, in poll.Interest) error {
	e, ok := s.fds[fd]
	if !ok {
		return fmt.Errorf("fd %d is not watched", fd)
	}
	switch {
	case in == 0 && e.registered:
		if err := s.poller.Remove(fd); err != nil {
			return err
		}
		e.registered = false
	case in != 0 && !e.registered:
		if err := s.poller.Add(fd, in); err != nil {
			return err
		}
		e.registered = true
	case in != 0 && in != e.interest:
		if err := s.poller.Modify(fd, in); err != nil {
			return err
		}
	}
	e.interest = in
	return nil
}

// unwatch forgets fd. It must be called before fd is closed.
func (s *Server) unwatch(fd int) {
	e, ok := s.fds[fd]
	if !ok {
		return
	}
	if e.registered && s.poller != nil {
		if err := s.poller.Remove(fd); err != nil {
			s.log.Warn("failed to unwatch descriptor", "fd", fd, "error", err)
		}
	}
	delete(s.fds, fd)
	s.retired[fd] = struct{}{}
}

// dispatch handles one event. Events for a descriptor that was closed earlier
// in the same batch are dropped: the number may already belong to a new
// registration, which level triggering reports again on the next wait.
func (s *Server) dispatch(ev poll.Event) {
	if _, ok := s.retired[ev.Fd]; ok {
		return
	}
	e, ok := s.fds[ev.Fd]
	if !ok {
		return
	}
	switch e.role {
	case roleListener:
		s.accept(e.lis)
	case roleWake:
		var buf [64]byte
		for {
			if n, _ := readFd(s.wakeR, buf[:]); n <= 0 {
				break
			}
		}
	default:
		c, ok := s.conns.get(e.conn)
		if !ok {
			return
		}
		if e.role == roleClient && !s.clientEvent(c, ev) {
			return
		}
		s.advance(c)
	}
}

// clientEvent applies socket conditions that end the connection. It reports
// whether the connection should still be advanced.
func (s *Server) clientEvent(c *Conn, ev poll.Event) bool {
	if ev.Err {
		err := fmt.Errorf("socket error: %w", socketError(c.fd))
		s.abort(c, &Error{Kind: KindClientGone, Err: err})
		return false
	}
	if ev.Hangup && c.relaying() {
		s.abort(c, &Error{Kind: KindClientGone, Err: errors.New("client closed the connection")})
		return false
	}
	return true
}

func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code == 0 {
		return io.ErrUnexpectedEOF
	}
	return unix.Errno(code)
}

// relaying reports whether the response comes from a CGI child or an
// upstream. Those exchanges end when the client hangs up; a static response
// is written out to a half-closed client and only stops on a write error.
func (c *Conn) relaying() bool {
	return c.state == StateServingCGI || c.state == StateServingProxy
}

func (s *Server) accept(l *listener) {
	for i := 0; i < acceptBatch; i++ {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case wouldBlock(err), errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			default:
				s.log.Error("accept failed", "addr", l.addr.String(), "error", err)
			}
			return
		}
		if limit := s.settings.MaxConnections; limit > 0 && s.conns.len() >= limit {
			_ = unix.Close(fd)
			s.log.Warn("connection limit reached, dropping connection", "limit", limit)
			continue
		}

		now := time.Now()
		c := newConn(fd, addrPort(sa), l, s.newID(), s.limits, now)
		c.h = s.conns.insert(c)
		if err := s.watch(fd, roleClient, c.h, 0); err != nil {
			s.conns.remove(c.h)
			_ = unix.Close(fd)
			s.log.Error("failed to watch connection", "error", err)
			continue
		}
		s.metrics.ConnOpened()
		s.log.Debug("connection accepted", "conn", c.id, "remote", c.peer.String())
		s.advance(c)
	}
}

// stepFunc performs whatever work is ready for a connection in one state.
// It never blocks; it returns when it has to wait for readiness.
type stepFunc func(s *Server, c *Conn)

func stepTable() [numStates]stepFunc {
	return [numStates]stepFunc{
		StateAccepted:      (*Server).stepAccepted,
		StateParsing:       (*Server).stepParsing,
		StateHostResolved:  (*Server).stepHostResolved,
		StateServingStatic: (*Server).pumpStatic,
		StateServingCGI:    (*Server).pumpCGI,
		StateServingProxy:  (*Server).pumpProxy,
		StateFlushing:      (*Server).stepDrain,
		StateError:         (*Server).stepDrain,
		StateClosed:        func(*Server, *Conn) {},
	}
}

// advance runs step functions until the connection has to wait, then
// updates its poller interests.
func (s *Server) advance(c *Conn) {
	for c.state != StateClosed {
		before := c.state
		s.steps[c.state](s, c)
		if c.state == StateClosed {
			return
		}
		if err := s.flush(c); err != nil {
			s.abort(c, &Error{Kind: KindIOWrite, Err: err})
			return
		}
		if (c.state == StateFlushing || c.state == StateError) && c.out.Len() == 0 {
			s.finish(c)
			return
		}
		if c.state == before {
			break
		}
	}
	if err := s.updateInterest(c); err != nil {
		s.abort(c, &Error{Kind: KindInternal, Err: err})
	}
}

// flush writes as much queued output as the socket accepts.
func (s *Server) flush(c *Conn) error {
	for c.out.Len() > 0 {
		n, err := writeFd(c.fd, c.out.Bytes())
		if n > 0 {
			c.out.consume(n)
			c.sent += int64(n)
			c.lastActive = time.Now()
		}
		if err != nil {
			if wouldBlock(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Server) updateInterest(c *Conn) error {
	var client poll.Interest
	switch {
	case c.state == StateParsing:
		client = poll.Readable | poll.PeerClosed
	case c.relaying():
		client = poll.PeerClosed
	}
	if c.out.Len() > 0 {
		client |= poll.Writable
	}
	if err := s.setInterest(c.fd, client); err != nil {
		return err
	}

	switch {
	case c.cgi != nil:
		return c.cgi.updateInterest(s, c)
	case c.upstream != nil:
		return c.upstream.updateInterest(s, c)
	}
	return nil
}

func (s *Server) stepAccepted(c *Conn) {
	c.setState(StateParsing)
}

func (s *Server) stepDrain(*Conn) {}

// fail ends the request with the error response for err.Kind. Once response
// bytes were queued the status can no longer change, so the connection is
// dropped instead.
func (s *Server) fail(c *Conn, err *Error, extra ...request.Header) {
	status := err.Kind.Status()
	if c.responseStarted || status == 0 {
		s.abort(c, err)
		return
	}
	s.release(c)
	c.failure = err
	s.metrics.Error(err.Kind.String())
	if status >= 500 {
		s.log.Warn("request failed", "conn", c.id, "kind", err.Kind.String(), "status", status, "error", err.Err)
	} else {
		s.log.Debug("request failed", "conn", c.id, "kind", err.Kind.String(), "status", status, "error", err.Err)
	}
	c.writeErrorPage(status, extra...)
	c.setState(StateError)
}

// abort closes the connection at once without a response.
func (s *Server) abort(c *Conn, err *Error) {
	if c.state == StateClosed {
		return
	}
	c.failure = err
	s.metrics.Error(err.Kind.String())
	if err.Kind == KindClientGone {
		s.log.Debug("connection aborted", "conn", c.id, "state", c.state.String(), "error", err.Err)
	} else {
		s.log.Warn("connection aborted", "conn", c.id, "state", c.state.String(), "kind", err.Kind.String(), "error", err.Err)
	}
	s.release(c)
	c.out.reset()
	s.close(c)
}

// finish closes a connection whose response was fully written. Input the
// request left unread is discarded first so the close does not turn into a
// reset that destroys the response in flight.
func (s *Server) finish(c *Conn) {
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	discardInput(c.fd, lingerBytes)
	s.close(c)
}

// lingerBytes bounds how much unread input finish throws away.
const lingerBytes = 256 << 10

func discardInput(fd int, limit int) {
	var buf [readChunk]byte
	for limit > 0 {
		n, err := readFd(fd, buf[:])
		if err != nil || n <= 0 {
			return
		}
		limit -= n
	}
}

func (s *Server) close(c *Conn) {
	c.setState(StateClosed)
	s.unwatch(c.fd)
	_ = unix.Close(c.fd)
	s.conns.remove(c.h)
	s.metrics.ConnClosed()
	s.logAccess(c)
}

// release frees whatever resource the connection holds in its current state.
func (s *Server) release(c *Conn) {
	if c.file != nil {
		c.file.close()
		c.file = nil
	}
	if c.cgi != nil {
		c.cgi.release(s)
		c.cgi = nil
	}
	if c.upstream != nil {
		c.upstream.close(s)
		c.upstream = nil
	}
}

func (s *Server) logAccess(c *Conn) {
	if c.req == nil && c.status == 0 {
		if c.received > 0 {
			s.log.Debug("connection closed before a complete request", "conn", c.id, "bytes_received", c.received)
		}
		return
	}
	elapsed := time.Since(c.started)
	s.metrics.ObserveRequest(c.strategy(), c.status, elapsed, c.sent)

	attrs := []any{
		"conn", c.id,
		"remote", c.peer.Addr().String(),
		"status", c.status,
		"strategy", c.strategy(),
		"bytes", c.sent,
		"duration", elapsed,
	}
	if c.req != nil {
		attrs = append(attrs, "method", c.req.Method, "path", c.req.Path)
	}
	if c.host != nil {
		attrs = append(attrs, "host", c.host.Name)
	}
	if c.failure != nil {
		attrs = append(attrs, "error", c.failure.Kind.String())
	}
	s.access.Info("request", attrs...)
}

// sweep enforces timeouts.
func (s *Server) sweep(now time.Time) {
	idle, upstream := s.settings.IdleTimeout, s.settings.UpstreamTimeout
	if idle <= 0 && upstream <= 0 {
		return
	}
	for _, h := range s.conns.handles(nil) {
		c, ok := s.conns.get(h)
		if !ok {
			continue
		}
		switch {
		case c.state == StateParsing && idle > 0 && now.Sub(c.lastActive) > idle:
			if c.received == 0 {
				s.abort(c, &Error{Kind: KindClientGone, Err: ErrIdleTimeout})
				continue
			}
			s.fail(c, &Error{Kind: KindClientTimeout, Err: ErrIdleTimeout})
		case (c.state == StateServingCGI || c.state == StateServingProxy) &&
			upstream > 0 && now.Sub(c.upstreamActive) > upstream:
			s.fail(c, &Error{Kind: KindUpstreamTimeout, Err: ErrUpstreamTimeout})
		case c.out.Len() > 0 && idle > 0 && now.Sub(c.lastActive) > idle:
			s.abort(c, &Error{Kind: KindClientGone, Err: fmt.Errorf("client stopped reading: %w", ErrIdleTimeout)})
			continue
		default:
			continue
		}
		s.advance(c)
	}
}
