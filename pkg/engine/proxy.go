package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gaswelder/che-sub003/internal/poll"
)

// hopHeaders are not forwarded; the upstream always sees Connection: close.
var hopHeaders = []string{"Connection", "Proxy-Connection", "Keep-Alive", "X-Forwarded-For"}

// upstreamConn is a non-blocking connection to a proxy upstream.
type upstreamConn struct {
	fd         int
	connecting bool
	pending    []byte // request bytes not yet written
	received   int64
}

// startProxy begins a non-blocking connect to the rule's upstream.
func (s *Server) startProxy(c *Conn) {
	addr := c.route.Proxy.Addr()
	fd, err := socketFor(addr)
	if err != nil {
		s.fail(c, &Error{Kind: KindProxyConnect, Err: fmt.Errorf("socket: %w", err)})
		return
	}
	connecting := false
	if err := unix.Connect(fd, sockaddr(addr)); err != nil {
		if !errors.Is(err, unix.EINPROGRESS) {
			_ = unix.Close(fd)
			s.fail(c, &Error{Kind: KindProxyConnect, Err: fmt.Errorf("connect %s: %w", addr, err)})
			return
		}
		connecting = true
	}

	c.upstream = &upstreamConn{
		fd:         fd,
		connecting: connecting,
		pending:    buildProxyRequest(c),
	}
	c.upstreamActive = time.Now()
	c.setState(StateServingProxy)
	if err := s.watch(fd, roleUpstream, c.h, 0); err != nil {
		s.fail(c, &Error{Kind: KindInternal, Err: err})
	}
}

// buildProxyRequest renders the request as the upstream receives it: the
// matched prefix is stripped, the query kept, and the connection is made
// close-delimited.
func buildProxyRequest(c *Conn) []byte {
	req := c.req
	target := c.route.UpstreamPath
	if req.HasQuery {
		target += "?" + req.Query
	}

	var b bytes.Buffer
	b.Grow(256 + len(req.Body))
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, target, req.Version)
	for _, h := range req.Headers {
		if isHopHeader(h.Name) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}

	forwarded := c.peer.Addr().String()
	if prior := req.Values("X-Forwarded-For"); len(prior) > 0 {
		forwarded = strings.Join(prior, ", ") + ", " + forwarded
	}
	fmt.Fprintf(&b, "X-Forwarded-For: %s\r\n", forwarded)
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(req.Body)
	return b.Bytes()
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// pumpProxy completes the connect, sends the request and relays the
// upstream's bytes to the client unmodified.
func (s *Server) pumpProxy(c *Conn) {
	up := c.upstream

	if up.connecting {
		done, err := up.checkConnect()
		if err != nil {
			s.fail(c, &Error{Kind: KindProxyConnect, Err: fmt.Errorf("connect %s: %w", c.route.Proxy.Upstream, err)})
			return
		}
		if !done {
			return
		}
		up.connecting = false
		c.upstreamActive = time.Now()
	}

	for len(up.pending) > 0 {
		n, err := writeFd(up.fd, up.pending)
		up.pending = up.pending[n:]
		if n > 0 {
			c.upstreamActive = time.Now()
		}
		if err != nil {
			if wouldBlock(err) {
				break
			}
			s.fail(c, &Error{Kind: KindProxyUpstream, Err: fmt.Errorf("send request: %w", err)})
			return
		}
	}

	for c.out.Room() > 0 {
		n, err := c.out.fill(min(c.out.Room(), readChunk*8), func(b []byte) (int, error) {
			return readFd(up.fd, b)
		})
		if err != nil {
			if wouldBlock(err) {
				return
			}
			s.upstreamFailed(c, fmt.Errorf("read response: %w", err))
			return
		}
		if n == 0 {
			if up.received == 0 {
				s.fail(c, &Error{Kind: KindProxyUpstream, Err: ErrUpstreamEOF})
				return
			}
			s.release(c)
			c.setState(StateFlushing)
			return
		}
		if up.received == 0 {
			c.responseStarted = true
			c.status = sniffStatus(c.out.Bytes())
		}
		up.received += int64(n)
		c.upstreamActive = time.Now()
	}
}

// upstreamFailed ends a proxied request after an upstream error. Before any
// bytes reached the client this is a 502; afterwards the client connection
// is cut short.
func (s *Server) upstreamFailed(c *Conn, err error) {
	if c.responseStarted {
		s.log.Error("upstream failed mid-response", "conn", c.id, "upstream", c.route.Proxy.Upstream,
			"bytes_relayed", c.upstream.received, "error", err)
	}
	s.fail(c, &Error{Kind: KindProxyUpstream, Err: err})
}

// checkConnect reports whether a non-blocking connect has finished.
func (up *upstreamConn) checkConnect() (bool, error) {
	code, err := unix.GetsockoptInt(up.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, err
	}
	if code != 0 {
		return false, unix.Errno(code)
	}
	if _, err := unix.Getpeername(up.fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (up *upstreamConn) updateInterest(s *Server, c *Conn) error {
	var in poll.Interest
	switch {
	case up.connecting:
		in = poll.Writable
	default:
		if len(up.pending) > 0 {
			in |= poll.Writable
		}
		if c.out.Room() > 0 {
			in |= poll.Readable
		}
	}
	return s.setInterest(up.fd, in)
}

func (up *upstreamConn) close(s *Server) {
	s.unwatch(up.fd)
	_ = unix.Close(up.fd)
}

// sniffStatus extracts the status code from the start of a relayed response
// for logging. It returns 0 if the status line is not there yet.
func sniffStatus(b []byte) int {
	// "HTTP/1.1 200"
	if len(b) < 12 || !bytes.HasPrefix(b, []byte("HTTP/")) {
		return 0
	}
	sp := bytes.IndexByte(b, ' ')
	if sp < 0 || len(b) < sp+4 {
		return 0
	}
	code := 0
	for _, ch := range b[sp+1 : sp+4] {
		if ch < '0' || ch > '9' {
			return 0
		}
		code = code*10 + int(ch-'0')
	}
	return code
}
