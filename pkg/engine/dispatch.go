package engine

import (
	"errors"
	"time"

	"github.com/gaswelder/che-sub003/pkg/request"
	"github.com/gaswelder/che-sub003/pkg/vhost"
)

// stepParsing feeds client bytes to the parser until the request is
// complete, the parser fails, or the socket has nothing more to read.
func (s *Server) stepParsing(c *Conn) {
	for {
		n, err := readFd(c.fd, c.in)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			s.abort(c, &Error{Kind: KindClientGone, Err: err})
			return
		}
		if n == 0 {
			s.abort(c, &Error{Kind: KindClientGone, Err: errors.New("client closed before sending a complete request")})
			return
		}
		c.received += int64(n)
		c.lastActive = time.Now()

		switch c.parser.Feed(c.in[:n]) {
		case request.StateComplete:
			c.req = c.parser.Request()
			s.resolveHost(c)
			return
		case request.StateError:
			err := c.parser.Err()
			s.fail(c, &Error{Kind: parseErrorKind(err), Err: err})
			return
		}
	}
}

func (s *Server) resolveHost(c *Conn) {
	host, err := c.lis.resolver.Resolve(hostHeader(c.req))
	if err != nil {
		s.fail(c, &Error{Kind: KindNoHostMatch, Err: err})
		return
	}
	c.host = host
	c.setState(StateHostResolved)
}

func hostHeader(r *request.Request) string {
	h, _ := r.Header("Host")
	return h
}

// stepHostResolved maps the path to a route and starts its strategy.
func (s *Server) stepHostResolved(c *Conn) {
	route, err := vhost.MapRoute(c.host, c.req.Path)
	if err != nil {
		s.fail(c, &Error{Kind: KindParse, Err: err})
		return
	}
	c.route = route
	c.routed = true

	switch route.Kind {
	case vhost.KindStatic:
		s.startStatic(c)
	case vhost.KindCGI:
		s.startCGI(c)
	case vhost.KindProxy:
		s.startProxy(c)
	}
}
