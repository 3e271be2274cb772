package engine

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gaswelder/che-sub003/pkg/config"
	"github.com/gaswelder/che-sub003/pkg/request"
	"github.com/gaswelder/che-sub003/pkg/vhost"
)

// State is the position of a connection in its lifecycle.
type State uint8

const (
	StateAccepted State = iota
	StateParsing
	StateHostResolved
	StateServingStatic
	StateServingCGI
	StateServingProxy
	StateFlushing
	StateError
	StateClosed

	numStates
)

var stateNames = [numStates]string{
	StateAccepted:      "accepted",
	StateParsing:       "parsing",
	StateHostResolved:  "host-resolved",
	StateServingStatic: "serving-static",
	StateServingCGI:    "serving-cgi",
	StateServingProxy:  "serving-proxy",
	StateFlushing:      "flushing",
	StateError:         "error",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

const (
	readChunk = 4 << 10
	// highWater is the output backlog above which producers stop being read.
	highWater = 64 << 10
)

const serverSoftware = "webd"

// Conn is the state of one client connection. It is owned by the event loop.
type Conn struct {
	id    string
	h     handle
	fd    int
	peer  netip.AddrPort
	lis   *listener
	state State

	parser *request.Parser
	req    *request.Request
	host   *config.Host
	route  vhost.Route
	routed bool

	in  []byte
	out outBuffer

	// At most one is set, matching state.
	file     *staticFile
	cgi      *cgiProcess
	upstream *upstreamConn

	status          int  // response status, 0 until known
	responseStarted bool // response bytes were queued
	received        int64
	sent            int64
	failure         *Error

	started        time.Time
	lastActive     time.Time // last client read or write
	upstreamActive time.Time // last CGI or upstream progress
}

func newConn(fd int, peer netip.AddrPort, lis *listener, id string, limits request.Limits, now time.Time) *Conn {
	return &Conn{
		id:         id,
		fd:         fd,
		peer:       peer,
		lis:        lis,
		parser:     request.NewParser(limits),
		in:         make([]byte, readChunk),
		started:    now,
		lastActive: now,
	}
}

// setState moves the connection to next. Serving states own exactly their
// resource and every other state owns none; a transition that breaks this
// is a bug in the engine.
func (c *Conn) setState(next State) {
	c.state = next
	if err := c.checkResources(); err != nil {
		panic(fmt.Sprintf("conn %s: %v", c.id, err))
	}
}

func (c *Conn) checkResources() error {
	want := struct{ file, cgi, upstream bool }{}
	switch c.state {
	case StateServingStatic:
		want.file = true
	case StateServingCGI:
		want.cgi = true
	case StateServingProxy:
		want.upstream = true
	}
	if (c.file != nil) != want.file || (c.cgi != nil) != want.cgi || (c.upstream != nil) != want.upstream {
		return fmt.Errorf("state %s with file=%t cgi=%t upstream=%t",
			c.state, c.file != nil, c.cgi != nil, c.upstream != nil)
	}
	return nil
}

func (c *Conn) strategy() string {
	if !c.routed {
		return "none"
	}
	return c.route.Kind.String()
}

// version is the protocol version echoed in responses.
func (c *Conn) version() string {
	if c.req != nil && c.req.Version == "HTTP/1.0" {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// writeHead queues a status line and header block. Date, Server and
// Connection are added unless present in hdrs.
func (c *Conn) writeHead(status int, hdrs []request.Header) {
	c.status = status
	c.responseStarted = true

	b := &c.out
	b.WriteString(c.version())
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(status))
	b.WriteString(" ")
	b.WriteString(reasonPhrase(status))
	b.WriteString("\r\n")

	if _, ok := request.Lookup(hdrs, "Date"); !ok {
		writeField(b, "Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if _, ok := request.Lookup(hdrs, "Server"); !ok {
		writeField(b, "Server", serverSoftware)
	}
	for _, h := range hdrs {
		writeField(b, h.Name, h.Value)
	}
	writeField(b, "Connection", "close")
	b.WriteString("\r\n")
}

func writeField(b *outBuffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

func reasonPhrase(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Status " + strconv.Itoa(status)
}

// writeErrorPage queues a complete error response.
func (c *Conn) writeErrorPage(status int, extra ...request.Header) {
	reason := reasonPhrase(status)
	body := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>\n",
		status, reason, status, reason)
	hdrs := append([]request.Header{
		{Name: "Content-Type", Value: "text/html; charset=utf-8"},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
	}, extra...)
	c.writeHead(status, hdrs)
	if c.req == nil || c.req.Method != "HEAD" {
		c.out.WriteString(body)
	}
}

// outBuffer is a byte queue drained to the client socket.
type outBuffer struct {
	buf []byte
	off int
}

func (b *outBuffer) Len() int { return len(b.buf) - b.off }

// Room is how many more bytes producers may add before the high-water mark.
func (b *outBuffer) Room() int {
	if n := highWater - b.Len(); n > 0 {
		return n
	}
	return 0
}

func (b *outBuffer) Bytes() []byte { return b.buf[b.off:] }

func (b *outBuffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *outBuffer) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

func (b *outBuffer) consume(n int) {
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// fill appends up to max bytes produced by read. It compacts the buffer
// first so steady streaming does not grow it.
func (b *outBuffer) fill(max int, read func([]byte) (int, error)) (int, error) {
	if b.off > 0 {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	if cap(b.buf)-len(b.buf) < max {
		grown := make([]byte, len(b.buf), len(b.buf)+max)
		copy(grown, b.buf)
		b.buf = grown
	}
	n, err := read(b.buf[len(b.buf) : len(b.buf)+max])
	if n > 0 {
		b.buf = b.buf[:len(b.buf)+n]
	}
	return n, err
}

func (b *outBuffer) reset() {
	b.buf = nil
	b.off = 0
}

// readFd reads from a non-blocking descriptor, retrying on EINTR.
func readFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// writeFd writes to a non-blocking descriptor, retrying on EINTR.
func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
