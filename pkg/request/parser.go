package request

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Parse errors. The parser wraps them with the offending input.
var (
	ErrMalformedRequestLine        = errors.New("malformed request line")
	ErrMalformedHeader             = errors.New("malformed header line")
	ErrInvalidContentLength        = errors.New("invalid Content-Length")
	ErrHeaderTooLarge              = errors.New("request header section too large")
	ErrBodyTooLarge                = errors.New("request body too large")
	ErrUnsupportedTransferEncoding = errors.New("transfer encodings are not supported")
)

// State is the parser's position in the request.
type State uint8

const (
	StateRequestLine State = iota
	StateHeaders
	StateBody
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Limits bounds the memory a single request may use.
type Limits struct {
	MaxHeaderBytes int   // request line plus headers, including line endings
	MaxBodyBytes   int64 // largest accepted Content-Length
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 << 10,
		MaxBodyBytes:   8 << 20,
	}
}

// Parser incrementally parses one request. The zero value is not usable;
// create parsers with NewParser.
type Parser struct {
	limits Limits
	state  State
	err    error

	pending     []byte // bytes received but not yet consumed
	headerBytes int
	bodyLen     int64
	sawLength   bool
	req         Request
}

// NewParser returns a parser waiting for a request line.
func NewParser(limits Limits) *Parser {
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultLimits().MaxHeaderBytes
	}
	if limits.MaxBodyBytes < 0 {
		limits.MaxBodyBytes = 0
	}
	return &Parser{limits: limits}
}

// Reset discards all progress so the parser can be used for a new request.
func (p *Parser) Reset() {
	*p = Parser{limits: p.limits}
}

// State returns the current parser state.
func (p *Parser) State() State { return p.state }

// Err returns the reason the parser entered StateError.
func (p *Parser) Err() error { return p.err }

// Request returns the parsed request once the parser is complete, nil before.
func (p *Parser) Request() *Request {
	if p.state != StateComplete {
		return nil
	}
	return &p.req
}

// Buffered reports how many received bytes have not been consumed yet.
func (p *Parser) Buffered() int { return len(p.pending) }

// Feed consumes chunk and advances as far as the available bytes allow.
// Feeding a complete or failed parser does nothing.
func (p *Parser) Feed(chunk []byte) State {
	if p.state == StateComplete || p.state == StateError {
		return p.state
	}
	p.pending = append(p.pending, chunk...)

	for {
		switch p.state {
		case StateRequestLine, StateHeaders:
			line, rest, ok := ReadLine(p.pending)
			if !ok {
				if p.headerBytes+len(p.pending) > p.limits.MaxHeaderBytes {
					return p.fail(ErrHeaderTooLarge)
				}
				return p.state
			}
			p.headerBytes += len(p.pending) - len(rest)
			if p.headerBytes > p.limits.MaxHeaderBytes {
				return p.fail(ErrHeaderTooLarge)
			}
			p.pending = rest
			if p.state == StateRequestLine {
				p.parseRequestLine(line)
			} else {
				p.parseHeaderLine(line)
			}

		case StateBody:
			need := p.bodyLen - int64(len(p.req.Body))
			take := int64(len(p.pending))
			if take > need {
				take = need
			}
			p.req.Body = append(p.req.Body, p.pending[:take]...)
			p.pending = p.pending[take:]
			if int64(len(p.req.Body)) < p.bodyLen {
				return p.state
			}
			p.state = StateComplete

		default:
			return p.state
		}
	}
}

func (p *Parser) fail(err error) State {
	p.state = StateError
	p.err = err
	p.pending = nil
	return p.state
}

func (p *Parser) parseRequestLine(line []byte) {
	s := string(line)
	sp1 := strings.IndexByte(s, ' ')
	if sp1 <= 0 {
		p.fail(fmt.Errorf("%w: %q", ErrMalformedRequestLine, s))
		return
	}
	rest := s[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	if sp2 < 0 {
		p.fail(fmt.Errorf("%w: %q", ErrMalformedRequestLine, s))
		return
	}
	method, uri, version := s[:sp1], rest[:sp2], rest[sp2+1:]
	if !httpguts.ValidHeaderFieldName(method) || uri == "" ||
		!strings.HasPrefix(version, "HTTP/") || strings.ContainsAny(version, " \t") {
		p.fail(fmt.Errorf("%w: %q", ErrMalformedRequestLine, s))
		return
	}

	p.req.Method, p.req.URI, p.req.Version = method, uri, version
	p.req.Path, p.req.Query, p.req.HasQuery, p.req.Filename = splitURI(uri)
	p.state = StateHeaders
}

func (p *Parser) parseHeaderLine(line []byte) {
	if len(line) == 0 {
		p.endHeaders()
		return
	}
	h, err := ParseHeaderLine(line)
	if err != nil {
		p.fail(err)
		return
	}

	switch {
	case strings.EqualFold(h.Name, "Content-Length"):
		n, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
		if err != nil || n < 0 {
			p.fail(fmt.Errorf("%w: %q", ErrInvalidContentLength, h.Value))
			return
		}
		if p.sawLength && n != p.bodyLen {
			p.fail(fmt.Errorf("%w: conflicting values", ErrInvalidContentLength))
			return
		}
		if n > p.limits.MaxBodyBytes {
			p.fail(fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n))
			return
		}
		p.bodyLen, p.sawLength = n, true
	case strings.EqualFold(h.Name, "Transfer-Encoding"):
		p.fail(fmt.Errorf("%w: %q", ErrUnsupportedTransferEncoding, h.Value))
		return
	}
	p.req.Headers = append(p.req.Headers, h)
}

func (p *Parser) endHeaders() {
	if p.bodyLen > 0 && expectsBody(p.req.Method) {
		p.req.Body = make([]byte, 0, p.bodyLen)
		p.state = StateBody
		return
	}
	p.state = StateComplete
}

func expectsBody(method string) bool {
	switch method {
	case "GET", "HEAD", "TRACE":
		return false
	}
	return true
}

// ReadLine splits the first line off buf. The line excludes its "\n" or
// "\r\n" terminator. ok is false when buf holds no complete line yet.
func ReadLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	return bytes.TrimSuffix(buf[:i], []byte{'\r'}), buf[i+1:], true
}

// ParseHeaderLine splits a "Name: value" line at its first colon. Leading
// whitespace is trimmed from the value.
func ParseHeaderLine(line []byte) (Header, error) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return Header{}, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	name := string(line[:i])
	if !httpguts.ValidHeaderFieldName(name) {
		return Header{}, fmt.Errorf("%w: invalid name %q", ErrMalformedHeader, name)
	}
	value := strings.TrimLeft(string(line[i+1:]), " \t")
	return Header{Name: name, Value: value}, nil
}
