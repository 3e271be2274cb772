package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gaswelder/che-sub003/pkg/request"
)

// Kind classifies why a request failed. It decides the status code of the
// error response, or that the connection is dropped without one.
type Kind uint8

const (
	KindNone Kind = iota
	KindParse
	KindHeaderTooLarge
	KindBodyTooLarge
	KindNoHostMatch
	KindNotFound
	KindMethodNotAllowed
	KindUnsupported
	KindCGISpawn
	KindCGIBadOutput
	KindProxyConnect
	KindProxyUpstream
	KindClientTimeout
	KindUpstreamTimeout
	KindInternal
	KindIOWrite
	KindClientGone
)

var kindNames = [...]string{
	KindNone:             "none",
	KindParse:            "parse",
	KindHeaderTooLarge:   "header_too_large",
	KindBodyTooLarge:     "body_too_large",
	KindNoHostMatch:      "no_host_match",
	KindNotFound:         "not_found",
	KindMethodNotAllowed: "method_not_allowed",
	KindUnsupported:      "unsupported",
	KindCGISpawn:         "cgi_spawn",
	KindCGIBadOutput:     "cgi_bad_output",
	KindProxyConnect:     "proxy_connect",
	KindProxyUpstream:    "proxy_upstream",
	KindClientTimeout:    "client_timeout",
	KindUpstreamTimeout:  "upstream_timeout",
	KindInternal:         "internal",
	KindIOWrite:          "io_write",
	KindClientGone:       "client_gone",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Status returns the response status for k, or 0 when the connection is
// closed without a response.
func (k Kind) Status() int {
	switch k {
	case KindParse:
		return http.StatusBadRequest
	case KindHeaderTooLarge:
		return http.StatusRequestHeaderFieldsTooLarge
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindNoHostMatch, KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindUnsupported:
		return http.StatusNotImplemented
	case KindCGISpawn, KindCGIBadOutput, KindProxyConnect, KindProxyUpstream:
		return http.StatusBadGateway
	case KindClientTimeout:
		return http.StatusRequestTimeout
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindInternal:
		return http.StatusInternalServerError
	}
	return 0
}

// Error is a request failure with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Engine errors without an underlying cause.
var (
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrNotRegularFile   = errors.New("not a regular file")
	ErrNoScript         = errors.New("no script on path")
	ErrCGIHeaders       = errors.New("malformed CGI header block")
	ErrCGIEarlyEOF      = errors.New("script output ended before the header block")
	ErrUpstreamEOF      = errors.New("upstream closed without a response")
	ErrIdleTimeout      = errors.New("idle timeout")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
)

// parseErrorKind maps a parser failure to its response class.
func parseErrorKind(err error) Kind {
	switch {
	case errors.Is(err, request.ErrHeaderTooLarge):
		return KindHeaderTooLarge
	case errors.Is(err, request.ErrBodyTooLarge):
		return KindBodyTooLarge
	case errors.Is(err, request.ErrUnsupportedTransferEncoding):
		return KindUnsupported
	}
	return KindParse
}
