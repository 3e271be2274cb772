package engine

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaswelder/che-sub003/pkg/request"
)

func TestKind_Status(t *testing.T) {
	tests := map[Kind]int{
		KindParse:            http.StatusBadRequest,
		KindHeaderTooLarge:   http.StatusRequestHeaderFieldsTooLarge,
		KindBodyTooLarge:     http.StatusRequestEntityTooLarge,
		KindNoHostMatch:      http.StatusNotFound,
		KindNotFound:         http.StatusNotFound,
		KindMethodNotAllowed: http.StatusMethodNotAllowed,
		KindUnsupported:      http.StatusNotImplemented,
		KindCGISpawn:         http.StatusBadGateway,
		KindCGIBadOutput:     http.StatusBadGateway,
		KindProxyConnect:     http.StatusBadGateway,
		KindProxyUpstream:    http.StatusBadGateway,
		KindClientTimeout:    http.StatusRequestTimeout,
		KindUpstreamTimeout:  http.StatusGatewayTimeout,
		KindInternal:         http.StatusInternalServerError,
		KindIOWrite:          0,
		KindClientGone:       0,
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.Status(), kind.String())
	}
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestError_Unwrap(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindCGIBadOutput, Err: ErrCGIEarlyEOF})

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindCGIBadOutput, e.Kind)
	assert.ErrorIs(t, err, ErrCGIEarlyEOF)
	assert.Equal(t, "cgi_bad_output: script output ended before the header block", e.Error())
}

func TestParseErrorKind(t *testing.T) {
	assert.Equal(t, KindHeaderTooLarge, parseErrorKind(request.ErrHeaderTooLarge))
	assert.Equal(t, KindBodyTooLarge, parseErrorKind(fmt.Errorf("%w: 10 bytes", request.ErrBodyTooLarge)))
	assert.Equal(t, KindUnsupported, parseErrorKind(request.ErrUnsupportedTransferEncoding))
	assert.Equal(t, KindParse, parseErrorKind(errors.New("anything else")))
}

func TestConn_SetStateEnforcesResources(t *testing.T) {
	c := &Conn{id: "t"}
	assert.NotPanics(t, func() { c.setState(StateParsing) })
	assert.Panics(t, func() { c.setState(StateServingStatic) }, "serving without a file")

	c = &Conn{id: "t", upstream: &upstreamConn{fd: -1}}
	assert.NotPanics(t, func() { c.setState(StateServingProxy) })
	assert.Panics(t, func() { c.setState(StateFlushing) }, "flushing while holding an upstream")
}

func TestConn_WriteErrorPage(t *testing.T) {
	c := &Conn{req: &request.Request{Method: "GET", Version: "HTTP/1.0"}}
	c.writeErrorPage(http.StatusMethodNotAllowed, request.Header{Name: "Allow", Value: "GET, HEAD"})

	out := string(c.out.Bytes())
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 405 Method Not Allowed\r\n"), out)
	assert.Contains(t, out, "Allow: GET, HEAD\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "<h1>405 Method Not Allowed</h1>")
	assert.Equal(t, 405, c.status)
	assert.True(t, c.responseStarted)

	head := &Conn{req: &request.Request{Method: "HEAD", Version: "HTTP/1.1"}}
	head.writeErrorPage(http.StatusNotFound)
	assert.True(t, strings.HasSuffix(string(head.out.Bytes()), "\r\n\r\n"))
}

func TestConn_WriteHeadKeepsProducerHeaders(t *testing.T) {
	c := &Conn{}
	c.writeHead(599, []request.Header{{Name: "Server", Value: "custom"}})

	out := string(c.out.Bytes())
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 599 Status 599\r\n"), out)
	assert.Equal(t, 1, strings.Count(out, "Server: "))
	assert.Contains(t, out, "Server: custom\r\n")
	assert.Contains(t, out, "Date: ")
}

func TestOutBuffer(t *testing.T) {
	var b outBuffer
	assert.Equal(t, highWater, b.Room())

	b.WriteString("hello ")
	n, err := b.fill(5, strings.NewReader("world!").Read)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello world", string(b.Bytes()))

	b.consume(6)
	assert.Equal(t, "world", string(b.Bytes()))
	assert.Equal(t, highWater-5, b.Room())

	n, err = b.fill(10, strings.NewReader("").Read)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "world", string(b.Bytes()))

	b.consume(5)
	assert.Zero(t, b.Len())

	b.Write(make([]byte, highWater+1))
	assert.Zero(t, b.Room())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "serving-cgi", StateServingCGI.String())
	assert.Equal(t, "State(42)", State(42).String())
}
