package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"github.com/gaswelder/che-sub003/pkg/request"
)

type staticFile struct {
	f         *os.File
	remaining int64
}

func (f *staticFile) close() {
	_ = f.f.Close()
}

// startStatic opens the routed file and queues the response head.
func (s *Server) startStatic(c *Conn) {
	if c.req.Method != "GET" && c.req.Method != "HEAD" {
		s.fail(c, &Error{Kind: KindMethodNotAllowed, Err: fmt.Errorf("%w: %s", ErrMethodNotAllowed, c.req.Method)},
			request.Header{Name: "Allow", Value: "GET, HEAD"})
		return
	}

	f, info, err := openRegular(c.route.FilePath)
	if err != nil {
		s.fail(c, &Error{Kind: openErrorKind(err), Err: err})
		return
	}

	c.writeHead(http.StatusOK, []request.Header{
		{Name: "Content-Type", Value: s.mime.ForFile(c.route.FilePath)},
		{Name: "Content-Length", Value: strconv.FormatInt(info.Size(), 10)},
		{Name: "Last-Modified", Value: info.ModTime().UTC().Format(http.TimeFormat)},
	})
	if c.req.Method == "HEAD" || info.Size() == 0 {
		_ = f.Close()
		c.setState(StateFlushing)
		return
	}
	c.file = &staticFile{f: f, remaining: info.Size()}
	c.setState(StateServingStatic)
}

func openRegular(name string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%s: %w", name, ErrNotRegularFile)
	}
	return f, info, nil
}

// openErrorKind classifies a failure to open a file for serving.
func openErrorKind(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, ErrNotRegularFile):
		return KindNotFound
	}
	return KindInternal
}

// pumpStatic copies the file into the output buffer while the client keeps
// draining it.
func (s *Server) pumpStatic(c *Conn) {
	sf := c.file
	for {
		if sf.remaining == 0 {
			s.release(c)
			c.setState(StateFlushing)
			return
		}
		if room := c.out.Room(); room > 0 {
			want := int(min(int64(room), sf.remaining, readChunk*8))
			n, err := c.out.fill(want, sf.f.Read)
			sf.remaining -= int64(n)
			if err != nil || n == 0 {
				if err == nil || errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				// Headers are out; all that is left is to end the response early.
				s.log.Error("static file read failed", "conn", c.id, "path", c.route.FilePath, "error", err)
				s.release(c)
				c.setState(StateFlushing)
				return
			}
		}
		if err := s.flush(c); err != nil {
			s.abort(c, &Error{Kind: KindIOWrite, Err: err})
			return
		}
		if c.out.Len() > 0 {
			return
		}
	}
}
