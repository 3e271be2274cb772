package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/gaswelder/che-sub003/internal/poll"
	"github.com/gaswelder/che-sub003/pkg/request"
)

// maxCGIHeaderBytes bounds the header block a script may produce.
const maxCGIHeaderBytes = 64 << 10

const defaultCGIPath = "/usr/local/bin:/usr/bin:/bin"

var upper = cases.Upper(language.Und)

// cgiProcess is a running script and the parent ends of its pipes.
type cgiProcess struct {
	cmd    *exec.Cmd
	pid    int
	stdin  int // -1 once closed
	stdout int // -1 once closed
	body   []byte
	exited chan struct{}

	head       []byte
	headerDone bool
}

// locateScript finds the first regular file along the path below dir. The
// segments after it become PATH_INFO.
func locateScript(dir, fsPath string) (script, pathInfo string, err error) {
	rel, err := filepath.Rel(dir, fsPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("%s: %w", fsPath, ErrNoScript)
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	cur := dir
	for i, seg := range segments {
		cur = filepath.Join(cur, seg)
		info, err := os.Stat(cur)
		if err != nil {
			return "", "", err
		}
		if info.Mode().IsRegular() {
			if rest := segments[i+1:]; len(rest) > 0 {
				pathInfo = "/" + strings.Join(rest, "/")
			}
			return cur, pathInfo, nil
		}
		if !info.IsDir() {
			break
		}
	}
	return "", "", fmt.Errorf("%s: %w", fsPath, ErrNoScript)
}

// startCGI spawns the script with its stdin and stdout connected to
// non-blocking pipes watched by the loop.
func (s *Server) startCGI(c *Conn) {
	script, pathInfo, err := locateScript(c.host.CGIDir, c.route.FilePath)
	if err != nil {
		s.fail(c, &Error{Kind: KindNotFound, Err: err})
		return
	}

	p, err := s.spawn(c, script, pathInfo)
	if err != nil {
		s.fail(c, &Error{Kind: KindCGISpawn, Err: err})
		return
	}

	c.cgi = p
	c.upstreamActive = time.Now()
	c.setState(StateServingCGI)
	s.log.Debug("cgi started", "conn", c.id, "script", script, "pid", p.pid)

	if err := s.watch(p.stdout, roleCGIStdout, c.h, 0); err != nil {
		s.fail(c, &Error{Kind: KindInternal, Err: err})
		return
	}
	if p.stdin >= 0 {
		if err := s.watch(p.stdin, roleCGIStdin, c.h, 0); err != nil {
			s.fail(c, &Error{Kind: KindInternal, Err: err})
		}
	}
}

func (s *Server) spawn(c *Conn, script, pathInfo string) (*cgiProcess, error) {
	var in, out [2]int
	if err := unix.Pipe2(in[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := unix.Pipe2(out[:], unix.O_CLOEXEC); err != nil {
		_ = unix.Close(in[0])
		_ = unix.Close(in[1])
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	childIn := os.NewFile(uintptr(in[0]), "cgi-stdin")
	childOut := os.NewFile(uintptr(out[1]), "cgi-stdout")

	cmd := exec.Command(script)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = s.cgiEnv(c, script, pathInfo)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = &stderrLog{log: s.log, conn: c.id, script: script}
	// Own process group so an abort also reaches the script's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err := cmd.Start()
	_ = childIn.Close()
	_ = childOut.Close()
	if err == nil {
		err = unix.SetNonblock(in[1], true)
		if err == nil {
			err = unix.SetNonblock(out[0], true)
		}
		if err != nil {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			go func() { _ = cmd.Wait() }()
		}
	}
	if err != nil {
		_ = unix.Close(in[1])
		_ = unix.Close(out[0])
		return nil, err
	}

	p := &cgiProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  in[1],
		stdout: out[0],
		body:   c.req.Body,
		exited: make(chan struct{}),
	}
	if len(p.body) == 0 {
		_ = unix.Close(p.stdin)
		p.stdin = -1
	}

	s.metrics.CGIStarted()
	m := s.metrics
	go func() {
		_ = cmd.Wait()
		m.CGIReaped()
		close(p.exited)
	}()
	return p, nil
}

// cgiEnv builds the RFC 3875 meta-variables for a request.
func (s *Server) cgiEnv(c *Conn, script, pathInfo string) []string {
	req := c.req
	scriptName := strings.TrimSuffix(c.route.URLPath, "/")
	if pathInfo != "" {
		scriptName = strings.TrimSuffix(scriptName, pathInfo)
	}
	serverName := request.NormalizeHost(hostHeader(req))
	if serverName == "" {
		serverName = c.host.Name
	}
	pathEnv := os.Getenv("PATH")
	if pathEnv == "" {
		pathEnv = defaultCGIPath
	}

	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=" + serverSoftware,
		"SERVER_NAME=" + serverName,
		"SERVER_PORT=" + strconv.Itoa(c.lis.addr.Port),
		"SERVER_PROTOCOL=" + req.Version,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.URI,
		"SCRIPT_NAME=" + scriptName,
		"SCRIPT_FILENAME=" + script,
		"PATH_INFO=" + pathInfo,
		"QUERY_STRING=" + req.Query,
		"REMOTE_ADDR=" + c.peer.Addr().String(),
		"REMOTE_PORT=" + strconv.Itoa(int(c.peer.Port())),
		"DOCUMENT_ROOT=" + c.host.Root,
		"PATH=" + pathEnv,
	}
	if pathInfo != "" {
		env = append(env, "PATH_TRANSLATED="+filepath.Join(c.host.Root, filepath.FromSlash(pathInfo)))
	}
	if len(req.Body) > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(len(req.Body)))
	}
	if ct, ok := req.Header("Content-Type"); ok {
		env = append(env, "CONTENT_TYPE="+ct)
	}

	seen := make(map[string]int)
	for _, h := range req.Headers {
		if strings.EqualFold(h.Name, "Content-Type") || strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		name := "HTTP_" + upper.String(strings.ReplaceAll(h.Name, "-", "_"))
		if i, dup := seen[name]; dup {
			env[i] += ", " + h.Value
			continue
		}
		seen[name] = len(env)
		env = append(env, name+"="+h.Value)
	}
	return env
}

// pumpCGI feeds the request body to the script and relays its output.
func (s *Server) pumpCGI(c *Conn) {
	p := c.cgi

	if p.stdin >= 0 && len(p.body) > 0 {
		n, err := writeFd(p.stdin, p.body)
		p.body = p.body[n:]
		if n > 0 {
			c.upstreamActive = time.Now()
		}
		if err != nil && !wouldBlock(err) {
			// The script stopped reading its input; that is its business.
			s.log.Debug("cgi stdin closed early", "conn", c.id, "error", err)
			p.body = nil
		}
	}
	if p.stdin >= 0 && len(p.body) == 0 {
		p.closeStdin(s)
	}

	for p.stdout >= 0 && c.out.Room() > 0 {
		var n int
		var err error
		if p.headerDone {
			n, err = c.out.fill(min(c.out.Room(), readChunk*8), func(b []byte) (int, error) {
				return readFd(p.stdout, b)
			})
		} else {
			n, err = readFd(p.stdout, c.in)
		}
		if err != nil {
			if wouldBlock(err) {
				return
			}
			s.fail(c, &Error{Kind: KindCGIBadOutput, Err: fmt.Errorf("read script output: %w", err)})
			return
		}
		if n == 0 {
			if !p.headerDone {
				s.fail(c, &Error{Kind: KindCGIBadOutput, Err: ErrCGIEarlyEOF})
				return
			}
			s.release(c)
			c.setState(StateFlushing)
			return
		}
		c.upstreamActive = time.Now()

		if !p.headerDone {
			p.head = append(p.head, c.in[:n]...)
			if err := s.parseCGIHead(c, p); err != nil {
				s.fail(c, &Error{Kind: KindCGIBadOutput, Err: err})
				return
			}
		}
	}
}

// parseCGIHead turns the script's header block into the response head once
// it is complete. Body bytes read along with it are queued after the head.
func (s *Server) parseCGIHead(c *Conn, p *cgiProcess) error {
	var hdrs []request.Header
	buf := p.head
	for {
		line, rest, ok := request.ReadLine(buf)
		if !ok {
			if len(p.head) > maxCGIHeaderBytes {
				return fmt.Errorf("%w: header block exceeds %d bytes", ErrCGIHeaders, maxCGIHeaderBytes)
			}
			return nil
		}
		buf = rest
		if len(line) == 0 {
			break
		}
		h, err := request.ParseHeaderLine(line)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCGIHeaders, err)
		}
		hdrs = append(hdrs, h)
	}

	status, out, err := cgiResponseHead(hdrs)
	if err != nil {
		return err
	}
	p.headerDone = true
	c.writeHead(status, out)
	c.out.Write(buf)
	p.head = nil
	return nil
}

// cgiResponseHead applies the CGI response rules: Status sets the status,
// Location alone means a redirect, anything else is 200.
func cgiResponseHead(hdrs []request.Header) (int, []request.Header, error) {
	status := 0
	location := false
	out := make([]request.Header, 0, len(hdrs))
	for _, h := range hdrs {
		switch {
		case strings.EqualFold(h.Name, "Status"):
			code, err := parseStatus(h.Value)
			if err != nil {
				return 0, nil, err
			}
			status = code
		case strings.EqualFold(h.Name, "Connection"):
		default:
			if strings.EqualFold(h.Name, "Location") {
				location = true
			}
			out = append(out, h)
		}
	}
	switch {
	case status != 0:
	case location:
		status = http.StatusFound
	default:
		status = http.StatusOK
	}
	return status, out, nil
}

// parseStatus reads the code from a "Status: 404 Not Found" value.
func parseStatus(v string) (int, error) {
	v = strings.TrimSpace(v)
	if len(v) > 3 {
		v = v[:3]
	}
	code, err := strconv.Atoi(v)
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("%w: bad Status %q", ErrCGIHeaders, v)
	}
	return code, nil
}

func (p *cgiProcess) updateInterest(s *Server, c *Conn) error {
	if p.stdin >= 0 {
		var in poll.Interest
		if len(p.body) > 0 {
			in = poll.Writable
		}
		if err := s.setInterest(p.stdin, in); err != nil {
			return err
		}
	}
	if p.stdout >= 0 {
		var in poll.Interest
		if c.out.Room() > 0 {
			in = poll.Readable
		}
		if err := s.setInterest(p.stdout, in); err != nil {
			return err
		}
	}
	return nil
}

func (p *cgiProcess) closeStdin(s *Server) {
	if p.stdin < 0 {
		return
	}
	s.unwatch(p.stdin)
	_ = unix.Close(p.stdin)
	p.stdin = -1
}

// release closes the pipes and kills the script if it is still running. The
// waiter goroutine reaps it.
func (p *cgiProcess) release(s *Server) {
	p.closeStdin(s)
	if p.stdout >= 0 {
		s.unwatch(p.stdout)
		_ = unix.Close(p.stdout)
		p.stdout = -1
	}
	select {
	case <-p.exited:
	default:
		if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			s.log.Warn("failed to kill cgi process", "pid", p.pid, "error", err)
		}
	}
}

// stderrLog forwards script stderr to the operational log.
type stderrLog struct {
	log    *slog.Logger
	conn   string
	script string
}

func (w *stderrLog) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		if len(line) > 0 {
			w.log.Warn("cgi stderr", "conn", w.conn, "script", w.script, "line", string(line))
		}
	}
	return len(p), nil
}
