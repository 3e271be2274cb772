package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gaswelder/che-sub003/internal/poll"
	"github.com/gaswelder/che-sub003/pkg/config"
	"github.com/gaswelder/che-sub003/pkg/logging"
	"github.com/gaswelder/che-sub003/pkg/metrics"
	"github.com/gaswelder/che-sub003/pkg/mimetype"
	"github.com/gaswelder/che-sub003/pkg/request"
	"github.com/gaswelder/che-sub003/pkg/vhost"
)

// ErrServerClosed is returned by Serve and Listen once Serve has returned.
var ErrServerClosed = errors.New("server closed")

const (
	listenBacklog = 1024
	acceptBatch   = 64
	maxSweepEvery = time.Second
	minSweepEvery = 10 * time.Millisecond
)

// Server multiplexes all client connections, CGI pipes and upstream sockets
// on a single goroutine.
type Server struct {
	snap     *config.Snapshot
	settings config.ServerSettings
	limits   request.Limits
	mime     *mimetype.Table
	log      *slog.Logger
	access   *slog.Logger
	metrics  *metrics.Server
	newID    func() string

	mu        sync.Mutex
	listeners []*listener
	closed    bool

	// Owned by the loop goroutine.
	poller   *poll.Poller
	wakeR    int
	wakeW    *os.File
	fds      map[int]*fdEntry
	retired  map[int]struct{} // fds unwatched during the current batch
	conns    slab[*Conn]
	steps    [numStates]stepFunc
	sweepDue time.Time
}

// listener is one bound port and the hosts configured on it.
type listener struct {
	fd       int
	port     int // configured port, possibly 0
	addr     *net.TCPAddr
	resolver *vhost.Resolver
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAccessLogger sets the logger receiving one record per finished
// request. It defaults to the operational logger.
func WithAccessLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.access = log
	}
}

// WithMetrics sets the metric set the server records into.
func WithMetrics(m *metrics.Server) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMIMETable replaces the MIME table built from the snapshot.
func WithMIMETable(t *mimetype.Table) ServerOption {
	return func(s *Server) {
		if t != nil {
			s.mime = t
		}
	}
}

// WithIDGenerator sets the function producing connection ids.
func WithIDGenerator(fn func() string) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewServer creates a server for snap. Nothing is bound until Listen or
// Serve is called.
func NewServer(snap *config.Snapshot, opts ...ServerOption) *Server {
	settings := snap.Settings()
	s := &Server{
		snap:     snap,
		settings: settings,
		limits: request.Limits{
			MaxHeaderBytes: settings.MaxHeaderBytes,
			MaxBodyBytes:   settings.MaxBodyBytes,
		},
		mime:    mimetype.New(snap.MIMETypes()),
		log:     logging.Nop(),
		newID:   newConnID,
		fds:     make(map[int]*fdEntry),
		retired: make(map[int]struct{}),
		wakeR:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.access == nil {
		s.access = s.log
	}
	s.steps = stepTable()
	return s
}

// Listen binds one listener per configured port. It is called by Serve
// when needed; calling it first lets callers learn the bound addresses.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listeners != nil {
		return nil
	}

	bind, err := bindAddr(s.settings.Bind)
	if err != nil {
		return err
	}
	var ls []*listener
	for _, port := range s.snap.Ports() {
		l, err := listenTCP(bind, port)
		if err != nil {
			for _, prev := range ls {
				_ = unix.Close(prev.fd)
			}
			return err
		}
		l.resolver = vhost.NewResolver(s.snap.HostsOn(port))
		ls = append(ls, l)
	}
	s.listeners = ls
	return nil
}

// Addrs returns the bound listener addresses in ascending configured-port
// order. It is empty before Listen.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.addr
	}
	return addrs
}

// Serve runs the event loop until ctx is cancelled, then aborts every live
// connection and closes the listeners. It returns nil after a cancellation
// and an error if the loop itself fails.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer s.shutdown()

	if err := s.setupLoop(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_, _ = s.wakeW.Write([]byte{1})
	})
	defer stop()

	for _, l := range s.listeners {
		s.log.Info("listening", "addr", l.addr.String(), "hosts", len(s.snap.HostsOn(l.port)))
	}

	events := make([]poll.Event, 0, 256)
	for {
		var err error
		events, err = s.poller.Wait(s.sweepInterval(), events[:0])
		if err != nil {
			return fmt.Errorf("event loop: %w", err)
		}
		for _, ev := range events {
			s.dispatch(ev)
		}
		clear(s.retired)
		if ctx.Err() != nil {
			return nil
		}
		if now := time.Now(); !now.Before(s.sweepDue) {
			s.sweep(now)
			s.sweepDue = now.Add(s.sweepInterval())
		}
	}
}

func (s *Server) setupLoop() error {
	p, err := poll.New(256)
	if err != nil {
		return err
	}
	s.poller = p

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("wake pipe: %w", err)
	}
	s.wakeR = fds[0]
	s.wakeW = os.NewFile(uintptr(fds[1]), "wake")
	if err := s.watch(s.wakeR, roleWake, handle{}, poll.Readable); err != nil {
		return err
	}

	for _, l := range s.listeners {
		e := &fdEntry{role: roleListener, lis: l}
		s.fds[l.fd] = e
		if err := s.setInterest(l.fd, poll.Readable); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.mu.Unlock()

	for _, h := range s.conns.handles(nil) {
		if c, ok := s.conns.get(h); ok {
			s.abort(c, &Error{Kind: KindClientGone, Err: ErrServerClosed})
		}
	}
	for _, l := range listeners {
		s.unwatch(l.fd)
		_ = unix.Close(l.fd)
	}
	if s.wakeR >= 0 {
		s.unwatch(s.wakeR)
		_ = unix.Close(s.wakeR)
	}
	if s.wakeW != nil {
		_ = s.wakeW.Close()
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}
	s.log.Info("server stopped")
}

// sweepInterval is how often timeouts are checked.
func (s *Server) sweepInterval() time.Duration {
	every := maxSweepEvery
	for _, d := range []time.Duration{s.settings.IdleTimeout, s.settings.UpstreamTimeout} {
		if d > 0 && d/4 < every {
			every = d / 4
		}
	}
	if every < minSweepEvery {
		every = minSweepEvery
	}
	return every
}

func bindAddr(bind string) (netip.Addr, error) {
	if bind == "" {
		return netip.IPv4Unspecified(), nil
	}
	if a, err := netip.ParseAddr(bind); err == nil {
		return a.Unmap(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", bind)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve bind address %q: %w", bind, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve bind address %q: no addresses", bind)
	}
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}

func listenTCP(bind netip.Addr, port int) (*listener, error) {
	ap := netip.AddrPortFrom(bind, uint16(port))
	fd, err := socketFor(ap)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", ap, err)
	}
	fail := func(op string, err error) (*listener, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen on %s: %s: %w", ap, op, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sockaddr(ap)); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	bound := addrPort(sa)
	return &listener{
		fd:   fd,
		port: port,
		addr: net.TCPAddrFromAddrPort(bound),
	}, nil
}

// socketFor opens a non-blocking TCP socket of ap's family.
func socketFor(ap netip.AddrPort) (int, error) {
	family := unix.AF_INET
	if ap.Addr().Is6() {
		family = unix.AF_INET6
	}
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

func sockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is6() {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
