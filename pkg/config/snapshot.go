package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUpstreamUnresolvable is returned when a proxy upstream host cannot be
// resolved while building a snapshot.
var ErrUpstreamUnresolvable = errors.New("cannot resolve proxy upstream")

// resolveTimeout bounds upstream name lookups at load time.
const resolveTimeout = 5 * time.Second

// Snapshot is the compiled, read-only form of a Config. Paths are absolute,
// host names are lowercase, prefixes are cleaned and proxy upstreams are
// resolved. A Snapshot is never modified after NewSnapshot returns, so it can
// be shared without locking.
type Snapshot struct {
	settings  ServerSettings
	mimeTypes map[string]string
	hosts     []*Host
	byPort    map[int][]*Host
	ports     []int
}

// NewSnapshot validates cfg and compiles it. cfg itself is not retained.
func NewSnapshot(cfg *Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	s := &Snapshot{
		settings:  cfg.Server,
		mimeTypes: make(map[string]string, len(cfg.MIMETypes)),
		byPort:    make(map[int][]*Host),
	}
	for ext, typ := range cfg.MIMETypes {
		s.mimeTypes[strings.ToLower(strings.TrimPrefix(ext, "."))] = typ
	}

	for _, h := range cfg.Hosts {
		compiled, err := compileHost(h)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", h.Name, err)
		}
		s.hosts = append(s.hosts, compiled)
		if _, ok := s.byPort[compiled.Port]; !ok {
			s.ports = append(s.ports, compiled.Port)
		}
		s.byPort[compiled.Port] = append(s.byPort[compiled.Port], compiled)
	}
	sort.Ints(s.ports)
	return s, nil
}

// Settings returns the server settings.
func (s *Snapshot) Settings() ServerSettings { return s.settings }

// Ports returns the distinct configured ports in ascending order.
func (s *Snapshot) Ports() []int {
	return append([]int(nil), s.ports...)
}

// HostsOn returns the hosts served on port, in configuration order.
// Callers must not modify the returned hosts.
func (s *Snapshot) HostsOn(port int) []*Host {
	return s.byPort[port]
}

// Hosts returns every host in configuration order.
func (s *Snapshot) Hosts() []*Host {
	return append([]*Host(nil), s.hosts...)
}

// MIMETypes returns a copy of the configured extension overrides.
func (s *Snapshot) MIMETypes() map[string]string {
	out := make(map[string]string, len(s.mimeTypes))
	for k, v := range s.mimeTypes {
		out[k] = v
	}
	return out
}

func compileHost(h *Host) (*Host, error) {
	root, err := filepath.Abs(h.Root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	out := &Host{
		Name:    strings.TrimSuffix(strings.ToLower(h.Name), "."),
		Port:    h.Port,
		Root:    root,
		Default: h.Default,
	}
	if h.CGIDir != "" {
		out.CGIDir = underRoot(root, h.CGIDir)
	}
	for _, a := range h.Aliases {
		out.Aliases = append(out.Aliases, Alias{
			Prefix: cleanPrefix(a.Prefix),
			Target: underRoot(root, a.Target),
		})
	}
	for _, p := range h.Proxy {
		addr, err := resolveUpstream(p.Upstream)
		if err != nil {
			return nil, err
		}
		out.Proxy = append(out.Proxy, ProxyRule{
			Prefix:   cleanPrefix(p.Prefix),
			Upstream: p.Upstream,
			addr:     addr,
		})
	}
	return out, nil
}

// underRoot makes p absolute, resolving relative paths against root.
func underRoot(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// cleanPrefix normalizes a URL prefix: cleaned, leading slash, no trailing
// slash except for "/" itself.
func cleanPrefix(p string) string {
	return path.Clean("/" + p)
}

func resolveUpstream(upstream string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(upstream)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w %q: %v", ErrUpstreamUnresolvable, upstream, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w %q: invalid port", ErrUpstreamUnresolvable, upstream)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w %q: %v", ErrUpstreamUnresolvable, upstream, err)
	}
	best := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			best = ip
			break
		}
	}
	return netip.AddrPortFrom(best.Unmap(), uint16(port)), nil
}
