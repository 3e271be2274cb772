// Package vhost selects the virtual host for a request and maps the request
// path to a response strategy.
package vhost

import (
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gaswelder/che-sub003/pkg/config"
	"github.com/gaswelder/che-sub003/pkg/request"
)

// Resolution errors.
var (
	ErrNoHostMatch = errors.New("no host matches request")
	ErrBadPath     = errors.New("undecodable request path")
)

// Resolver matches requests against the hosts of one listening port.
// It is immutable and safe to share.
type Resolver struct {
	exact    map[string]*config.Host
	patterns []*config.Host
	def      *config.Host
}

// NewResolver indexes hosts. Names containing glob metacharacters are
// treated as patterns and tried in order after exact names.
func NewResolver(hosts []*config.Host) *Resolver {
	r := &Resolver{exact: make(map[string]*config.Host, len(hosts))}
	for _, h := range hosts {
		name := strings.ToLower(h.Name)
		if strings.ContainsAny(name, "*?[{") {
			r.patterns = append(r.patterns, h)
		} else if _, dup := r.exact[name]; !dup {
			r.exact[name] = h
		}
		if h.Default && r.def == nil {
			r.def = h
		}
	}
	return r
}

// Resolve returns the host for a Host header value. An exact name wins,
// then the first matching pattern, then the default host. An empty header
// goes straight to the default host.
func (r *Resolver) Resolve(hostHeader string) (*config.Host, error) {
	name := request.NormalizeHost(hostHeader)
	if name != "" {
		if h, ok := r.exact[name]; ok {
			return h, nil
		}
		for _, h := range r.patterns {
			if ok, _ := doublestar.Match(h.Name, name); ok {
				return h, nil
			}
		}
	}
	if r.def != nil {
		return r.def, nil
	}
	return nil, ErrNoHostMatch
}

// Kind is the response strategy of a route.
type Kind uint8

const (
	KindStatic Kind = iota
	KindCGI
	KindProxy
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindCGI:
		return "cgi"
	case KindProxy:
		return "proxy"
	}
	return "unknown"
}

// Route is where a request path leads on a host.
type Route struct {
	Kind Kind

	// URLPath is the decoded, cleaned request path.
	URLPath string

	// FilePath is the filesystem path for static and CGI routes.
	FilePath string

	// Proxy is the matched rule and UpstreamPath the path to request from
	// it, for proxy routes.
	Proxy        *config.ProxyRule
	UpstreamPath string
}

// MapRoute maps a raw request path on host. Proxy rules are consulted first,
// then aliases, then the document root. Within each list the longest
// matching prefix wins.
func MapRoute(host *config.Host, rawPath string) (Route, error) {
	decoded, err := url.PathUnescape(rawPath)
	if err != nil || strings.IndexByte(decoded, 0) >= 0 {
		return Route{}, ErrBadPath
	}
	clean := path.Clean("/" + decoded)
	if strings.HasSuffix(decoded, "/") && clean != "/" {
		clean += "/"
	}

	if rule, rest, ok := matchProxy(host, clean, rawPath); ok {
		return Route{Kind: KindProxy, URLPath: clean, Proxy: rule, UpstreamPath: rest}, nil
	}

	fsPath := MapPath(host, clean)
	kind := KindStatic
	if host.CGIDir != "" && within(host.CGIDir, fsPath) {
		kind = KindCGI
	}
	return Route{Kind: kind, URLPath: clean, FilePath: fsPath}, nil
}

// MapPath turns a cleaned URL path into a filesystem path using the host's
// longest matching alias, or its document root when no alias matches.
func MapPath(host *config.Host, urlPath string) string {
	var best *config.Alias
	for i := range host.Aliases {
		a := &host.Aliases[i]
		if hasPathPrefix(urlPath, a.Prefix) && (best == nil || len(a.Prefix) > len(best.Prefix)) {
			best = a
		}
	}
	if best == nil {
		return filepath.Join(host.Root, filepath.FromSlash(urlPath))
	}
	rest := strings.TrimPrefix(urlPath, best.Prefix)
	return filepath.Join(best.Target, filepath.FromSlash(rest))
}

func matchProxy(host *config.Host, clean, raw string) (*config.ProxyRule, string, bool) {
	var best *config.ProxyRule
	for i := range host.Proxy {
		p := &host.Proxy[i]
		if hasPathPrefix(clean, p.Prefix) && (best == nil || len(p.Prefix) > len(best.Prefix)) {
			best = p
		}
	}
	if best == nil {
		return nil, "", false
	}
	// Forward the raw (still encoded) remainder when the raw path carries the
	// prefix verbatim, so the upstream sees the client's encoding.
	rest := strings.TrimPrefix(clean, best.Prefix)
	if hasPathPrefix(raw, best.Prefix) {
		rest = strings.TrimPrefix(raw, best.Prefix)
	}
	if best.Prefix == "/" {
		rest = strings.TrimPrefix(rest, "/")
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return best, rest, true
}

// hasPathPrefix reports whether p equals prefix or continues it with a new
// path segment.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
