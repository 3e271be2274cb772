package request

import (
	"net"
	"strings"
)

// Header is a single header field as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is a fully parsed HTTP request. It is not modified after the
// parser reports StateComplete.
type Request struct {
	Method  string
	URI     string // raw request-target
	Version string

	Path     string // URI without the query
	Query    string
	HasQuery bool   // a '?' was present, even if the query is empty
	Filename string // last segment of Path

	Headers []Header // in arrival order, duplicates preserved
	Body    []byte
}

// Header returns the value of the first header named name, compared
// case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	return Lookup(r.Headers, name)
}

// Values returns every value of the headers named name, in order.
func (r *Request) Values(name string) []string {
	var vals []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Host returns the Host header with any port removed, lowercased and without
// a trailing dot. It returns "" when the header is absent.
func (r *Request) Host() string {
	h, ok := r.Header("Host")
	if !ok {
		return ""
	}
	return NormalizeHost(h)
}

// NormalizeHost strips the port from a Host header value and lowercases it.
func NormalizeHost(h string) string {
	h = strings.TrimSpace(h)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	} else if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return strings.TrimSuffix(strings.ToLower(h), ".")
}

// Lookup finds the first header named name in hs, case-insensitively.
func Lookup(hs []Header, name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// splitURI derives path, query and filename from a request-target.
func splitURI(uri string) (path, query string, hasQuery bool, filename string) {
	path = uri
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		path, query, hasQuery = uri[:i], uri[i+1:], true
	}
	filename = path[strings.LastIndexByte(path, '/')+1:]
	return path, query, hasQuery, filename
}
