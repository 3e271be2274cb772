package config

import (
	"net/netip"
	"time"
)

// Config is the root structure of a webd configuration file.
type Config struct {
	// Server holds settings shared by every listener.
	Server ServerSettings `json:"server" yaml:"server"`

	// MIMETypes maps file extensions (without the dot) to content types.
	// Entries override the built-in table.
	MIMETypes map[string]string `json:"mimeTypes,omitempty" yaml:"mimeTypes,omitempty"`

	// Hosts lists the virtual hosts. At least one is required.
	Hosts []*Host `json:"hosts" yaml:"hosts"`
}

// ServerSettings configures listeners, timeouts and request limits.
type ServerSettings struct {
	// Bind is the address listeners bind to. Empty means all interfaces.
	Bind string `json:"bind,omitempty" yaml:"bind,omitempty"`

	// IdleTimeout closes connections that make no progress for this long.
	// Zero disables the check.
	IdleTimeout time.Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`

	// UpstreamTimeout bounds a CGI script or proxied upstream exchange.
	// Zero disables the check.
	UpstreamTimeout time.Duration `json:"upstreamTimeout,omitempty" yaml:"upstreamTimeout,omitempty"`

	// MaxHeaderBytes limits the request line plus headers.
	MaxHeaderBytes int `json:"maxHeaderBytes,omitempty" yaml:"maxHeaderBytes,omitempty"`

	// MaxBodyBytes limits the request body.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`

	// MaxConnections caps live connections. Zero means unlimited.
	MaxConnections int `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`
}

// DefaultServerSettings returns the settings used for omitted fields.
func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		IdleTimeout:     60 * time.Second,
		UpstreamTimeout: 30 * time.Second,
		MaxHeaderBytes:  64 << 10,
		MaxBodyBytes:    8 << 20,
	}
}

// Host is one virtual host.
type Host struct {
	// Name is an exact hostname or a glob pattern such as "*.example.net".
	Name string `json:"name" yaml:"name"`

	// Port is the TCP port the host is served on. 0 picks a free port.
	Port int `json:"port" yaml:"port"`

	// Root is the document root.
	Root string `json:"root" yaml:"root"`

	// CGIDir is a directory whose files are executed as CGI scripts.
	// Relative paths are resolved against Root.
	CGIDir string `json:"cgiDir,omitempty" yaml:"cgiDir,omitempty"`

	// Default marks the host that serves requests no other host on the
	// same port matches.
	Default bool `json:"default,omitempty" yaml:"default,omitempty"`

	// Aliases map URL prefixes to directories outside the normal root mapping.
	Aliases []Alias `json:"aliases,omitempty" yaml:"aliases,omitempty"`

	// Proxy forwards URL prefixes to upstream servers.
	Proxy []ProxyRule `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// Alias maps requests under Prefix to the directory Target.
type Alias struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Target string `json:"target" yaml:"target"`
}

// ProxyRule forwards requests under Prefix to Upstream ("host:port").
type ProxyRule struct {
	Prefix   string `json:"prefix" yaml:"prefix"`
	Upstream string `json:"upstream" yaml:"upstream"`

	// addr is resolved once by NewSnapshot.
	addr netip.AddrPort
}

// Addr returns the resolved upstream address. It is only valid on rules
// taken from a Snapshot.
func (r *ProxyRule) Addr() netip.AddrPort { return r.addr }
