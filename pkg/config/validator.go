package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found,
// joined with errors.Join.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	s := c.Server
	if s.IdleTimeout < 0 {
		add("server.idleTimeout", "must not be negative")
	}
	if s.UpstreamTimeout < 0 {
		add("server.upstreamTimeout", "must not be negative")
	}
	if s.MaxHeaderBytes <= 0 {
		add("server.maxHeaderBytes", "must be positive")
	}
	if s.MaxBodyBytes < 0 {
		add("server.maxBodyBytes", "must not be negative")
	}
	if s.MaxConnections < 0 {
		add("server.maxConnections", "must not be negative")
	}

	for ext, typ := range c.MIMETypes {
		if ext == "" || strings.Contains(ext, "/") {
			add("mimeTypes", "invalid extension %q", ext)
		}
		if !strings.Contains(typ, "/") {
			add("mimeTypes."+ext, "invalid content type %q", typ)
		}
	}

	if len(c.Hosts) == 0 {
		add("hosts", "at least one host is required")
	}

	seen := make(map[string]int)
	defaults := make(map[int]string)
	for i, h := range c.Hosts {
		field := fmt.Sprintf("hosts[%d]", i)
		if h == nil {
			add(field, "host cannot be null")
			continue
		}
		if err := h.Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Field = field + "." + verr.Field
			}
			errs = append(errs, err)
			continue
		}

		key := strings.ToLower(h.Name) + ":" + strconv.Itoa(h.Port)
		if j, dup := seen[key]; dup {
			add(field+".name", "host %q on port %d duplicates hosts[%d]", h.Name, h.Port, j)
		}
		seen[key] = i
		if h.Default {
			if other, dup := defaults[h.Port]; dup {
				add(field+".default", "port %d already has default host %q", h.Port, other)
			}
			defaults[h.Port] = h.Name
		}
	}

	return errors.Join(errs...)
}

// Validate checks a single host. The returned *ValidationError names the
// field relative to the host.
func (h *Host) Validate() error {
	if h.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if strings.ContainsAny(h.Name, "*?[{") && !doublestar.ValidatePattern(h.Name) {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("invalid host pattern %q", h.Name)}
	}
	if h.Port < 0 || h.Port > 65535 {
		return &ValidationError{Field: "port", Message: "port must be between 0 and 65535"}
	}
	if h.Root == "" {
		return &ValidationError{Field: "root", Message: "root is required"}
	}
	for i, a := range h.Aliases {
		if !strings.HasPrefix(a.Prefix, "/") {
			return &ValidationError{Field: fmt.Sprintf("aliases[%d].prefix", i), Message: "prefix must start with /"}
		}
		if a.Target == "" {
			return &ValidationError{Field: fmt.Sprintf("aliases[%d].target", i), Message: "target is required"}
		}
	}
	for i, p := range h.Proxy {
		if !strings.HasPrefix(p.Prefix, "/") {
			return &ValidationError{Field: fmt.Sprintf("proxy[%d].prefix", i), Message: "prefix must start with /"}
		}
		host, port, err := net.SplitHostPort(p.Upstream)
		if err != nil || host == "" {
			return &ValidationError{Field: fmt.Sprintf("proxy[%d].upstream", i), Message: fmt.Sprintf("upstream must be host:port, got %q", p.Upstream)}
		}
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return &ValidationError{Field: fmt.Sprintf("proxy[%d].upstream", i), Message: fmt.Sprintf("invalid upstream port %q", port)}
		}
	}
	return nil
}
