package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: DefaultServerSettings(),
		Hosts: []*Host{
			{Name: "example.net", Port: 8080, Root: "/srv/www", Default: true},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("no hosts", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts = nil
		assert.ErrorContains(t, cfg.Validate(), "at least one host")
	})

	t.Run("duplicate host on same port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts = append(cfg.Hosts, &Host{Name: "EXAMPLE.net", Port: 8080, Root: "/x"})
		assert.ErrorContains(t, cfg.Validate(), "duplicates")
	})

	t.Run("same name on another port is fine", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts = append(cfg.Hosts, &Host{Name: "example.net", Port: 8081, Root: "/x", Default: true})
		assert.NoError(t, cfg.Validate())
	})

	t.Run("two defaults on one port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts = append(cfg.Hosts, &Host{Name: "other", Port: 8080, Root: "/x", Default: true})
		assert.ErrorContains(t, cfg.Validate(), "already has default host")
	})

	t.Run("bad upstream", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts[0].Proxy = []ProxyRule{{Prefix: "/api", Upstream: "no-port"}}
		err := cfg.Validate()
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "hosts[0].proxy[0].upstream", verr.Field)
	})

	t.Run("bad pattern", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts[0].Name = "[a-.example.net"
		assert.ErrorContains(t, cfg.Validate(), "invalid host pattern")
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.MaxHeaderBytes = 0
		cfg.Server.IdleTimeout = -1
		cfg.Hosts[0].Root = ""
		err := cfg.Validate()
		assert.ErrorContains(t, err, "maxHeaderBytes")
		assert.ErrorContains(t, err, "idleTimeout")
		assert.ErrorContains(t, err, "root is required")
	})
}
