package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  idleTimeout: 10s
  maxConnections: 100
mimeTypes:
  md: text/markdown
hosts:
  - name: example.net
    port: 8080
    root: /srv/example
    cgiDir: cgi-bin
    default: true
    aliases:
      - prefix: /img
        target: /srv/assets/img
    proxy:
      - prefix: /api
        upstream: 127.0.0.1:9000
  - name: "*.example.org"
    port: 8080
    root: /srv/org
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "webd.yaml", validYAML))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 100, cfg.Server.MaxConnections)
	// omitted settings keep their defaults
	assert.Equal(t, DefaultServerSettings().UpstreamTimeout, cfg.Server.UpstreamTimeout)
	assert.Equal(t, DefaultServerSettings().MaxHeaderBytes, cfg.Server.MaxHeaderBytes)

	require.Len(t, cfg.Hosts, 2)
	h := cfg.Hosts[0]
	assert.Equal(t, "example.net", h.Name)
	assert.Equal(t, 8080, h.Port)
	assert.True(t, h.Default)
	assert.Equal(t, []Alias{{Prefix: "/img", Target: "/srv/assets/img"}}, h.Aliases)
	require.Len(t, h.Proxy, 1)
	assert.Equal(t, "127.0.0.1:9000", h.Proxy[0].Upstream)
	assert.Equal(t, "text/markdown", cfg.MIMETypes["md"])
}

func TestLoadFromFile_ValidJSON(t *testing.T) {
	content := `{"server": {"upstreamTimeout": "0s"}, "hosts": [{"name": "localhost", "port": 8081, "root": "/tmp"}]}`
	cfg, err := LoadFromFile(writeConfig(t, "webd.json", content))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Server.UpstreamTimeout)
	assert.Equal(t, "localhost", cfg.Hosts[0].Name)
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/webd.yaml")
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadFromFile_EmptyFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "empty.yaml", "  \n"))
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestLoadFromFile_Directory(t *testing.T) {
	_, err := LoadFromFile(t.TempDir())
	assert.ErrorContains(t, err, "directory")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("hosts: [\n"))
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing hosts", "server: {}\n"},
		{"unknown field", "hosts: [{name: a, root: /tmp, colour: blue}]\n"},
		{"prefix without slash", "hosts: [{name: a, root: /tmp, aliases: [{prefix: img, target: /x}]}]\n"},
		{"bad duration", "server: {idleTimeout: soon}\nhosts: [{name: a, root: /tmp}]\n"},
		{"port out of range", "hosts: [{name: a, root: /tmp, port: 70000}]\n"},
		{"not an object", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			assert.ErrorIs(t, err, ErrSchemaViolation)
		})
	}
}

func TestToYAML_RoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	data, err := ToYAML(cfg)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	_, err = ToYAML(nil)
	assert.Error(t, err)
}
