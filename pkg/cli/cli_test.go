package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaswelder/che-sub003/pkg/config"
)

// execute runs the root command with args and returns its stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		jsonOutput = false
		validateShowResolved = false
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidate_Text(t *testing.T) {
	path := writeConfig(t, `
hosts:
  - name: example.net
    port: 8080
    root: /srv/www
    default: true
    proxy:
      - {prefix: /api, upstream: "127.0.0.1:9000"}
  - name: other.net
    port: 8081
    root: /srv/other
`)
	stdout, stderr, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration is valid.")
	assert.Contains(t, stdout, "example.net (default)")
	assert.Contains(t, stdout, "/api -> 127.0.0.1:9000 (127.0.0.1:9000)")
	assert.Contains(t, stderr, "port 8081 has no default host")
}

func TestValidate_JSON(t *testing.T) {
	path := writeConfig(t, `
hosts:
  - {name: a.example, root: /srv/a, default: true, cgiDir: cgi-bin}
`)
	stdout, _, err := execute(t, "validate", "-c", path, "--json")
	require.NoError(t, err)

	var out ValidateOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.True(t, out.Valid)
	require.Len(t, out.Ports, 1)
	assert.Equal(t, 0, out.Ports[0].Port)
	require.Len(t, out.Ports[0].Hosts, 1)
	h := out.Ports[0].Hosts[0]
	assert.Equal(t, "a.example", h.Name)
	assert.Equal(t, "/srv/a/cgi-bin", h.CGIDir)
	assert.True(t, h.Default)
}

func TestValidate_Invalid(t *testing.T) {
	path := writeConfig(t, `
hosts:
  - {name: a, root: /srv/a, port: 70000}
`)
	_, _, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, config.ErrSchemaViolation)
}

func TestVersion_JSON(t *testing.T) {
	stdout, _, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var out VersionOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.NotEmpty(t, out.Version)
	assert.NotEmpty(t, out.Go)
	assert.Equal(t, "linux", out.OS)
}

func TestApplyServeOverrides(t *testing.T) {
	newCmd := func() (*cobra.Command, *serveFlags) {
		f := &serveFlags{}
		cmd := &cobra.Command{Use: "serve"}
		cmd.Flags().StringVar(&f.bind, "bind", "", "")
		cmd.Flags().DurationVar(&f.idleTimeout, "idle-timeout", 0, "")
		cmd.Flags().DurationVar(&f.upstreamTimeout, "upstream-timeout", 0, "")
		cmd.Flags().IntVar(&f.maxConnections, "max-connections", 0, "")
		return cmd, f
	}

	cmd, f := newCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--bind", "127.0.0.1", "--idle-timeout", "5s", "--max-connections", "0"}))
	cfg := &config.Config{Server: config.DefaultServerSettings()}
	cfg.Server.MaxConnections = 100
	applyServeOverrides(cmd, f, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
	assert.Equal(t, 5*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.UpstreamTimeout, "unset flags keep file values")
	assert.Equal(t, 0, cfg.Server.MaxConnections, "explicit zero overrides")
}

func TestComputeConfigHash(t *testing.T) {
	a := &config.Config{Hosts: []*config.Host{{Name: "a", Root: "/srv"}}}
	b := &config.Config{Hosts: []*config.Host{{Name: "b", Root: "/srv"}}}

	assert.Equal(t, computeConfigHash(a), computeConfigHash(a))
	assert.NotEqual(t, computeConfigHash(a), computeConfigHash(b))
	assert.Regexp(t, `^sha256:[0-9a-f]{16}$`, computeConfigHash(a))
}
