package engine

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaswelder/che-sub003/pkg/config"
	"github.com/gaswelder/che-sub003/pkg/metrics"
)

func testConfig(hosts ...*config.Host) *config.Config {
	settings := config.DefaultServerSettings()
	settings.Bind = "127.0.0.1"
	return &config.Config{Server: settings, Hosts: hosts}
}

// startServer runs a server for cfg and returns the address of its first
// listener. The server is stopped when the test ends.
func startServer(t *testing.T, cfg *config.Config, opts ...ServerOption) (*Server, string) {
	t.Helper()
	snap, err := config.NewSnapshot(cfg)
	require.NoError(t, err)

	srv := NewServer(snap, opts...)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	addrs := srv.Addrs()
	require.NotEmpty(t, addrs)
	return srv, addrs[0].String()
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

// roundTrip sends raw and returns everything the server wrote before
// closing the connection.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn := dial(t, addr)
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

// do sends raw and parses the response.
func do(t *testing.T, addr, raw string) (*http.Response, string) {
	t.Helper()
	out := roundTrip(t, addr, raw)
	method := strings.SplitN(raw, " ", 2)[0]
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(out)), &http.Request{Method: method})
	require.NoError(t, err, "response: %q", out)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func get(t *testing.T, addr, host, path string) (*http.Response, string) {
	t.Helper()
	return do(t, addr, "GET "+path+" HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
}

func gaugeValue(t *testing.T, g *metrics.Gauge) float64 {
	t.Helper()
	samples := g.Collect()
	if len(samples) == 0 {
		return 0
	}
	return samples[0].Value
}

func TestServer_StaticFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<h1>hi</h1>\n", 0o644)
	_, addr := startServer(t, testConfig(&config.Host{Name: "example.net", Root: root, Default: true}))

	resp, body := get(t, addr, "example.net", "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "12", resp.Header.Get("Content-Length"))
	assert.True(t, resp.Close, "Connection: close")
	assert.Equal(t, "webd", resp.Header.Get("Server"))
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))
	assert.NotEmpty(t, resp.Header.Get("Date"))
	assert.Equal(t, "<h1>hi</h1>\n", body)

	out := roundTrip(t, addr, "HEAD /index.html HTTP/1.0\r\nHost: example.net\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"), out)
	assert.Contains(t, out, "Content-Length: 12\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"), "HEAD must not carry a body: %q", out)
}

func TestServer_StaticLargeFile(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("0123456789abcdef", 256<<10/16*4) // 1 MiB
	writeFile(t, filepath.Join(root, "big.bin"), content, 0o644)
	_, addr := startServer(t, testConfig(&config.Host{Name: "a", Root: root, Default: true}))

	resp, body := get(t, addr, "a", "/big.bin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, len(content), len(body))
	assert.True(t, body == content, "body differs from file")
}

func TestServer_StaticToHalfClosedClient(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("0123456789abcdef", 4<<20/16)
	writeFile(t, filepath.Join(root, "big.bin"), content, 0o644)
	_, addr := startServer(t, testConfig(&config.Host{Name: "a", Root: root, Default: true}))

	conn := dial(t, addr)
	_, err := io.WriteString(conn, "GET /big.bin HTTP/1.0\r\nHost: a\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	// let the server see the half-close while the file is still streaming
	time.Sleep(200 * time.Millisecond)

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, len(content), len(body))
	assert.True(t, string(body) == content, "body differs from the file")
}

func TestServer_StaticErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "file.txt"), "x", 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	_, addr := startServer(t, testConfig(&config.Host{Name: "a", Root: root, Default: true}))

	for _, path := range []string{"/missing.txt", "/dir", "/dir/", "/", "/file.txt/below"} {
		resp, body := get(t, addr, "a", path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Contains(t, body, "404 Not Found", path)
		assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"), path)
	}

	resp, _ := do(t, addr, "DELETE /file.txt HTTP/1.1\r\nHost: a\r\n\r\n")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))

	resp, _ = get(t, addr, "a", "/bad%zzpath")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_NoHostMatch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "ok", 0o644)
	_, addr := startServer(t, testConfig(&config.Host{Name: "known.example", Root: root}))

	resp, body := get(t, addr, "unknown.example", "/index.html")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "404")

	// the server is unaffected
	resp, body = get(t, addr, "known.example:8080", "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, _ = do(t, addr, "GET /index.html HTTP/1.0\r\n\r\n")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no Host header and no default host")
}

func TestServer_VirtualHosts(t *testing.T) {
	exact, wild, def := t.TempDir(), t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(exact, "who"), "exact", 0o644)
	writeFile(t, filepath.Join(wild, "who"), "wildcard", 0o644)
	writeFile(t, filepath.Join(def, "who"), "default", 0o644)
	_, addr := startServer(t, testConfig(
		&config.Host{Name: "www.example.net", Root: exact},
		&config.Host{Name: "*.example.net", Root: wild},
		&config.Host{Name: "fallback", Root: def, Default: true},
	))

	tests := map[string]string{
		"www.example.net":      "exact",
		"WWW.Example.NET.":     "exact",
		"api.example.net:9000": "wildcard",
		"elsewhere.org":        "default",
	}
	for host, want := range tests {
		_, body := get(t, addr, host, "/who")
		assert.Equal(t, want, body, host)
	}
}

func TestServer_Aliases(t *testing.T) {
	root, assets := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(assets, "img", "2.png"), "img", 0o644)
	writeFile(t, filepath.Join(assets, "thumbs", "1.png"), "thumb", 0o644)
	_, addr := startServer(t, testConfig(&config.Host{
		Name: "a", Root: root, Default: true,
		Aliases: []config.Alias{
			{Prefix: "/img", Target: filepath.Join(assets, "img")},
			{Prefix: "/img/thumb", Target: filepath.Join(assets, "thumbs")},
		},
	}))

	resp, body := get(t, addr, "a", "/img/thumb/1.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "thumb", body)

	_, body = get(t, addr, "a", "/img/2.png")
	assert.Equal(t, "img", body)
}

func TestServer_MalformedRequests(t *testing.T) {
	root := t.TempDir()
	_, addr := startServer(t, testConfig(&config.Host{Name: "a", Root: root, Default: true}))

	out := roundTrip(t, addr, "GARBAGE\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n"), out)
	assert.Contains(t, out, "Connection: close\r\n")

	out = roundTrip(t, addr, "GET / HTTP/1.1\r\nBroken header\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 "), out)

	out = roundTrip(t, addr, "POST /x HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 501 "), out)

	out = roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: a\r\nX-Big: "+strings.Repeat("a", 70<<10)+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 431 "), out)

	out = roundTrip(t, addr, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 99999999999\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 413 "), out)
}

func TestServer_ByteAtATime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f.txt"), "slow", 0o644)
	_, addr := startServer(t, testConfig(&config.Host{Name: "a", Root: root, Default: true}))

	conn := dial(t, addr)
	for _, b := range []byte("GET /f.txt HTTP/1.1\r\nHost: a\r\n\r\n") {
		_, err := conn.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(string(data), "\r\n\r\nslow"))
}

func TestServer_IdleTimeout(t *testing.T) {
	cfg := testConfig(&config.Host{Name: "a", Root: t.TempDir(), Default: true})
	cfg.Server.IdleTimeout = 200 * time.Millisecond
	_, addr := startServer(t, cfg)

	out := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost:")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 408 "), out)

	// a connection that never sent anything is closed silently
	conn := dial(t, addr)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestServer_MaxConnections(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.NewServer(reg)
	cfg := testConfig(&config.Host{Name: "a", Root: t.TempDir(), Default: true})
	cfg.Server.MaxConnections = 1
	_, addr := startServer(t, cfg, WithMetrics(m))

	first := dial(t, addr)
	require.Eventually(t, func() bool { return gaugeValue(t, m.ActiveConnections) == 1 },
		5*time.Second, 10*time.Millisecond)

	second := dial(t, addr)
	data, err := io.ReadAll(second)
	assert.Empty(t, data)
	if err != nil {
		assert.ErrorContains(t, err, "reset")
	}

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return gaugeValue(t, m.ActiveConnections) == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestServer_MetricsAndAccessLog(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f.txt"), "hello", 0o644)
	reg := metrics.NewRegistry()
	m := metrics.NewServer(reg)
	_, addr := startServer(t, testConfig(&config.Host{Name: "a", Root: root, Default: true}), WithMetrics(m))

	get(t, addr, "a", "/f.txt")
	get(t, addr, "a", "/missing")

	var buf strings.Builder
	require.Eventually(t, func() bool {
		buf.Reset()
		_, err := reg.WriteTo(&buf)
		require.NoError(t, err)
		return strings.Contains(buf.String(), `webd_requests_total{status="404",strategy="static"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), `webd_requests_total{status="200",strategy="static"} 1`)
	assert.Contains(t, buf.String(), `webd_errors_total{kind="not_found"} 1`)
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	snap, err := config.NewSnapshot(testConfig(&config.Host{Name: "a", Root: t.TempDir(), Default: true}))
	require.NoError(t, err)
	reg := metrics.NewRegistry()
	m := metrics.NewServer(reg)
	srv := NewServer(snap, WithMetrics(m))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn := dial(t, srv.Addrs()[0].String())
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gaugeValue(t, m.ActiveConnections) == 1 },
		5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	data, _ := io.ReadAll(conn)
	assert.Empty(t, data)
	assert.Equal(t, float64(0), gaugeValue(t, m.ActiveConnections))

	assert.ErrorIs(t, srv.Serve(context.Background()), ErrServerClosed)
}

func TestServer_ListenFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	snap, err := config.NewSnapshot(testConfig(&config.Host{Name: "a", Port: port, Root: t.TempDir()}))
	require.NoError(t, err)
	err = NewServer(snap).Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), strconv.Itoa(port))
}
