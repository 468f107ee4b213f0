package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/castellan-ai/castellan/internal/audit"
)

func testProxy(t *testing.T) *Proxy {
	t.Helper()
	log, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	// Every local test connection arrives from loopback; map all registered
	// containers to it.
	p := NewProxy(log, WithResolver(func(string) (string, error) {
		return "127.0.0.1", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func proxyRequest(t *testing.T, p *Proxy, raw string) (net.Conn, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", p.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	return conn, strings.TrimSpace(status)
}

func TestProxyRejectsNonConnect(t *testing.T) {
	p := testProxy(t)
	_, status := proxyRequest(t, p, "GET http://example.com/ HTTP/1.1\r\n\r\n")
	if !strings.Contains(status, "405") {
		t.Errorf("status = %q, want 405", status)
	}
}

func TestProxyRejectsUnregisteredCaller(t *testing.T) {
	p := testProxy(t)
	// Nothing registered, so loopback resolves to no container.
	_, status := proxyRequest(t, p, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	if !strings.Contains(status, "403") {
		t.Errorf("status = %q, want 403", status)
	}
}

func TestProxyRejectsDisallowedHost(t *testing.T) {
	p := testProxy(t)
	p.Register("castellan-mcp-web", []string{"api.github.com"})

	_, status := proxyRequest(t, p, "CONNECT evil.example.com:443 HTTP/1.1\r\n\r\n")
	if !strings.Contains(status, "403") {
		t.Errorf("status = %q, want 403", status)
	}
}

func TestProxyRejectsInternalResolution(t *testing.T) {
	p := testProxy(t)
	p.Register("castellan-mcp-web", []string{"rebinder.example.com"})
	p.lookupIP = func(context.Context, string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.0.0.5")}, nil
	}

	_, status := proxyRequest(t, p, "CONNECT rebinder.example.com:443 HTTP/1.1\r\n\r\n")
	if !strings.Contains(status, "403") {
		t.Errorf("status = %q, want 403", status)
	}
}

func TestProxyRejectsDNSFailure(t *testing.T) {
	p := testProxy(t)
	p.Register("castellan-mcp-web", []string{"gone.example.com"})
	p.lookupIP = func(context.Context, string) ([]net.IP, error) {
		return nil, errors.New("no such host")
	}

	_, status := proxyRequest(t, p, "CONNECT gone.example.com:443 HTTP/1.1\r\n\r\n")
	if !strings.Contains(status, "502") {
		t.Errorf("status = %q, want 502", status)
	}
}

func TestProxyConnectAndSplice(t *testing.T) {
	p := testProxy(t)
	p.Register("castellan-mcp-web", []string{"api.github.com"})
	p.lookupIP = func(context.Context, string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	client, upstream := net.Pipe()
	p.dial = func(addr string) (net.Conn, error) {
		if addr != "93.184.216.34:443" {
			return nil, fmt.Errorf("unexpected dial %s", addr)
		}
		return upstream, nil
	}

	// Upstream echoes one line back, then closes.
	go func() {
		line, _ := bufio.NewReader(client).ReadString('\n')
		io.WriteString(client, "pong: "+line)
		client.Close()
	}()

	conn, status := proxyRequest(t, p, "CONNECT api.github.com:443 HTTP/1.1\r\nHost: api.github.com:443\r\n\r\n")
	if !strings.Contains(status, "200") {
		t.Fatalf("status = %q, want 200", status)
	}
	// Consume the blank line terminating the response headers.
	br := bufio.NewReader(conn)
	br.ReadString('\n')

	if _, err := io.WriteString(conn, "ping\n"); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	reply, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if reply != "pong: ping\n" {
		t.Errorf("reply = %q", reply)
	}
}

func TestProxyForwardsPipelinedBytes(t *testing.T) {
	p := testProxy(t)
	p.Register("castellan-mcp-web", []string{"api.github.com"})
	p.lookupIP = func(context.Context, string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	client, upstream := net.Pipe()
	p.dial = func(string) (net.Conn, error) { return upstream, nil }

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(client).ReadString('\n')
		got <- line
	}()

	// The first tunnel payload rides in the same write as the CONNECT block,
	// so it lands in the proxy's header buffer before the splice starts.
	_, status := proxyRequest(t, p,
		"CONNECT api.github.com:443 HTTP/1.1\r\nHost: api.github.com:443\r\n\r\nhello upstream\n")
	if !strings.Contains(status, "200") {
		t.Fatalf("status = %q, want 200", status)
	}

	select {
	case line := <-got:
		if line != "hello upstream\n" {
			t.Errorf("upstream received %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipelined bytes never reached the upstream")
	}
}

func TestProxyAuditsDecisions(t *testing.T) {
	dir := t.TempDir()
	log, err := audit.NewLogger(dir)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	defer log.Close()

	p := NewProxy(log, WithResolver(func(string) (string, error) {
		return "127.0.0.1", nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Register("castellan-mcp-web", []string{"api.github.com"})

	proxyRequest(t, p, "CONNECT evil.example.com:443 HTTP/1.1\r\n\r\n")

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("no audit file: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(data), "mcp_proxy") || !strings.Contains(string(data), "evil.example.com") {
		t.Errorf("audit log missing proxy event: %s", data)
	}
}

func TestProxyUnregisterDropsCaller(t *testing.T) {
	p := testProxy(t)
	p.Register("castellan-mcp-web", []string{"api.github.com"})

	// Prime the IP cache with a first (denied) request.
	proxyRequest(t, p, "CONNECT nope.example.com:443 HTTP/1.1\r\n\r\n")

	p.Unregister("castellan-mcp-web")
	_, status := proxyRequest(t, p, "CONNECT api.github.com:443 HTTP/1.1\r\n\r\n")
	if !strings.Contains(status, "403") {
		t.Errorf("status after unregister = %q, want 403", status)
	}
}

func TestHostAllowed(t *testing.T) {
	domains := []string{"api.github.com", "*.example.com"}
	cases := []struct {
		host string
		want bool
	}{
		{"api.github.com", true},
		{"sub.api.github.com", true},
		{"github.com", false},
		{"notapi.github.com", false},
		{"cdn.example.com", true},
		{"example.com", true},
		{"badexample.com", false},
	}
	for _, c := range cases {
		if got := hostAllowed(c.host, domains); got != c.want {
			t.Errorf("hostAllowed(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}
