package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castellan-ai/castellan/internal/audit"
)

const (
	proxyDialTimeout = 10 * time.Second
	proxyReadLimit   = 8 << 10 // request line + headers
)

// Proxy is the egress gate for network-enabled containers. It speaks only
// HTTP CONNECT; each registered container gets a hostname allow-list, and
// everything else is refused. Container iptables force all outbound traffic
// through here, so the allow-list is a per-server domain firewall.
type Proxy struct {
	auditLog *audit.Logger
	addr     string
	resolve  func(containerName string) (string, error)
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
	dial     func(addr string) (net.Conn, error)

	ln net.Listener

	mu     sync.Mutex
	byName map[string][]string // container name -> allowed hosts
	byIP   map[string]string   // resolved container IP -> container name
}

type ProxyOption func(*Proxy)

// WithListenAddr overrides the listen address (default localhost, OS port).
func WithListenAddr(addr string) ProxyOption {
	return func(p *Proxy) { p.addr = addr }
}

// WithResolver substitutes the container-name-to-IP lookup (tests).
func WithResolver(fn func(string) (string, error)) ProxyOption {
	return func(p *Proxy) { p.resolve = fn }
}

func NewProxy(auditLog *audit.Logger, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		auditLog: auditLog,
		addr:     "127.0.0.1:0",
		resolve:  dockerContainerIP,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, proxyDialTimeout)
		},
		byName: make(map[string][]string),
		byIP:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register stores a container's hostname allow-list. Safe to call before the
// container exists; the IP is resolved lazily on its first CONNECT.
func (p *Proxy) Register(containerName string, allowedDomains []string) {
	normalized := make([]string, 0, len(allowedDomains))
	for _, d := range allowedDomains {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(d)))
	}

	p.mu.Lock()
	p.byName[containerName] = normalized
	p.mu.Unlock()
	slog.Debug("mcp.proxy.registered", "container", containerName, "domains", normalized)
}

// Unregister drops a container's allow-list and any cached IP mapping.
func (p *Proxy) Unregister(containerName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byName, containerName)
	for ip, name := range p.byIP {
		if name == containerName {
			delete(p.byIP, ip)
		}
	}
}

// Start begins accepting connections. Addr() reports the bound address.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	p.ln = ln
	slog.Info("mcp.proxy.listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go p.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listen address, "" before Start.
func (p *Proxy) Addr() string {
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("mcp.proxy.accept_error", "error", err)
			continue
		}
		go p.handle(ctx, conn)
	}
}

func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	callerIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}

	br := bufio.NewReaderSize(io.LimitReader(conn, proxyReadLimit), 4096)
	requestLine, err := br.ReadString('\n')
	if err != nil {
		return
	}

	method, target, ok := parseRequestLine(requestLine)
	if !ok || method != "CONNECT" {
		p.deny(conn, callerIP, target, "405 Method Not Allowed", "method "+method)
		return
	}

	// Drain headers up to the blank line; CONNECT carries no body.
	for {
		line, err := br.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		p.deny(conn, callerIP, target, "400 Bad Request", "malformed target")
		return
	}
	host = strings.ToLower(host)

	caller, domains, found := p.lookupCaller(callerIP)
	if !found {
		p.deny(conn, callerIP, target, "403 Forbidden", "unregistered caller")
		return
	}
	if !hostAllowed(host, domains) {
		p.denyAs(conn, caller, target, "403 Forbidden", "host not in allow-list")
		return
	}

	ips, err := p.lookupIP(ctx, host)
	if err != nil || len(ips) == 0 {
		p.denyAs(conn, caller, target, "502 Bad Gateway", "dns resolution failed")
		return
	}
	dst := ips[0]
	// Re-check after resolution so an allowed name cannot point back inside.
	if dst.IsLoopback() || dst.IsPrivate() || dst.IsLinkLocalUnicast() {
		p.denyAs(conn, caller, target, "403 Forbidden", "resolves to internal address")
		return
	}

	upstream, err := p.dial(net.JoinHostPort(dst.String(), port))
	if err != nil {
		p.denyAs(conn, caller, target, "502 Bad Gateway", "dial failed")
		return
	}
	defer upstream.Close()

	p.auditLog.Log(audit.EventMCPProxy, "", map[string]any{
		"caller": caller, "target": target, "allowed": true,
	})

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	// Bytes the client pipelined behind the CONNECT block are sitting in the
	// buffered reader; hand them to the upstream before splicing the raw
	// conns, or the tunnel starts with a hole.
	if n := br.Buffered(); n > 0 {
		if _, err := io.CopyN(upstream, br, int64(n)); err != nil {
			return
		}
	}
	splice(conn, upstream)
}

// lookupCaller maps a source IP to a registered container. Unknown IPs are
// resolved against every registered name and cached.
func (p *Proxy) lookupCaller(ip string) (name string, domains []string, ok bool) {
	p.mu.Lock()
	if n, cached := p.byIP[ip]; cached {
		d := p.byName[n]
		p.mu.Unlock()
		return n, d, true
	}
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	p.mu.Unlock()

	for _, n := range names {
		resolved, err := p.resolve(n)
		if err != nil || resolved == "" {
			continue
		}
		p.mu.Lock()
		p.byIP[resolved] = n
		p.mu.Unlock()
		if resolved == ip {
			p.mu.Lock()
			d := p.byName[n]
			p.mu.Unlock()
			return n, d, true
		}
	}
	return "", nil, false
}

func (p *Proxy) deny(conn net.Conn, callerIP, target, status, reason string) {
	p.denyAs(conn, callerIP, target, status, reason)
}

func (p *Proxy) denyAs(conn net.Conn, caller, target, status, reason string) {
	p.auditLog.Log(audit.EventMCPProxy, "", map[string]any{
		"caller": caller, "target": target, "allowed": false, "reason": reason,
	})
	fmt.Fprintf(conn, "HTTP/1.1 %s\r\n\r\n", status)
}

func parseRequestLine(line string) (method, target string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// hostAllowed matches exact hostnames and subdomains of allow-list entries.
func hostAllowed(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.TrimPrefix(d, "*.")
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// splice copies both directions until either side closes, half-closing the
// write side of the peer as each direction finishes.
func splice(a, b net.Conn) {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(b, a)
		closeWrite(b)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(a, b)
		closeWrite(a)
		return err
	})
	_ = g.Wait()
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// dockerContainerIP asks the docker CLI for a container's bridge IP.
func dockerContainerIP(containerName string) (string, error) {
	out, err := exec.Command("docker", "inspect", "-f",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", containerName).Output()
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", containerName, err)
	}
	return strings.TrimSpace(string(out)), nil
}
