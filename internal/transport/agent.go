package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/loykin/proxyfetch/internal/auth/basic"
	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/proxy"
)

// Agent is a round tripper bound to one proxy decision.
type Agent struct {
	proxyURL *url.URL
	t        *http.Transport
}

func (a *Agent) ProxyURL() *url.URL { return a.proxyURL }

// Direct reports whether the agent connects without a proxy.
func (a *Agent) Direct() bool { return a.proxyURL == nil }

// Transport exposes the underlying transport, e.g. for wrapping into other clients.
func (a *Agent) Transport() *http.Transport { return a.t }

func (a *Agent) viaHTTPProxy() bool {
	return a.proxyURL != nil && (a.proxyURL.Scheme == "http" || a.proxyURL.Scheme == "https")
}

// RoundTrip attaches the context's Proxy-Authorization to plain HTTP requests sent
// through an HTTP proxy. Tunnelled requests carry it on the CONNECT instead.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	if a.viaHTTPProxy() && req.URL.Scheme == "http" {
		if v := ProxyAuthorization(req.Context()); v != "" {
			req = req.Clone(req.Context())
			req.Header.Set(constants.HeaderProxyAuthorization, v)
		}
	}
	return a.t.RoundTrip(req)
}

func (a *Agent) CloseIdleConnections() { a.t.CloseIdleConnections() }

// PoolOptions configures agent construction.
type PoolOptions struct {
	// Roots returns the current trust bundle; nil means the system default.
	Roots           func() *x509.CertPool
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
}

// Pool caches agents per decision, TLS policy and compression mode.
type Pool struct {
	opts   PoolOptions
	logger *common.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

func NewPool(opts PoolOptions) *Pool {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}
	return &Pool{opts: opts, logger: common.GetLogger().WithComponent("transport"), agents: map[string]*Agent{}}
}

// Agent returns the cached agent for d, building it on first use.
func (p *Pool) Agent(d proxy.Decision, compression bool) (*Agent, error) {
	key := fmt.Sprintf("%s|%t|%t", d.String(), d.StrictSSL, compression)
	if d.ProxyURL != nil {
		key += "|" + d.ProxyURL.String()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[key]; ok {
		return a, nil
	}
	a, err := p.build(d, compression)
	if err != nil {
		return nil, err
	}
	p.agents[key] = a
	p.logger.Debug("created agent", "decision", d.String(), "strict_ssl", d.StrictSSL, "compression", compression)
	return a, nil
}

// Reset drops every agent, e.g. after the trust bundle or proxy settings change.
func (p *Pool) Reset() {
	p.mu.Lock()
	agents := p.agents
	p.agents = map[string]*Agent{}
	p.mu.Unlock()
	for _, a := range agents {
		a.CloseIdleConnections()
	}
}

// TLSConfig returns the client TLS configuration for a verification policy.
func (p *Pool) TLSConfig(strictSSL bool) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: !strictSSL}
	if p.opts.Roots != nil {
		cfg.RootCAs = p.opts.Roots()
	}
	return cfg
}

func (p *Pool) build(d proxy.Decision, compression bool) (*Agent, error) {
	dialer := &net.Dialer{Timeout: p.opts.DialTimeout, KeepAlive: 30 * time.Second}
	tlsCfg := p.TLSConfig(d.StrictSSL)
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		DisableCompression:    !compression,
		MaxIdleConns:          100,
		IdleConnTimeout:       p.opts.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	a := &Agent{t: t}
	if d.Direct || d.ProxyURL == nil {
		return a, nil
	}
	pu := d.ProxyURL
	a.proxyURL = pu

	switch pu.Scheme {
	case "http", "https":
		t.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "http" {
				return pu, nil
			}
			return nil, nil
		}
		tun := &tunnel{proxyURL: pu, dialer: dialer, proxyTLS: tlsCfg}
		t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := tun.dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return handshake(ctx, conn, tlsCfg, addr)
		}
	case "socks5", "socks5h":
		sd, err := xproxy.FromURL(pu, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks proxy %s: %w", pu.Redacted(), err)
		}
		cd, ok := sd.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks proxy %s: dialer does not support contexts", pu.Redacted())
		}
		t.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", pu.Scheme)
	}
	return a, nil
}

func handshake(ctx context.Context, conn net.Conn, base *tls.Config, addr string) (net.Conn, error) {
	cfg := base.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}

// tunnel opens CONNECT tunnels through an HTTP(S) proxy.
type tunnel struct {
	proxyURL *url.URL
	dialer   *net.Dialer
	proxyTLS *tls.Config
}

func (t *tunnel) proxyAddr() string {
	if t.proxyURL.Port() != "" {
		return t.proxyURL.Host
	}
	if t.proxyURL.Scheme == "https" {
		return net.JoinHostPort(t.proxyURL.Hostname(), "443")
	}
	return net.JoinHostPort(t.proxyURL.Hostname(), "80")
}

func (t *tunnel) authorization(ctx context.Context) string {
	if v := ProxyAuthorization(ctx); v != "" {
		return v
	}
	if u := t.proxyURL.User; u != nil {
		pw, _ := u.Password()
		if v, err := basic.Header(u.Username(), pw); err == nil {
			return v
		}
	}
	return ""
}

func (t *tunnel) dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.proxyAddr())
	if err != nil {
		return nil, err
	}
	if t.proxyURL.Scheme == "https" {
		if conn, err = handshake(ctx, conn, t.proxyTLS, t.proxyAddr()); err != nil {
			return nil, err
		}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}
	if v := t.authorization(ctx); v != "" {
		req.Header.Set(constants.HeaderProxyAuthorization, v)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, t.ctxErr(ctx, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, t.ctxErr(ctx, err)
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		_ = conn.Close()
		return nil, &ProxyAuthRequiredError{ProxyURL: t.proxyURL, Header: resp.Header}
	case resp.StatusCode != http.StatusOK:
		_ = conn.Close()
		return nil, fmt.Errorf("proxy %s refused CONNECT to %s: %s", t.proxyURL.Redacted(), addr, strings.TrimSpace(resp.Status))
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func (t *tunnel) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
