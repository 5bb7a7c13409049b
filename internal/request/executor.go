package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/loykin/proxyfetch/internal/auth"
	"github.com/loykin/proxyfetch/internal/auth/basic"
	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/env"
	"github.com/loykin/proxyfetch/internal/proxy"
	"github.com/loykin/proxyfetch/internal/transport"
)

type ProxyResolver interface {
	Resolve(ctx context.Context, target *url.URL, environ env.Map) (proxy.Decision, error)
}

type Authenticator interface {
	Lookup(ctx context.Context, proxyURL string, header http.Header, state *auth.State) string
}

type EnvironmentSource interface {
	Environment(ctx context.Context) env.Map
}

type AgentSource interface {
	Agent(d proxy.Decision, compression bool) (*transport.Agent, error)
}

// Settings are the reloadable knobs of the executor.
type Settings struct {
	// ProxySupport is one of off, on, fallback, override.
	ProxySupport string
	// ProxyAuthorization is sent on every proxied hop; it disables negotiation.
	ProxyAuthorization string
	UserAgent          string
}

type Options struct {
	Resolver      ProxyResolver
	Agents        AgentSource
	Authenticator Authenticator
	Environment   EnvironmentSource
	Transports    []transport.Transport
	DefaultKind   transport.Kind
	Settings      Settings
}

// Executor runs requests through the proxy, certificate and authentication machinery.
type Executor struct {
	resolver    ProxyResolver
	agents      AgentSource
	auth        Authenticator
	environment EnvironmentSource
	transports  map[transport.Kind]transport.Transport
	defaultKind transport.Kind
	logger      *common.Logger

	mu       sync.RWMutex
	settings Settings
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Resolver == nil || opts.Agents == nil {
		return nil, errors.New("request: resolver and agent source are required")
	}
	e := &Executor{
		resolver:    opts.Resolver,
		agents:      opts.Agents,
		auth:        opts.Authenticator,
		environment: opts.Environment,
		transports:  map[transport.Kind]transport.Transport{},
		defaultKind: opts.DefaultKind,
		logger:      common.GetLogger().WithComponent("request"),
	}
	ts := opts.Transports
	if len(ts) == 0 {
		ts = []transport.Transport{transport.NewNodeTransport(), transport.NewSandboxedTransport(nil)}
	}
	for _, t := range ts {
		e.transports[t.Kind()] = t
	}
	if e.defaultKind == "" {
		e.defaultKind = transport.KindNode
	}
	if _, ok := e.transports[e.defaultKind]; !ok {
		return nil, fmt.Errorf("request: no transport for default kind %q", e.defaultKind)
	}
	e.Configure(opts.Settings)
	return e, nil
}

// Configure replaces the reloadable settings.
func (e *Executor) Configure(s Settings) {
	if s.ProxySupport == "" {
		s.ProxySupport = constants.ProxySupportOverride
	}
	if s.UserAgent == "" {
		s.UserAgent = constants.DefaultUserAgent
	}
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

func (e *Executor) currentSettings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Execute runs d, following redirects while budget remains. Once the budget
// is spent the last response is returned as is.
func (e *Executor) Execute(ctx context.Context, d Descriptor) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{URL: d.URL, Err: err}
	}
	var environ env.Map
	if e.environment != nil {
		environ = e.environment.Environment(ctx)
	} else {
		environ = env.FromProcess()
	}

	state := &auth.State{}
	for {
		resp, err := e.hop(ctx, d, environ, state)
		if err != nil {
			return nil, err
		}
		loc := resp.Header.Get(constants.HeaderLocation)
		if !isRedirect(resp.Status) || loc == "" || d.FollowRedirects <= 0 {
			return resp, nil
		}
		next, err := d.Redirect(loc, resp.Status)
		if err != nil {
			e.logger.Debug("not following redirect", "url", d.URL, "error", err)
			return resp, nil
		}
		resp.Discard()
		d = next
	}
}

func (e *Executor) hop(ctx context.Context, d Descriptor, environ env.Map, state *auth.State) (*Response, error) {
	settings := e.currentSettings()
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &TransportError{URL: d.URL, Err: fmt.Errorf("unsupported url %q", d.URL)}
	}
	kind := d.TransportKind
	if kind == "" {
		kind = e.defaultKind
	}
	tr, ok := e.transports[kind]
	if !ok {
		return nil, &TransportError{URL: d.URL, Err: fmt.Errorf("no transport for kind %q", kind)}
	}

	rt, proxyURL, err := e.roundTripper(ctx, d, u, environ, tr, settings)
	if err != nil {
		return nil, e.classify(ctx, d, err)
	}

	logger := e.logger.WithRequest(d.Method, u.Redacted())
	proxyAuth := ""
	if proxyURL != nil {
		proxyAuth = settings.ProxyAuthorization
	}
	for attempt := 0; ; attempt++ {
		req, err := e.newRequest(ctx, d, settings)
		if err != nil {
			return nil, &TransportError{URL: d.URL, Err: err}
		}
		logger.Trace("request begin", "headers", common.RedactHeaders(req.Header), "proxy_authorization", proxyAuth != "", "attempt", attempt+1)

		resp, err := tr.RoundTrip(transport.WithProxyAuthorization(ctx, proxyAuth), rt, req, d.Timeout)
		var (
			challenge http.Header
			out       *Response
		)
		var par *transport.ProxyAuthRequiredError
		switch {
		case errors.As(err, &par):
			challenge = par.Header
			out = &Response{Status: http.StatusProxyAuthRequired, Header: par.Header, Body: io.NopCloser(bytes.NewReader(nil)), URL: d.URL}
		case err != nil:
			err = e.classify(ctx, d, err)
			logger.Trace("request error", "error", err)
			return nil, err
		default:
			body, derr := tr.DecodeBody(resp)
			if derr != nil {
				return nil, &TransportError{URL: d.URL, Err: derr}
			}
			out = &Response{Status: resp.StatusCode, Header: resp.Header, Body: body, URL: d.URL}
			if resp.StatusCode == http.StatusProxyAuthRequired {
				challenge = resp.Header
			}
		}
		logger.Trace("request end", "status", out.Status, "headers", common.RedactHeaders(out.Header))

		if challenge == nil || proxyURL == nil {
			return out, nil
		}
		if settings.ProxyAuthorization != "" || e.auth == nil || attempt+1 >= constants.MaxProxyAuthAttempts {
			return out, nil
		}
		next := e.auth.Lookup(ctx, proxyURL.String(), challenge, state)
		if next == "" {
			logger.Debug("no proxy credential available", "error",
				&AuthNegotiationFailure{Scheme: auth.SchemeOther, ProxyURL: proxyURL.Redacted(), Err: errors.New("challenge not answered")})
			return out, nil
		}
		out.Discard()
		proxyAuth = next
	}
}

// roundTripper picks the agent for one hop, returning the proxy it goes
// through, if any. A caller-supplied agent wins under "on", is used for DIRECT
// destinations under "fallback" and is ignored under "override".
func (e *Executor) roundTripper(ctx context.Context, d Descriptor, u *url.URL, environ env.Map, tr transport.Transport, s Settings) (http.RoundTripper, *url.URL, error) {
	if d.Agent != nil && s.ProxySupport != constants.ProxySupportOverride && s.ProxySupport != constants.ProxySupportFallback {
		return d.Agent, nil, nil
	}
	var decision proxy.Decision
	if s.ProxySupport == constants.ProxySupportOff {
		decision = proxy.Decision{Direct: true, StrictSSL: true, Source: "off"}
	} else {
		var err error
		if decision, err = e.resolver.Resolve(ctx, u, environ); err != nil {
			return nil, nil, err
		}
	}
	if d.Agent != nil && s.ProxySupport == constants.ProxySupportFallback && (decision.Direct || decision.ProxyURL == nil) {
		return d.Agent, nil, nil
	}
	if d.StrictSSL != nil {
		decision.StrictSSL = *d.StrictSSL
	}
	agent, err := e.agents.Agent(decision, tr.Compression())
	if err != nil {
		return nil, nil, err
	}
	return agent, agent.ProxyURL(), nil
}

func (e *Executor) newRequest(ctx context.Context, d Descriptor, s Settings) (*http.Request, error) {
	var body io.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, body)
	if err != nil {
		return nil, err
	}
	if d.Header != nil {
		req.Header = d.Header.Clone()
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	if d.DisableCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	if d.User != "" {
		v, err := basic.Header(d.User, d.Password)
		if err != nil {
			return nil, err
		}
		req.Header.Set(constants.HeaderAuthorization, v)
	}
	return req, nil
}

func (e *Executor) classify(ctx context.Context, d Descriptor, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return &TimeoutError{URL: d.URL, Timeout: d.Timeout, Err: cerr}
		}
		return &CancelledError{URL: d.URL, Err: context.Cause(ctx)}
	}
	if transport.IsTimeout(err) {
		return &TimeoutError{URL: d.URL, Timeout: d.Timeout, Err: err}
	}
	return &TransportError{URL: d.URL, Err: err}
}
