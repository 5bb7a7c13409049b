package auth

import (
	"context"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/proxyfetch/internal/auth/basic"
	"github.com/loykin/proxyfetch/internal/common"
)

// State is scoped to one logical request and its redirect chain.
type State struct {
	KerberosRequested  bool
	BasicAuthCacheUsed bool
	BasicAuthAttempt   int
}

type Options struct {
	Kerberos KerberosProvider
	Host     CredentialHost
	// ServicePrincipal overrides the SPN derived from the proxy host name.
	ServicePrincipal string
	// Remote is set when this process cannot call OS Kerberos APIs itself.
	Remote bool
	// AllowHostFallback permits delegating a failed Kerberos attempt to Host.
	AllowHostFallback bool
	// GOOS selects the SPN form; defaults to runtime.GOOS.
	GOOS string
}

// Negotiator answers proxy authentication challenges.
type Negotiator struct {
	cache  *CredentialCache
	logger *common.Logger

	mu         sync.Mutex
	opts       Options
	challenges map[string][]Challenge
	attempts   map[string]int
}

func NewNegotiator(opts Options) *Negotiator {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	return &Negotiator{
		cache:      NewCredentialCache(),
		logger:     common.GetLogger().WithComponent("auth"),
		opts:       opts,
		challenges: map[string][]Challenge{},
		attempts:   map[string]int{},
	}
}

// SetServicePrincipal replaces the configured SPN override.
func (n *Negotiator) SetServicePrincipal(spn string) {
	n.mu.Lock()
	n.opts.ServicePrincipal = strings.TrimSpace(spn)
	n.mu.Unlock()
}

// Cache exposes the credential cache.
func (n *Negotiator) Cache() *CredentialCache { return n.cache }

// Clear ends the authentication session.
func (n *Negotiator) Clear() {
	n.cache.Clear()
	n.mu.Lock()
	n.challenges = map[string][]Challenge{}
	n.attempts = map[string]int{}
	n.mu.Unlock()
}

// ServicePrincipal derives the Kerberos SPN for a proxy host.
func ServicePrincipal(override, host, goos string) string {
	if override != "" {
		return override
	}
	if goos == "windows" {
		return "HTTP/" + host
	}
	return "HTTP@" + host
}

// Lookup returns an authorization value answering the challenges in header, or ""
// when no credential is available.
func (n *Negotiator) Lookup(ctx context.Context, proxyURL string, header http.Header, state *State) string {
	if state == nil {
		state = &State{}
	}
	n.mu.Lock()
	merged := mergeChallenges(n.challenges[proxyURL], ParseChallenges(header, proxyURL))
	n.challenges[proxyURL] = merged
	opts := n.opts
	n.mu.Unlock()

	logger := n.logger.WithProxy(redact(proxyURL))

	if _, ok := find(merged, SchemeNegotiate); ok && !state.KerberosRequested {
		state.KerberosRequested = true
		if v := n.negotiate(ctx, proxyURL, opts, logger); v != "" {
			return v
		}
	}

	challenge, ok := find(merged, SchemeBasic)
	if !ok {
		return ""
	}
	if cached, hit := n.cache.Get(proxyURL); hit {
		if !state.BasicAuthCacheUsed {
			state.BasicAuthCacheUsed = true
			logger.Debug("using cached basic credential")
			return cached
		}
		n.cache.Delete(proxyURL)
	}
	if opts.Host == nil {
		return ""
	}

	host, port := hostPort(proxyURL)
	n.mu.Lock()
	n.attempts[proxyURL]++
	attempt := n.attempts[proxyURL]
	n.mu.Unlock()
	state.BasicAuthAttempt = attempt

	creds, err := opts.Host.LookupAuthorization(ctx, AuthInfo{
		Scheme:  string(SchemeBasic),
		Host:    host,
		Port:    port,
		Realm:   challenge.Realm,
		IsProxy: true,
		Attempt: attempt,
	})
	if err != nil {
		logger.Warn("proxy authentication failed", "error", &NegotiationFailure{Scheme: SchemeBasic, ProxyURL: redact(proxyURL), Err: err})
		return ""
	}
	if creds == nil {
		return ""
	}
	value, err := basic.Header(creds.Username, creds.Password)
	if err != nil {
		logger.Warn("proxy authentication failed", "error", &NegotiationFailure{Scheme: SchemeBasic, ProxyURL: redact(proxyURL), Err: err})
		return ""
	}
	n.cache.Set(proxyURL, value)
	return value
}

func (n *Negotiator) negotiate(ctx context.Context, proxyURL string, opts Options, logger *common.Logger) string {
	host, _ := hostPort(proxyURL)
	spn := ServicePrincipal(opts.ServicePrincipal, host, opts.GOOS)

	var err error = ErrKerberosUnavailable
	if opts.Kerberos != nil {
		var token string
		token, err = opts.Kerberos.Token(ctx, spn)
		if err == nil && token != "" {
			logger.Debug("kerberos authentication succeeded", "spn", spn)
			return "Negotiate " + token
		}
	}
	logger.Debug("kerberos authentication failed", "spn", spn,
		"error", &NegotiationFailure{Scheme: SchemeNegotiate, ProxyURL: redact(proxyURL), Err: err})

	if opts.Remote && opts.AllowHostFallback && opts.Host != nil {
		v, herr := opts.Host.LookupKerberosAuthorization(ctx, proxyURL)
		if herr != nil {
			logger.Warn("host kerberos lookup failed", "error", herr)
			return ""
		}
		return v
	}
	return ""
}

func hostPort(proxyURL string) (string, int) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return proxyURL, 0
	}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		return u.Hostname(), p
	}
	switch u.Scheme {
	case "https":
		return u.Hostname(), 443
	case "socks", "socks5", "socks5h":
		return u.Hostname(), 1080
	default:
		return u.Hostname(), 80
	}
}

func redact(proxyURL string) string {
	if u, err := url.Parse(proxyURL); err == nil {
		return u.Redacted()
	}
	return proxyURL
}
