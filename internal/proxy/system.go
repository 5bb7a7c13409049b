package proxy

import (
	"context"
	"net/url"

	"golang.org/x/net/http/httpproxy"

	"github.com/loykin/proxyfetch/internal/env"
)

// SystemResolver answers with a PAC-style string for target. Implementations may
// consult OS proxy APIs, environment variables, or a trusted host process.
type SystemResolver interface {
	ResolveProxy(ctx context.Context, target *url.URL, environ env.Map) (string, error)
}

// SystemResolverFunc adapts a function to SystemResolver.
type SystemResolverFunc func(ctx context.Context, target *url.URL, environ env.Map) (string, error)

func (f SystemResolverFunc) ResolveProxy(ctx context.Context, target *url.URL, environ env.Map) (string, error) {
	return f(ctx, target, environ)
}

// EnvResolver derives the proxy from HTTP_PROXY, HTTPS_PROXY, ALL_PROXY and NO_PROXY
// in the supplied environment.
type EnvResolver struct{}

func (EnvResolver) ResolveProxy(_ context.Context, target *url.URL, environ env.Map) (string, error) {
	cfg := httpproxy.Config{
		HTTPProxy:  environ.Get("HTTP_PROXY"),
		HTTPSProxy: environ.Get("HTTPS_PROXY"),
		NoProxy:    environ.Get("NO_PROXY"),
	}
	if all := environ.Get("ALL_PROXY"); all != "" {
		if cfg.HTTPProxy == "" {
			cfg.HTTPProxy = all
		}
		if cfg.HTTPSProxy == "" {
			cfg.HTTPSProxy = all
		}
	}
	pu, err := cfg.ProxyFunc()(httpScheme(target))
	if err != nil {
		return "", err
	}
	if pu == nil {
		return "DIRECT", nil
	}
	if pu, err = ParseProxyURL(pu.String()); err != nil {
		return "", err
	}
	return FormatPAC(pu), nil
}

// httpScheme maps websocket schemes onto their http equivalents for proxy matching.
func httpScheme(u *url.URL) *url.URL {
	switch u.Scheme {
	case "ws":
		cp := *u
		cp.Scheme = "http"
		return &cp
	case "wss":
		cp := *u
		cp.Scheme = "https"
		return &cp
	}
	return u
}
