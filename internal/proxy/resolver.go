package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/env"
)

// Settings is the slice of configuration the resolver reads.
type Settings struct {
	Proxy     string
	StrictSSL bool
	NoProxy   []string
	// CheckInterval is the network interface poll period; zero or negative disables it.
	CheckInterval time.Duration
}

// LatencyRecorder receives the duration of every system resolution.
type LatencyRecorder interface {
	RecordProxyResolve(d time.Duration)
}

type Option func(*Resolver)

func WithSystemResolver(s SystemResolver) Option { return func(r *Resolver) { r.system = s } }
func WithRecorder(rec LatencyRecorder) Option    { return func(r *Resolver) { r.recorder = rec } }
func WithClock(clk clock.Clock) Option           { return func(r *Resolver) { r.clock = clk } }
func WithFingerprint(fp Fingerprint) Option      { return func(r *Resolver) { r.fingerprint = fp } }

// Resolver computes and memoises proxy decisions per destination.
type Resolver struct {
	system      SystemResolver
	recorder    LatencyRecorder
	clock       clock.Clock
	fingerprint Fingerprint
	logger      *common.Logger
	watcher     *InterfaceWatcher
	group       singleflight.Group

	mu        sync.RWMutex
	strictSSL bool
	static    *url.URL
	bypass    func(*url.URL) bool
	cache     map[string]Decision
	gen       uint64
}

func NewResolver(s Settings, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		system: EnvResolver{},
		clock:  clock.WallClock,
		logger: common.GetLogger().WithComponent("proxy"),
		cache:  map[string]Decision{},
	}
	for _, o := range opts {
		o(r)
	}
	r.watcher = NewInterfaceWatcher(r.clock, r.fingerprint, r.Invalidate)
	if err := r.Configure(s); err != nil {
		return nil, err
	}
	return r, nil
}

// Configure applies new settings and drops every memoised decision.
func (r *Resolver) Configure(s Settings) error {
	static, err := ParseProxyURL(s.Proxy)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.static = static
	r.strictSSL = s.StrictSSL
	r.bypass = noProxyMatcher(s.NoProxy)
	r.cache = map[string]Decision{}
	r.gen++
	r.mu.Unlock()

	r.watcher.Start(s.CheckInterval)
	return nil
}

// Invalidate forgets every memoised decision.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = map[string]Decision{}
	r.gen++
	r.mu.Unlock()
}

// Close stops the interface watcher.
func (r *Resolver) Close() { r.watcher.Stop() }

// StaticProxy returns the configured proxy, if any.
func (r *Resolver) StaticProxy() *url.URL {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.static
}

// Resolve returns the decision for target. A failing system resolver degrades to a
// direct connection that is not memoised.
func (r *Resolver) Resolve(ctx context.Context, target *url.URL, environ env.Map) (Decision, error) {
	if target == nil || target.Host == "" {
		return Decision{}, fmt.Errorf("resolve proxy: invalid target %v", target)
	}
	r.mu.RLock()
	bypass, static, strict, gen := r.bypass, r.static, r.strictSSL, r.gen
	key := cacheKey(target)
	cached, hit := r.cache[key]
	r.mu.RUnlock()

	if bypass(target) {
		return Decision{Direct: true, StrictSSL: strict, Source: "noProxy"}, nil
	}
	if static != nil {
		return Decision{ProxyURL: static, StrictSSL: strict, Source: "static"}, nil
	}
	if hit {
		return cached, nil
	}

	ch := r.group.DoChan(fmt.Sprintf("%d|%s", gen, key), func() (interface{}, error) {
		// shared by every waiter, so one caller's cancellation must not fail the rest
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), systemResolveTimeout)
		defer cancel()
		start := r.clock.Now()
		pac, err := r.system.ResolveProxy(sctx, target, environ)
		if r.recorder != nil {
			r.recorder.RecordProxyResolve(r.clock.Now().Sub(start))
		}
		if err != nil {
			return nil, err
		}
		d := ParsePAC(pac)
		d.StrictSSL = strict
		r.mu.Lock()
		if r.gen == gen {
			r.cache[key] = d
		}
		r.mu.Unlock()
		return d, nil
	})

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			r.logger.Warn("system proxy resolution failed, connecting directly", "url", target.Redacted(), "error", res.Err)
			return Decision{Direct: true, StrictSSL: strict, Source: "system"}, nil
		}
		d := res.Val.(Decision)
		r.logger.Debug("resolved proxy", "url", target.Redacted(), "decision", d.String())
		return d, nil
	}
}

func cacheKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

const systemResolveTimeout = 30 * time.Second

const bypassSentinel = "http://bypass.invalid:1"

// noProxyMatcher reports whether a destination is covered by the no-proxy patterns.
// Pattern semantics follow NO_PROXY: host, .domain, *.domain, IP, CIDR or *.
func noProxyMatcher(patterns []string) func(*url.URL) bool {
	if len(patterns) == 0 {
		return func(*url.URL) bool { return false }
	}
	fn := (&httpproxy.Config{
		HTTPProxy:  bypassSentinel,
		HTTPSProxy: bypassSentinel,
		NoProxy:    strings.Join(patterns, ","),
	}).ProxyFunc()
	return func(u *url.URL) bool {
		t := httpScheme(u)
		if t.Scheme != "http" && t.Scheme != "https" {
			return false
		}
		p, err := fn(t)
		return err == nil && p == nil
	}
}
