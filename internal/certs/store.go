package certs

import (
	"context"
	"crypto/x509"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/config"
)

// Options selects the sources of a load.
type Options struct {
	// SystemCertificates includes the OS trust store.
	SystemCertificates bool
	// Remote delegates the OS trust store lookup to the host loader.
	Remote bool
}

type StoreOption func(*Store)

func WithRuntimeLoader(l Loader) StoreOption  { return func(s *Store) { s.runtime = l } }
func WithOSLoader(l Loader) StoreOption       { return func(s *Store) { s.os = l } }
func WithHostLoader(h HostLoader) StoreOption { return func(s *Store) { s.host = h } }

// WithTestCertificates injects extra PEM entries, for tests and development builds.
func WithTestCertificates(pems ...string) StoreOption {
	return func(s *Store) { s.test = append(s.test, pems...) }
}

// Store assembles and caches the certificate bundle.
type Store struct {
	runtime Loader
	os      Loader
	host    HostLoader
	test    []string
	logger  *common.Logger
	group   singleflight.Group

	mu     sync.RWMutex
	bundle *Bundle
	opts   Options
	gen    uint64
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		runtime: RuntimeLoader,
		os:      OSLoader,
		logger:  common.GetLogger().WithComponent("certs"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the cached bundle, computing it on first use or after invalidation.
// Source failures are logged and skipped.
func (s *Store) Load(ctx context.Context, opts Options) (*Bundle, error) {
	s.mu.RLock()
	b, cachedOpts, gen := s.bundle, s.opts, s.gen
	s.mu.RUnlock()
	if b != nil && cachedOpts == opts {
		return b, nil
	}

	ch := s.group.DoChan("load", func() (interface{}, error) {
		b := s.assemble(context.WithoutCancel(ctx), opts)
		s.mu.Lock()
		if s.gen == gen {
			s.bundle, s.opts = b, opts
		}
		s.mu.Unlock()
		return b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val.(*Bundle), nil
	}
}

func (s *Store) assemble(ctx context.Context, opts Options) *Bundle {
	b := newBundle()
	if s.runtime != nil {
		if data, err := s.runtime(ctx); err != nil {
			s.logger.Warn("failed to load runtime certificates", "error", err)
		} else {
			b.add(data, SourceRuntime)
		}
	}
	if opts.SystemCertificates {
		switch {
		case opts.Remote && s.host != nil:
			pems, err := s.host.LoadCertificates(ctx)
			if err != nil {
				s.logger.Warn("failed to load certificates from host", "error", err)
			} else {
				b.addAll(pems, SourceHost)
			}
		case s.os != nil:
			if data, err := s.os(ctx); err != nil {
				s.logger.Warn("failed to load OS certificates", "error", err)
			} else {
				b.add(data, SourceOS)
			}
		}
	}
	b.addAll(s.test, SourceTest)
	s.logger.Debug("loaded certificates",
		"total", b.Len(),
		"runtime", b.Count(SourceRuntime),
		"os", b.Count(SourceOS),
		"host", b.Count(SourceHost),
		"test", b.Count(SourceTest))
	return b
}

// Invalidate forces the next Load to recompute.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.bundle = nil
	s.gen++
	s.mu.Unlock()
}

// OnConfigChange invalidates the bundle when a certificate setting changed.
func (s *Store) OnConfigChange(changes config.ChangeSet) bool {
	if !changes.Affects(config.KeySystemCertificates, config.KeySystemCertificatesV2) {
		return false
	}
	s.Invalidate()
	return true
}

// Roots returns a pool of the cached bundle, or nil when nothing has been loaded so
// that TLS falls back to the platform verifier.
func (s *Store) Roots() *x509.CertPool {
	s.mu.RLock()
	b := s.bundle
	s.mu.RUnlock()
	if b == nil || b.Len() == 0 {
		return nil
	}
	return b.Pool()
}
