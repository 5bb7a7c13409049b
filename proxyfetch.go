package proxyfetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/loykin/proxyfetch/internal/auth"
	"github.com/loykin/proxyfetch/internal/auth/kerberos"
	"github.com/loykin/proxyfetch/internal/certs"
	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/config"
	"github.com/loykin/proxyfetch/internal/env"
	"github.com/loykin/proxyfetch/internal/hostrpc"
	"github.com/loykin/proxyfetch/internal/intercept"
	"github.com/loykin/proxyfetch/internal/proxy"
	"github.com/loykin/proxyfetch/internal/request"
	"github.com/loykin/proxyfetch/internal/telemetry"
	"github.com/loykin/proxyfetch/internal/transport"
)

type options struct {
	system      proxy.SystemResolver
	credentials auth.CredentialHost
	kerberos    auth.KerberosProvider
	environment env.Resolver
	runtimeCert certs.Loader
	osCert      certs.Loader
	testCerts   []string
	clock       clock.Clock
	fingerprint proxy.Fingerprint
	sink        telemetry.Sink
	transports  []transport.Transport
}

// Option customises a Service.
type Option func(*options)

// WithSystemResolver replaces the OS proxy lookup.
func WithSystemResolver(r proxy.SystemResolver) Option { return func(o *options) { o.system = r } }

// WithCredentialHost sets who answers Basic prompts and delegated Kerberos lookups.
func WithCredentialHost(h auth.CredentialHost) Option { return func(o *options) { o.credentials = h } }

// WithKerberos replaces the ticket-cache based Kerberos provider.
func WithKerberos(k auth.KerberosProvider) Option { return func(o *options) { o.kerberos = k } }

// WithEnvironmentResolver replaces the login-shell environment resolver.
func WithEnvironmentResolver(r env.Resolver) Option { return func(o *options) { o.environment = r } }

// WithCertificateLoaders replaces the runtime and OS certificate sources. A nil
// loader disables that source.
func WithCertificateLoaders(runtimeLoader, osLoader certs.Loader) Option {
	return func(o *options) { o.runtimeCert, o.osCert = runtimeLoader, osLoader }
}

// WithTestCertificates adds PEM certificates to every bundle.
func WithTestCertificates(pems ...string) Option {
	return func(o *options) { o.testCerts = append(o.testCerts, pems...) }
}

func WithClock(clk clock.Clock) Option { return func(o *options) { o.clock = clk } }

// WithFingerprint replaces the network interface fingerprint used to drop cached decisions.
func WithFingerprint(fp proxy.Fingerprint) Option { return func(o *options) { o.fingerprint = fp } }

// WithTelemetrySink sends telemetry to sink instead of the configured sinks.
func WithTelemetrySink(sink telemetry.Sink) Option { return func(o *options) { o.sink = sink } }

func WithTransports(ts ...transport.Transport) Option {
	return func(o *options) { o.transports = append(o.transports, ts...) }
}

// Service wires proxy resolution, certificates, authentication, transports,
// interception and telemetry around one configuration.
type Service struct {
	watcher     *config.Watcher
	logger      *common.Logger
	registry    *prometheus.Registry
	environment *env.Provider
	telemetry   *telemetry.Aggregator
	closeSink   func() error
	certs       *certs.Store
	resolver    *proxy.Resolver
	pool        *transport.Pool
	negotiator  *auth.Negotiator
	executor    *request.Executor
	interceptor *intercept.Interceptor

	// local lookups served to remote contexts by HostServer
	localSystem proxy.SystemResolver
	credentials auth.CredentialHost
	kerberos    auth.KerberosProvider
	osCert      certs.Loader

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service for cfg; a nil cfg means the defaults. The trust bundle is
// loaded before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		environment: env.NewShellResolver(),
		runtimeCert: certs.RuntimeLoader,
		osCert:      certs.OSLoader,
		clock:       clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.kerberos == nil {
		o.kerberos = kerberos.NewProvider(kerberos.Config{})
	}

	s := &Service{
		watcher:     config.NewWatcher(cfg),
		logger:      common.GetLogger().WithComponent("service"),
		registry:    prometheus.NewRegistry(),
		environment: env.NewProvider(o.environment),
		kerberos:    o.kerberos,
		osCert:      o.osCert,
	}

	var host *hostrpc.Client
	if cfg.Host.URL != "" {
		host = hostrpc.NewClient(cfg.Host.URL, hostrpc.ClientOptions{Secret: cfg.Host.Token})
	}
	s.localSystem = o.system
	if s.localSystem == nil {
		s.localSystem = proxy.EnvResolver{}
	}
	system := s.localSystem
	if host != nil && cfg.Host.Remote && o.system == nil {
		system = host
	}
	s.credentials = o.credentials
	if s.credentials == nil && host != nil {
		s.credentials = host
	}

	sink, closeSink := o.sink, func() error { return nil }
	if sink == nil {
		var err error
		sink, closeSink, err = telemetry.BuildSink(cfg.Telemetry, s.registry)
		if err != nil {
			return nil, err
		}
	}
	s.closeSink = closeSink
	s.telemetry = telemetry.NewAggregator(sink, telemetry.WithClock(o.clock))

	storeOpts := []certs.StoreOption{
		certs.WithRuntimeLoader(o.runtimeCert),
		certs.WithOSLoader(o.osCert),
		certs.WithTestCertificates(o.testCerts...),
	}
	if host != nil {
		storeOpts = append(storeOpts, certs.WithHostLoader(host))
	}
	s.certs = certs.NewStore(storeOpts...)

	resolverOpts := []proxy.Option{
		proxy.WithSystemResolver(system),
		proxy.WithRecorder(s.telemetry),
		proxy.WithClock(o.clock),
	}
	if o.fingerprint != nil {
		resolverOpts = append(resolverOpts, proxy.WithFingerprint(o.fingerprint))
	}
	resolver, err := proxy.NewResolver(proxySettings(cfg), resolverOpts...)
	if err != nil {
		_ = closeSink()
		return nil, err
	}
	s.resolver = resolver
	s.pool = transport.NewPool(transport.PoolOptions{Roots: s.certs.Roots})
	s.negotiator = auth.NewNegotiator(authOptions(cfg, s.kerberos, s.credentials))

	transports := o.transports
	if len(transports) == 0 {
		transports = []transport.Transport{transport.NewNodeTransport(), transport.NewSandboxedTransport(o.clock)}
	}
	s.executor, err = request.NewExecutor(request.Options{
		Resolver:      s.resolver,
		Agents:        s.pool,
		Authenticator: s.negotiator,
		Environment:   s.environment,
		Transports:    transports,
		Settings:      executorSettings(cfg),
	})
	if err != nil {
		s.resolver.Close()
		_ = closeSink()
		return nil, err
	}
	s.interceptor = intercept.New(intercept.Options{
		Executor:  s.executor,
		TLSConfig: func() *tls.Config { return s.pool.TLSConfig(s.Config().HTTP.ProxyStrictSSL) },
		Features:  s.telemetry,
		Settings:  interceptSettings(cfg),
	})

	if _, err := s.certs.Load(ctx, certOptions(cfg)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	s.watcher.Subscribe(s.onConfigChange)
	s.logger.Debug("service ready",
		"proxy_support", cfg.HTTP.ProxySupport,
		"remote", cfg.Host.Remote,
		"host", cfg.Host.URL != "")
	return s, nil
}

func proxySettings(cfg *config.Config) proxy.Settings {
	return proxy.Settings{
		Proxy:         cfg.HTTP.Proxy,
		StrictSSL:     cfg.HTTP.ProxyStrictSSL,
		NoProxy:       cfg.HTTP.NoProxy,
		CheckInterval: time.Duration(cfg.HTTP.Experimental.NetworkInterfaceCheckInterval) * time.Second,
	}
}

func certOptions(cfg *config.Config) certs.Options {
	return certs.Options{SystemCertificates: cfg.SystemCertificatesEnabled(), Remote: cfg.Host.Remote}
}

func authOptions(cfg *config.Config, k auth.KerberosProvider, host auth.CredentialHost) auth.Options {
	return auth.Options{
		Kerberos:          k,
		Host:              host,
		ServicePrincipal:  cfg.HTTP.ProxyKerberosServicePrincipal,
		Remote:            cfg.Host.Remote,
		AllowHostFallback: cfg.Host.AllowKerberosFallback,
	}
}

func executorSettings(cfg *config.Config) request.Settings {
	return request.Settings{
		ProxySupport:       cfg.HTTP.ProxySupport,
		ProxyAuthorization: cfg.HTTP.ProxyAuthorization,
	}
}

func interceptSettings(cfg *config.Config) intercept.Settings {
	return intercept.Settings{
		ProxySupport:           cfg.HTTP.ProxySupport,
		ElectronFetch:          cfg.HTTP.ElectronFetch,
		FetchAdditionalSupport: cfg.HTTP.FetchAdditionalSupport,
	}
}

func (s *Service) onConfigChange(next *config.Config, changes config.ChangeSet) {
	resetAgents := false
	if changes.Affects(config.KeyProxy, config.KeyProxyStrictSSL, config.KeyNoProxy, config.KeyNetworkInterfaceCheckInterval) {
		if err := s.resolver.Configure(proxySettings(next)); err != nil {
			s.logger.Warn("ignoring proxy settings", "error", err)
		}
		resetAgents = true
	}
	if s.certs.OnConfigChange(changes) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := s.certs.Load(ctx, certOptions(next)); err != nil {
			s.logger.Warn("failed to reload certificates", "error", err)
		}
		cancel()
		resetAgents = true
	}
	if resetAgents {
		s.pool.Reset()
	}
	if changes.Affects(config.KeyProxyKerberosServicePrincipal) {
		s.negotiator.SetServicePrincipal(next.HTTP.ProxyKerberosServicePrincipal)
	}
	if changes.Affects(config.KeyProxySupport, config.KeyProxyAuthorization) {
		s.executor.Configure(executorSettings(next))
	}
	if changes.Affects(config.KeyProxySupport, config.KeyElectronFetch, config.KeyFetchAdditionalSupport) {
		s.interceptor.Configure(interceptSettings(next))
	}
	s.logger.Debug("applied configuration change", "changed", len(changes))
}

// Config returns the configuration currently in effect.
func (s *Service) Config() *config.Config { return s.watcher.Current() }

// Apply validates next and makes it the current configuration.
func (s *Service) Apply(next *config.Config) (config.ChangeSet, error) {
	if next == nil {
		return nil, errors.New("proxyfetch: nil configuration")
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return s.watcher.Apply(next), nil
}

// WatchFile applies every valid edit of the config file behind v.
func (s *Service) WatchFile(v *viper.Viper) { s.watcher.WatchFile(v) }

// Do executes d through the proxy-aware executor.
func (s *Service) Do(ctx context.Context, d Descriptor) (*Response, error) {
	return s.executor.Execute(ctx, d)
}

// ResolveProxy returns the proxy decision for rawURL.
func (s *Service) ResolveProxy(ctx context.Context, rawURL string) (Decision, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve proxy: %w", err)
	}
	return s.resolver.Resolve(ctx, u, s.environment.Environment(ctx))
}

// Certificates returns the current trust bundle.
func (s *Service) Certificates(ctx context.Context) (*Bundle, error) {
	return s.certs.Load(ctx, certOptions(s.Config()))
}

// Interceptor returns the per-extension interception layer.
func (s *Service) Interceptor() *intercept.Interceptor { return s.interceptor }

// Telemetry returns the aggregator.
func (s *Service) Telemetry() *telemetry.Aggregator { return s.telemetry }

// Registry holds the Prometheus collectors of the service.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// ClearAuthentication forgets cached proxy credentials and challenges.
func (s *Service) ClearAuthentication() { s.negotiator.Clear() }

// HostServer exposes this process's own lookups to remote contexts.
func (s *Service) HostServer(token hostrpc.TokenConfig) *hostrpc.Server {
	return hostrpc.NewServer(hostrpc.Backend{
		Resolver:         s.localSystem,
		Credentials:      s.credentials,
		Kerberos:         s.kerberos,
		Certificates:     s.osCert,
		ServicePrincipal: s.Config().HTTP.ProxyKerberosServicePrincipal,
	}, token)
}

// Close restores patched globals, flushes telemetry and releases resources.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.interceptor != nil {
			s.interceptor.Close()
		}
		s.resolver.Close()
		s.pool.Reset()
		s.telemetry.Close()
		s.closeErr = s.closeSink()
	})
	return s.closeErr
}
