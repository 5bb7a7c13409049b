package intercept

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/httpc"
	"github.com/loykin/proxyfetch/internal/request"
	"github.com/loykin/proxyfetch/internal/telemetry"
)

// ErrNotInstalled is returned by lookups before Install.
var ErrNotInstalled = errors.New("intercept: not installed")

type Executor interface {
	Execute(ctx context.Context, d request.Descriptor) (*request.Response, error)
}

type FeatureCounter interface {
	CountFeature(f telemetry.Feature)
}

type Settings struct {
	ProxySupport string
	// ElectronFetch routes fetch through the native (sandboxed) transport.
	ElectronFetch bool
	// FetchAdditionalSupport extends proxy support to fetch.
	FetchAdditionalSupport bool
}

type Options struct {
	Executor Executor
	// TLSConfig returns the client TLS configuration carrying the trust bundle.
	TLSConfig func() *tls.Config
	Features  FeatureCounter
	Blobs     *BlobRegistry
	Settings  Settings
}

// Interceptor hands each extension its own lazily built CapabilitySet.
type Interceptor struct {
	exec      Executor
	tlsConfig func() *tls.Config
	features  FeatureCounter
	blobs     *BlobRegistry
	logger    *common.Logger

	originalTransport http.RoundTripper
	originalClient    *http.Client

	mu        sync.RWMutex
	settings  Settings
	index     ExtensionIndex
	installed bool
	sets      map[string]*CapabilitySet

	patchMu       sync.Mutex
	patched       bool
	prevTransport http.RoundTripper
	prevClientRT  http.RoundTripper
}

func New(opts Options) *Interceptor {
	i := &Interceptor{
		exec:              opts.Executor,
		tlsConfig:         opts.TLSConfig,
		features:          opts.Features,
		blobs:             opts.Blobs,
		logger:            common.GetLogger().WithComponent("intercept"),
		originalTransport: http.DefaultTransport,
		sets:              map[string]*CapabilitySet{},
		settings:          opts.Settings,
	}
	if i.blobs == nil {
		i.blobs = NewBlobRegistry()
	}
	i.originalClient = &http.Client{Transport: i.originalTransport}
	return i
}

// Install binds the extension index. Only the first call has any effect.
func (i *Interceptor) Install(index ExtensionIndex) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.installed {
		return false
	}
	i.index = index
	i.installed = true
	i.logger.Debug("interceptor installed")
	return true
}

// Configure applies new settings and drops every cached set.
func (i *Interceptor) Configure(s Settings) {
	i.mu.Lock()
	i.settings = s
	i.sets = map[string]*CapabilitySet{}
	i.mu.Unlock()
}

func (i *Interceptor) currentSettings() Settings {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.settings
}

func (i *Interceptor) proxyOff() bool {
	return i.currentSettings().ProxySupport == constants.ProxySupportOff
}

// ForCaller returns the set of the extension owning the source file skip
// frames above the caller.
func (i *Interceptor) ForCaller(skip int) (*CapabilitySet, error) {
	_, file, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil, errors.New("intercept: caller unknown")
	}
	i.mu.RLock()
	index, installed := i.index, i.installed
	i.mu.RUnlock()
	if !installed {
		return nil, ErrNotInstalled
	}
	id, ok := index.FindOwner(file)
	if !ok {
		return nil, errors.New("intercept: no extension owns " + file)
	}
	return i.ForExtension(id), nil
}

// ForExtension returns the cached set for id, building it on first use.
func (i *Interceptor) ForExtension(id string) *CapabilitySet {
	i.mu.RLock()
	set, ok := i.sets[id]
	i.mu.RUnlock()
	if ok {
		return set
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if set, ok := i.sets[id]; ok {
		return set
	}
	set = i.build(id, i.settings)
	i.sets[id] = set
	return set
}

// Forget drops the set of a deactivated extension.
func (i *Interceptor) Forget(id string) {
	i.mu.Lock()
	delete(i.sets, id)
	i.mu.Unlock()
}

// Reset drops every set, e.g. when the extension host is recycled.
func (i *Interceptor) Reset() {
	i.mu.Lock()
	i.sets = map[string]*CapabilitySet{}
	i.mu.Unlock()
}

func (i *Interceptor) build(id string, s Settings) *CapabilitySet {
	logger := i.logger.WithExtension(id)
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	set := &CapabilitySet{Extension: id, Dialer: dialer, fetch: i.fetch}

	if s.ProxySupport == constants.ProxySupportOff || i.exec == nil {
		set.HTTPClient = i.originalClient
		set.Resty = (&httpc.Httpc{Transport: i.originalTransport}).New()
		set.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		logger.Debug("capability set uses original primitives")
		return set
	}
	rt := &executorTransport{exec: i.exec, original: i.originalTransport, bypass: i.proxyOff}
	set.HTTPClient = &http.Client{Transport: rt}
	set.Resty = (&httpc.Httpc{Transport: rt}).New()
	if i.tlsConfig != nil {
		set.TLSConfig = i.tlsConfig()
	} else {
		set.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	logger.Debug("capability set created")
	return set
}

// PatchGlobalFetch routes http.DefaultTransport and http.DefaultClient through
// the executor. It reports whether this call did the patching.
func (i *Interceptor) PatchGlobalFetch() bool {
	i.patchMu.Lock()
	defer i.patchMu.Unlock()
	if i.patched || i.exec == nil {
		return false
	}
	rt := &executorTransport{exec: i.exec, original: i.originalTransport, bypass: i.proxyOff}
	i.prevTransport = http.DefaultTransport
	i.prevClientRT = http.DefaultClient.Transport
	http.DefaultTransport = rt
	http.DefaultClient.Transport = rt
	i.patched = true
	i.logger.Debug("patched global http transport")
	return true
}

// Close restores the globals replaced by PatchGlobalFetch.
func (i *Interceptor) Close() {
	i.patchMu.Lock()
	defer i.patchMu.Unlock()
	if !i.patched {
		return
	}
	http.DefaultTransport = i.prevTransport
	http.DefaultClient.Transport = i.prevClientRT
	i.patched = false
}

// Blobs exposes the registry backing blob: URLs.
func (i *Interceptor) Blobs() *BlobRegistry { return i.blobs }

func (i *Interceptor) count(f telemetry.Feature) {
	if i.features != nil {
		i.features.CountFeature(f)
	}
}

var _ http.RoundTripper = (*executorTransport)(nil)
