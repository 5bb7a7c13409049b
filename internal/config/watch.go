package config

import (
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/proxyfetch/internal/common"
)

// ChangeSet lists the setting keys whose values differ between two configurations.
type ChangeSet map[string]struct{}

// Affects reports whether any of keys changed.
func (c ChangeSet) Affects(keys ...string) bool {
	for _, k := range keys {
		if _, ok := c[k]; ok {
			return true
		}
	}
	return false
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool { return len(c) == 0 }

// Diff compares the HTTP settings of old and next.
func Diff(old, next *Config) ChangeSet {
	cs := ChangeSet{}
	if old == nil || next == nil {
		return cs
	}
	a, b := old.HTTP, next.HTTP
	mark := func(key string, changed bool) {
		if changed {
			cs[key] = struct{}{}
		}
	}
	mark(KeyProxy, a.Proxy != b.Proxy)
	mark(KeyProxyStrictSSL, a.ProxyStrictSSL != b.ProxyStrictSSL)
	mark(KeyProxyKerberosServicePrincipal, a.ProxyKerberosServicePrincipal != b.ProxyKerberosServicePrincipal)
	mark(KeyNoProxy, !reflect.DeepEqual(a.NoProxy, b.NoProxy))
	mark(KeyProxyAuthorization, a.ProxyAuthorization != b.ProxyAuthorization)
	mark(KeyProxySupport, a.ProxySupport != b.ProxySupport)
	mark(KeySystemCertificates, a.SystemCertificates != b.SystemCertificates)
	mark(KeySystemCertificatesV2, a.Experimental.SystemCertificatesV2 != b.Experimental.SystemCertificatesV2)
	mark(KeyElectronFetch, a.ElectronFetch != b.ElectronFetch)
	mark(KeyFetchAdditionalSupport, a.FetchAdditionalSupport != b.FetchAdditionalSupport)
	mark(KeyNetworkInterfaceCheckInterval, a.Experimental.NetworkInterfaceCheckInterval != b.Experimental.NetworkInterfaceCheckInterval)
	return cs
}

// Listener receives the new configuration together with what changed.
type Listener func(next *Config, changes ChangeSet)

// Watcher holds the current configuration and fans change notifications out to listeners.
type Watcher struct {
	mu        sync.RWMutex
	current   *Config
	listeners []Listener
}

func NewWatcher(initial *Config) *Watcher {
	return &Watcher{current: initial}
}

// Current returns the latest applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers l for future changes.
func (w *Watcher) Subscribe(l Listener) {
	if l == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, l)
	w.mu.Unlock()
}

// Apply swaps in next and notifies listeners when any setting changed.
func (w *Watcher) Apply(next *Config) ChangeSet {
	w.mu.Lock()
	changes := Diff(w.current, next)
	w.current = next
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()

	if changes.Empty() {
		return changes
	}
	for _, l := range listeners {
		l(next, changes)
	}
	return changes
}

// WatchFile re-decodes v whenever its config file changes and applies the result.
// Invalid edits are logged and ignored.
func (w *Watcher) WatchFile(v *viper.Viper) {
	logger := common.GetLogger().WithComponent("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := Decode(v)
		if err != nil {
			logger.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		changes := w.Apply(next)
		logger.Info("configuration reloaded", "file", e.Name, "op", e.Op.String(), "changed", len(changes))
	})
	v.WatchConfig()
}
