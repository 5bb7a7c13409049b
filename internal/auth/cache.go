package auth

import (
	"strings"
	"sync"
)

// CredentialCache maps a proxy URL to the authorization value last negotiated for it.
type CredentialCache struct {
	mu      sync.RWMutex
	byProxy map[string]string
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{byProxy: map[string]string{}}
}

func cacheKey(proxyURL string) string { return strings.ToLower(strings.TrimSpace(proxyURL)) }

func (c *CredentialCache) Set(proxyURL, value string) {
	key := cacheKey(proxyURL)
	if key == "" || value == "" {
		return
	}
	c.mu.Lock()
	c.byProxy[key] = value
	c.mu.Unlock()
}

func (c *CredentialCache) Get(proxyURL string) (string, bool) {
	c.mu.RLock()
	v, ok := c.byProxy[cacheKey(proxyURL)]
	c.mu.RUnlock()
	return v, ok
}

func (c *CredentialCache) Delete(proxyURL string) {
	c.mu.Lock()
	delete(c.byProxy, cacheKey(proxyURL))
	c.mu.Unlock()
}

func (c *CredentialCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byProxy)
}

// Clear drops every credential.
func (c *CredentialCache) Clear() {
	c.mu.Lock()
	c.byProxy = map[string]string{}
	c.mu.Unlock()
}
