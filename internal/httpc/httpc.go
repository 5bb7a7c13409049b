package httpc

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loykin/proxyfetch/internal/constants"
)

// Httpc builds resty clients that send through a given round tripper, typically a
// proxy-aware one.
type Httpc struct {
	TlsConfig *tls.Config
	Transport http.RoundTripper
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// New returns a resty.Client configured according to the receiver.
// Defaults: MinVersion TLS1.2 when a TLS config without MinVersion is given.
func (h *Httpc) New() *resty.Client {
	var c *resty.Client
	if h.Transport != nil {
		c = resty.NewWithClient(&http.Client{Transport: h.Transport})
	} else {
		c = resty.New()
		if cfg := h.TlsConfig; cfg != nil {
			cfg = cfg.Clone()
			if cfg.MinVersion == 0 {
				cfg.MinVersion = tls.VersionTLS12
			}
			c.SetTLSClientConfig(cfg)
		}
	}
	if h.BaseURL != "" {
		c.SetBaseURL(h.BaseURL)
	}
	if h.Timeout > 0 {
		c.SetTimeout(h.Timeout)
	}
	ua := h.UserAgent
	if ua == "" {
		ua = constants.DefaultUserAgent
	}
	c.SetHeader("User-Agent", ua)
	return c
}
