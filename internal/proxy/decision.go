package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/loykin/proxyfetch/internal/util"
)

// Decision is the connection strategy for one destination.
type Decision struct {
	Direct    bool
	ProxyURL  *url.URL
	StrictSSL bool
	// Source names where the decision came from: static, system, noProxy or support.
	Source string
}

// String renders the decision in PAC form with any userinfo removed.
func (d Decision) String() string {
	if d.Direct || d.ProxyURL == nil {
		return "DIRECT"
	}
	return FormatPAC(d.ProxyURL)
}

// Redacted returns the proxy URL with its password hidden.
func (d Decision) Redacted() string {
	if d.ProxyURL == nil {
		return ""
	}
	return d.ProxyURL.Redacted()
}

// ParseProxyURL parses a configured proxy, normalising bare socks to socks5.
func ParseProxyURL(raw string) (*url.URL, error) {
	raw, ok := util.TrimEmptyCheck(raw)
	if !ok {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	case "socks":
		u.Scheme = "socks5"
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy %q has no host", raw)
	}
	u.Path, u.RawPath = "", ""
	return u, nil
}

// ParsePAC interprets a PAC-style result such as "PROXY a:1; SOCKS5 b:2; DIRECT".
// The first usable entry wins; an empty or unrecognised string means direct.
// SOCKS4 entries are skipped.
func ParsePAC(s string) Decision {
	for _, entry := range strings.Split(s, ";") {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		kind := strings.ToUpper(fields[0])
		if kind == "DIRECT" {
			return Decision{Direct: true, Source: "system"}
		}
		if len(fields) < 2 {
			continue
		}
		var scheme string
		switch kind {
		case "PROXY", "HTTP":
			scheme = "http"
		case "HTTPS":
			scheme = "https"
		case "SOCKS", "SOCKS5":
			scheme = "socks5"
		default:
			continue
		}
		u, err := url.Parse(scheme + "://" + fields[1])
		if err != nil || u.Hostname() == "" {
			continue
		}
		return Decision{ProxyURL: u, Source: "system"}
	}
	return Decision{Direct: true, Source: "system"}
}

// FormatPAC renders u as a single PAC entry.
func FormatPAC(u *url.URL) string {
	if u == nil {
		return "DIRECT"
	}
	kind := "PROXY"
	switch u.Scheme {
	case "https":
		kind = "HTTPS"
	case "socks", "socks5", "socks5h":
		kind = "SOCKS5"
	}
	return kind + " " + u.Host
}
