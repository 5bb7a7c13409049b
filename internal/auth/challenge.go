package auth

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/loykin/proxyfetch/internal/constants"
)

type Scheme string

const (
	SchemeNegotiate Scheme = "negotiate"
	SchemeBasic     Scheme = "basic"
	SchemeOther     Scheme = "other"
)

var (
	negotiatePattern = regexp.MustCompile(`(?i)\b(negotiate|kerberos)\b`)
	basicPattern     = regexp.MustCompile(`(?i)^basic\b`)
	realmPattern     = regexp.MustCompile(`(?i)\brealm\s*=\s*(?:"([^"]*)"|([^\s,]+))`)
)

// Challenge is one authentication challenge issued by a proxy.
type Challenge struct {
	Scheme   Scheme
	Realm    string
	ProxyURL string
	Raw      string
}

// ParseChallenge classifies a single Proxy-Authenticate value.
func ParseChallenge(raw, proxyURL string) Challenge {
	raw = strings.TrimSpace(raw)
	c := Challenge{Scheme: SchemeOther, ProxyURL: proxyURL, Raw: raw}
	switch {
	case negotiatePattern.MatchString(raw):
		c.Scheme = SchemeNegotiate
	case basicPattern.MatchString(raw):
		c.Scheme = SchemeBasic
	}
	if m := realmPattern.FindStringSubmatch(raw); m != nil {
		c.Realm = m[1] + m[2]
	}
	return c
}

// ParseChallenges reads every Proxy-Authenticate value in h.
func ParseChallenges(h http.Header, proxyURL string) []Challenge {
	values := h.Values(constants.HeaderProxyAuthenticate)
	out := make([]Challenge, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, ParseChallenge(v, proxyURL))
	}
	return out
}

func mergeChallenges(prev, cur []Challenge) []Challenge {
	merged := make([]Challenge, 0, len(prev)+len(cur))
	seen := make(map[string]struct{}, len(prev)+len(cur))
	for _, c := range append(append([]Challenge(nil), cur...), prev...) {
		k := strings.ToLower(c.Raw)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, c)
	}
	return merged
}

func find(cs []Challenge, s Scheme) (Challenge, bool) {
	for _, c := range cs {
		if c.Scheme == s {
			return c, true
		}
	}
	return Challenge{}, false
}
