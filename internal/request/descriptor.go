package request

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/transport"
)

// Descriptor describes one logical request. It is never mutated once
// dispatched; redirects derive a new one.
type Descriptor struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout applies to each hop separately; zero disables it.
	Timeout time.Duration
	// FollowRedirects is the remaining redirect budget.
	FollowRedirects int
	DisableCache    bool
	User            string
	Password        string
	// Agent is a caller-supplied round tripper; see Settings.ProxySupport.
	Agent         http.RoundTripper
	StrictSSL     *bool
	TransportKind transport.Kind
}

// New returns a GET-style descriptor with the default redirect budget.
func New(method, rawURL string) Descriptor {
	if method == "" {
		method = http.MethodGet
	}
	return Descriptor{
		Method:          strings.ToUpper(method),
		URL:             rawURL,
		Header:          http.Header{},
		FollowRedirects: constants.DefaultFollowRedirects,
	}
}

// Redirect returns the descriptor for following a status response pointing at
// location, with one less unit of redirect budget.
func (d Descriptor) Redirect(location string, status int) (Descriptor, error) {
	base, err := url.Parse(d.URL)
	if err != nil {
		return Descriptor{}, err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	next := d
	target := base.ResolveReference(ref)
	next.URL = target.String()
	next.FollowRedirects = d.FollowRedirects - 1
	next.Header = d.Header.Clone()
	if next.Header == nil {
		next.Header = http.Header{}
	}

	switch {
	case status == http.StatusSeeOther && d.Method != http.MethodHead,
		(status == http.StatusMovedPermanently || status == http.StatusFound) && d.Method == http.MethodPost:
		next.Method = http.MethodGet
		next.Body = nil
		next.Header.Del("Content-Type")
		next.Header.Del("Content-Length")
	}
	if !strings.EqualFold(target.Host, base.Host) {
		next.Header.Del(constants.HeaderAuthorization)
		next.User, next.Password = "", ""
	}
	return next, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
