package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
)

type fakeHost struct {
	mu         sync.Mutex
	prompts    []AuthInfo
	creds      *Credentials
	kerberos   string
	kerbCalls  int
	promptFail error
}

func (h *fakeHost) LookupAuthorization(_ context.Context, info AuthInfo) (*Credentials, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, info)
	return h.creds, h.promptFail
}

func (h *fakeHost) LookupKerberosAuthorization(context.Context, string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kerbCalls++
	return h.kerberos, nil
}

func challenge(values ...string) http.Header {
	h := http.Header{}
	for _, v := range values {
		h.Add("Proxy-Authenticate", v)
	}
	return h
}

const proxy = "http://proxy.corp:3128"

func TestParseChallenge(t *testing.T) {
	cases := []struct {
		raw    string
		scheme Scheme
		realm  string
	}{
		{`Negotiate`, SchemeNegotiate, ""},
		{`kerberos abc`, SchemeNegotiate, ""},
		{`Basic realm="Corp Proxy"`, SchemeBasic, "Corp Proxy"},
		{`basic realm=squid`, SchemeBasic, "squid"},
		{`Digest realm="x", nonce="y"`, SchemeOther, "x"},
		{`NegotiateExtra`, SchemeOther, ""},
	}
	for _, tc := range cases {
		c := ParseChallenge(tc.raw, proxy)
		if c.Scheme != tc.scheme || c.Realm != tc.realm {
			t.Errorf("%q: got %s/%q want %s/%q", tc.raw, c.Scheme, c.Realm, tc.scheme, tc.realm)
		}
	}
}

func TestServicePrincipal(t *testing.T) {
	if got := ServicePrincipal("", "proxy.corp", "linux"); got != "HTTP@proxy.corp" {
		t.Fatalf("linux SPN = %q", got)
	}
	if got := ServicePrincipal("", "proxy.corp", "windows"); got != "HTTP/proxy.corp" {
		t.Fatalf("windows SPN = %q", got)
	}
	if got := ServicePrincipal("HTTP/custom", "proxy.corp", "linux"); got != "HTTP/custom" {
		t.Fatalf("override SPN = %q", got)
	}
}

func TestLookup_KerberosSuccess(t *testing.T) {
	var gotSPN string
	n := NewNegotiator(Options{
		GOOS: "linux",
		Kerberos: KerberosFunc(func(_ context.Context, spn string) (string, error) {
			gotSPN = spn
			return "dG9rZW4=", nil
		}),
	})
	state := &State{}
	if got := n.Lookup(context.Background(), proxy, challenge("Negotiate"), state); got != "Negotiate dG9rZW4=" {
		t.Fatalf("Lookup = %q", got)
	}
	if gotSPN != "HTTP@proxy.corp" || !state.KerberosRequested {
		t.Fatalf("spn=%q state=%+v", gotSPN, state)
	}
}

func TestLookup_KerberosAtMostOncePerRequest(t *testing.T) {
	calls := 0
	n := NewNegotiator(Options{Kerberos: KerberosFunc(func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("no ticket")
	})})
	state := &State{}
	for i := 0; i < 3; i++ {
		if got := n.Lookup(context.Background(), proxy, challenge("Negotiate"), state); got != "" {
			t.Fatalf("expected no credential, got %q", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single kerberos attempt, got %d", calls)
	}
	if !state.KerberosRequested {
		t.Fatal("flag must flip even when the attempt fails")
	}
	// a new logical request gets its own attempt
	n.Lookup(context.Background(), proxy, challenge("Negotiate"), &State{})
	if calls != 2 {
		t.Fatalf("expected a fresh attempt for a new request, got %d", calls)
	}
}

func TestLookup_KerberosHostFallback(t *testing.T) {
	host := &fakeHost{kerberos: "Negotiate aG9zdA=="}
	n := NewNegotiator(Options{Host: host, Remote: true, AllowHostFallback: true})
	if got := n.Lookup(context.Background(), proxy, challenge("Negotiate"), &State{}); got != "Negotiate aG9zdA==" {
		t.Fatalf("Lookup = %q", got)
	}
	n = NewNegotiator(Options{Host: host, Remote: false, AllowHostFallback: true})
	n.Lookup(context.Background(), proxy, challenge("Negotiate"), &State{})
	if host.kerbCalls != 1 {
		t.Fatalf("local contexts must not delegate, calls=%d", host.kerbCalls)
	}
}

func TestLookup_BasicCachedCredentialIsSingleUse(t *testing.T) {
	host := &fakeHost{creds: &Credentials{Username: "alice", Password: "pw"}}
	n := NewNegotiator(Options{Host: host})
	n.Cache().Set(proxy, "Basic Y2FjaGVk")

	state := &State{}
	if got := n.Lookup(context.Background(), proxy, challenge(`Basic realm="corp"`), state); got != "Basic Y2FjaGVk" {
		t.Fatalf("first lookup should return cached value, got %q", got)
	}
	if len(host.prompts) != 0 {
		t.Fatal("cache hit must not prompt")
	}
	got := n.Lookup(context.Background(), proxy, challenge(`Basic realm="corp"`), state)
	if got == "Basic Y2FjaGVk" {
		t.Fatal("cached credential must not be returned twice")
	}
	if got != "Basic YWxpY2U6cHc=" {
		t.Fatalf("expected fresh prompt result, got %q", got)
	}
	if len(host.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(host.prompts))
	}
	p := host.prompts[0]
	if p.Scheme != "basic" || p.Host != "proxy.corp" || p.Port != 3128 || p.Realm != "corp" || p.Attempt != 1 || !p.IsProxy {
		t.Fatalf("unexpected prompt %+v", p)
	}
	if v, _ := n.Cache().Get(proxy); v != "Basic YWxpY2U6cHc=" {
		t.Fatalf("prompted credential should be cached, got %q", v)
	}
}

func TestLookup_BasicAttemptCountsPerProxyAcrossRequests(t *testing.T) {
	host := &fakeHost{}
	n := NewNegotiator(Options{Host: host})
	for i := 0; i < 3; i++ {
		n.Lookup(context.Background(), proxy, challenge("Basic"), &State{})
	}
	n.Lookup(context.Background(), "http://other:8080", challenge("Basic"), &State{})
	if len(host.prompts) != 4 {
		t.Fatalf("expected 4 prompts, got %d", len(host.prompts))
	}
	if host.prompts[2].Attempt != 3 || host.prompts[3].Attempt != 1 {
		t.Fatalf("unexpected attempts %+v", host.prompts)
	}
}

func TestLookup_MergesPreviousChallenges(t *testing.T) {
	host := &fakeHost{creds: &Credentials{Username: "u", Password: "p"}}
	n := NewNegotiator(Options{Host: host})
	n.Lookup(context.Background(), proxy, challenge(`Basic realm="r"`), &State{})
	// the proxy omits its challenge on a later hop
	if got := n.Lookup(context.Background(), proxy, http.Header{}, &State{}); got == "" {
		t.Fatal("previous challenge should still apply")
	}
}

func TestLookup_NoUsableChallenge(t *testing.T) {
	n := NewNegotiator(Options{Host: &fakeHost{creds: &Credentials{Username: "u"}}})
	if got := n.Lookup(context.Background(), proxy, challenge(`Digest realm="x"`), &State{}); got != "" {
		t.Fatalf("expected undefined result, got %q", got)
	}
	host := &fakeHost{promptFail: errors.New("dialog dismissed")}
	n = NewNegotiator(Options{Host: host})
	if got := n.Lookup(context.Background(), proxy, challenge("Basic"), &State{}); got != "" {
		t.Fatalf("prompt failure must downgrade to no credential, got %q", got)
	}
}

func TestClear(t *testing.T) {
	n := NewNegotiator(Options{})
	n.Cache().Set(proxy, "Basic x")
	n.Lookup(context.Background(), proxy, challenge("Basic"), &State{})
	n.Clear()
	if n.Cache().Len() != 0 {
		t.Fatal("expected cache cleared")
	}
	if got := n.Lookup(context.Background(), proxy, http.Header{}, &State{}); got != "" {
		t.Fatalf("challenges should be forgotten, got %q", got)
	}
}

func TestStaticCredentials(t *testing.T) {
	s := StaticCredentials{Username: "u", Password: "p"}
	c, err := s.LookupAuthorization(context.Background(), AuthInfo{Scheme: "basic"})
	if err != nil || c == nil || c.Username != "u" {
		t.Fatalf("unexpected %v %v", c, err)
	}
	if c, _ := (StaticCredentials{}).LookupAuthorization(context.Background(), AuthInfo{Scheme: "basic"}); c != nil {
		t.Fatal("empty static credentials must not answer")
	}
}
