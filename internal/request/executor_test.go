package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/loykin/proxyfetch/internal/auth"
	"github.com/loykin/proxyfetch/internal/auth/basic"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/env"
	"github.com/loykin/proxyfetch/internal/proxy"
	"github.com/loykin/proxyfetch/internal/transport"
)

type staticEnv env.Map

func (s staticEnv) Environment(context.Context) env.Map { return env.Map(s) }

func newExecutor(t *testing.T, proxyURL string, settings Settings, authn Authenticator) *Executor {
	t.Helper()
	r, err := proxy.NewResolver(proxy.Settings{Proxy: proxyURL, StrictSSL: true},
		proxy.WithSystemResolver(proxy.SystemResolverFunc(func(context.Context, *url.URL, env.Map) (string, error) {
			return "DIRECT", nil
		})))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	e, err := NewExecutor(Options{
		Resolver:      r,
		Agents:        transport.NewPool(transport.PoolOptions{}),
		Authenticator: authn,
		Environment:   staticEnv{},
		Settings:      settings,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func hangingServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestExecute_RedirectBudget(t *testing.T) {
	const budget = 3
	var hits int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if n <= budget {
			http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "done")
	}))
	defer srv.Close()

	e := newExecutor(t, "", Settings{}, nil)
	d := New(http.MethodGet, srv.URL+"/hop/0")
	d.FollowRedirects = budget
	resp, err := e.Execute(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Discard()
	if resp.Status != http.StatusFound {
		t.Fatalf("expected the unfollowed redirect, got %d", resp.Status)
	}
	if want := fmt.Sprintf("%s/hop/%d", srv.URL, budget); resp.URL != want {
		t.Fatalf("effective url = %s, want %s", resp.URL, want)
	}
	if got := atomic.LoadInt32(&hits); got != budget+1 {
		t.Fatalf("expected %d hops, got %d", budget+1, got)
	}

	d.FollowRedirects = budget + 1
	resp, err = e.Execute(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	text, err := AsText(resp)
	if err != nil || text != "done" {
		t.Fatalf("final body = %q, %v", text, err)
	}
}

func TestExecute_CancelledBeforeResponse(t *testing.T) {
	srv := hangingServer(t)
	e := newExecutor(t, "", Settings{}, nil)

	for _, kind := range []transport.Kind{transport.KindNode, transport.KindSandboxed} {
		t.Run(string(kind), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(50*time.Millisecond, cancel)
			d := New(http.MethodGet, srv.URL)
			d.TransportKind = kind
			resp, err := e.Execute(ctx, d)
			if resp != nil {
				t.Fatal("cancelled request produced a response")
			}
			var ce *CancelledError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CancelledError, got %T %v", err, err)
			}
			var te *TransportError
			if errors.As(err, &te) {
				t.Fatal("cancellation reported as transport error")
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(ctx, New(http.MethodGet, srv.URL)); !errors.As(err, new(*CancelledError)) {
		t.Fatalf("pre-cancelled context: %v", err)
	}
}

// silentListener accepts connections and never writes to them.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestExecute_TimeoutBothKinds(t *testing.T) {
	direct := newExecutor(t, "", Settings{}, nil)
	viaSilentProxy := newExecutor(t, "http://"+silentListener(t), Settings{}, nil)

	targets := []struct {
		name string
		url  string
		e    *Executor
	}{
		{"response", hangingServer(t).URL, direct},
		{"tls", "https://" + silentListener(t) + "/", direct},
		{"connect", "https://example.invalid/", viaSilentProxy},
	}
	for _, target := range targets {
		for _, kind := range []transport.Kind{transport.KindNode, transport.KindSandboxed} {
			t.Run(target.name+"/"+string(kind), func(t *testing.T) {
				d := New(http.MethodGet, target.url)
				d.Timeout = 100 * time.Millisecond
				d.TransportKind = kind
				start := time.Now()
				_, err := target.e.Execute(context.Background(), d)
				elapsed := time.Since(start)
				var te *TimeoutError
				if !errors.As(err, &te) {
					t.Fatalf("expected TimeoutError, got %T %v", err, err)
				}
				if elapsed < 90*time.Millisecond || elapsed > 2*time.Second {
					t.Fatalf("timed out after %v", elapsed)
				}
			})
		}
	}
}

func TestExecute_GzipRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("gzip me "), 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(payload)
		_ = zw.Close()
	}))
	defer srv.Close()
	e := newExecutor(t, "", Settings{}, nil)

	for _, kind := range []transport.Kind{transport.KindNode, transport.KindSandboxed} {
		t.Run(string(kind), func(t *testing.T) {
			d := New(http.MethodGet, srv.URL)
			d.TransportKind = kind
			resp, err := e.Execute(context.Background(), d)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("body differs from original (%d vs %d bytes)", len(got), len(payload))
			}
		})
	}
}

func TestExecute_RequestHeaders(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	e := newExecutor(t, "", Settings{UserAgent: "tests"}, nil)

	d := New(http.MethodGet, srv.URL)
	d.DisableCache = true
	d.User, d.Password = "alice", "s3cret"
	resp, err := e.Execute(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !HasNoContent(resp) {
		t.Fatalf("status = %d", resp.Status)
	}
	resp.Discard()
	if seen.Get("Cache-Control") != "no-cache" || seen.Get("Pragma") != "no-cache" {
		t.Fatalf("cache headers missing: %v", seen)
	}
	if seen.Get("User-Agent") != "tests" {
		t.Fatalf("user agent = %q", seen.Get("User-Agent"))
	}
	u, p, ok := basic.Parse(seen.Get("Authorization"))
	if !ok || u != "alice" || p != "s3cret" {
		t.Fatalf("authorization = %q", seen.Get("Authorization"))
	}
}

// proxyServer accepts plain HTTP proxy requests and demands Basic credentials.
func proxyServer(t *testing.T, want string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Header.Get(constants.HeaderProxyAuthorization) != want {
			w.Header().Set(constants.HeaderProxyAuthenticate, `Basic realm="corp"`)
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		_, _ = io.WriteString(w, "via proxy "+r.URL.Host)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_ProxyBasicNegotiation(t *testing.T) {
	want, _ := basic.Header("bob", "pw")
	var calls int32
	px := proxyServer(t, want, &calls)

	n := auth.NewNegotiator(auth.Options{Host: auth.StaticCredentials{Username: "bob", Password: "pw"}})
	e := newExecutor(t, px.URL, Settings{}, n)

	resp, err := e.Execute(context.Background(), New(http.MethodGet, "http://origin.invalid/data"))
	if err != nil {
		t.Fatal(err)
	}
	text, err := AsText(resp)
	if err != nil || text != "via proxy origin.invalid" {
		t.Fatalf("body = %q, %v", text, err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected challenge plus retry, got %d proxy calls", got)
	}
}

func TestExecute_ProxyChallengeUnanswered(t *testing.T) {
	var calls int32
	px := proxyServer(t, "Basic never", &calls)
	n := auth.NewNegotiator(auth.Options{Host: auth.StaticCredentials{}})
	e := newExecutor(t, px.URL, Settings{}, n)

	resp, err := e.Execute(context.Background(), New(http.MethodGet, "http://origin.invalid/"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Discard()
	if resp.Status != http.StatusProxyAuthRequired {
		t.Fatalf("expected the original 407, got %d", resp.Status)
	}
	if _, err := EnsureSuccess(resp); !errors.As(err, new(*StatusError)) {
		t.Fatalf("expected StatusError, got %v", err)
	}
}

func TestExecute_StaticProxyAuthorizationSkipsNegotiation(t *testing.T) {
	want, _ := basic.Header("static", "x")
	var calls int32
	px := proxyServer(t, want, &calls)
	var lookups int32
	authn := authFunc(func(context.Context, string, http.Header, *auth.State) string {
		atomic.AddInt32(&lookups, 1)
		return ""
	})
	e := newExecutor(t, px.URL, Settings{ProxyAuthorization: want}, authn)

	resp, err := e.Execute(context.Background(), New(http.MethodGet, "http://origin.invalid/"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Discard()
	if resp.Status != http.StatusOK || atomic.LoadInt32(&lookups) != 0 {
		t.Fatalf("status=%d lookups=%d", resp.Status, lookups)
	}
}

func TestExecute_ProxySupportOffConnectsDirectly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "direct")
	}))
	defer srv.Close()
	e := newExecutor(t, "http://127.0.0.1:1", Settings{ProxySupport: constants.ProxySupportOff}, nil)
	resp, err := e.Execute(context.Background(), New(http.MethodGet, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if text, _ := AsText(resp); text != "direct" {
		t.Fatalf("body = %q", text)
	}
}

func TestExecute_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	e := newExecutor(t, "", Settings{}, nil)
	_, err := e.Execute(context.Background(), New(http.MethodGet, addr))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if _, err := e.Execute(context.Background(), New(http.MethodGet, "ftp://example.com/")); !errors.As(err, &te) {
		t.Fatalf("unsupported scheme: %v", err)
	}
}

type authFunc func(ctx context.Context, proxyURL string, header http.Header, state *auth.State) string

func (f authFunc) Lookup(ctx context.Context, proxyURL string, header http.Header, state *auth.State) string {
	return f(ctx, proxyURL, header, state)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestExecute_CallerAgentPerProxySupport(t *testing.T) {
	px := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "proxied")
	}))
	defer px.Close()
	caller := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("caller")),
			Request:    r,
		}, nil
	})

	cases := []struct {
		name    string
		proxy   string
		support string
		want    string
	}{
		{"on keeps caller agent", px.URL, constants.ProxySupportOn, "caller"},
		{"fallback uses found proxy", px.URL, constants.ProxySupportFallback, "proxied"},
		{"fallback direct uses caller agent", "", constants.ProxySupportFallback, "caller"},
		{"override ignores caller agent", px.URL, constants.ProxySupportOverride, "proxied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newExecutor(t, tc.proxy, Settings{ProxySupport: tc.support}, nil)
			d := New(http.MethodGet, "http://origin.invalid/")
			d.Agent = caller
			resp, err := e.Execute(context.Background(), d)
			if err != nil {
				t.Fatal(err)
			}
			if text, _ := AsText(resp); text != tc.want {
				t.Fatalf("body = %q want %q", text, tc.want)
			}
		})
	}
}
