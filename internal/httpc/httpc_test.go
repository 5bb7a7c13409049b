package httpc

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type countingRT struct {
	n    int32
	next http.RoundTripper
}

func (c *countingRT) RoundTrip(r *http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.n, 1)
	return c.next.RoundTrip(r)
}

func TestNew_UsesTransportAndDefaults(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	rt := &countingRT{next: http.DefaultTransport}
	c := (&Httpc{Transport: rt, BaseURL: srv.URL}).New()
	resp, err := c.R().Get("/ping")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode() != 200 || resp.String() != "ok" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode(), resp.String())
	}
	if atomic.LoadInt32(&rt.n) != 1 {
		t.Fatal("custom transport was not used")
	}
	if ua != "proxyfetch" {
		t.Fatalf("User-Agent = %q", ua)
	}
}

func TestNew_InsecureTLSConfig(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer srv.Close()

	if _, err := (&Httpc{}).New().R().Get(srv.URL); err == nil {
		t.Fatal("expected unknown authority error without TLS override")
	}
	cfg := &tls.Config{InsecureSkipVerify: true}
	resp, err := (&Httpc{TlsConfig: cfg, UserAgent: "x"}).New().R().Get(srv.URL)
	if err != nil || resp.StatusCode() != 204 {
		t.Fatalf("expected 204 with insecure TLS, got %v %v", resp, err)
	}
	if cfg.MinVersion != 0 {
		t.Fatal("caller TLS config must not be mutated")
	}
}
