package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/proxyfetch/internal/config"
)

func genPEM(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func staticLoader(data string, calls *int32) Loader {
	return func(context.Context) ([]byte, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return []byte(data), nil
	}
}

type hostLoader struct {
	pems  []string
	calls int32
}

func (h *hostLoader) LoadCertificates(context.Context) ([]string, error) {
	atomic.AddInt32(&h.calls, 1)
	return h.pems, nil
}

func TestLoad_ConcatenatesAndDeduplicates(t *testing.T) {
	a, b, c := genPEM(t, "runtime-a"), genPEM(t, "os-b"), genPEM(t, "test-c")
	s := NewStore(
		WithRuntimeLoader(staticLoader(a, nil)),
		WithOSLoader(staticLoader(b+"garbage\n"+a, nil)),
		WithTestCertificates(c, b),
	)
	bundle, err := s.Load(context.Background(), Options{SystemCertificates: true})
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Len() != 3 {
		t.Fatalf("expected 3 unique certificates, got %d", bundle.Len())
	}
	want := []Source{SourceRuntime, SourceOS, SourceTest}
	for i, e := range bundle.Entries {
		if e.Source != want[i] {
			t.Fatalf("entry %d source %s want %s", i, e.Source, want[i])
		}
	}
	if bundle.Entries[0].Subject != "CN=runtime-a" {
		t.Fatalf("subject = %q", bundle.Entries[0].Subject)
	}
	if len(bundle.PEMs()) != 3 || len(bundle.PEM()) == 0 {
		t.Fatal("PEM renderings empty")
	}
}

func TestLoad_SystemCertificatesDisabled(t *testing.T) {
	var osCalls int32
	s := NewStore(
		WithRuntimeLoader(staticLoader("", nil)),
		WithOSLoader(staticLoader(genPEM(t, "os"), &osCalls)),
	)
	b, _ := s.Load(context.Background(), Options{})
	if b.Len() != 0 || osCalls != 0 {
		t.Fatalf("OS store consulted while disabled: len=%d calls=%d", b.Len(), osCalls)
	}
	if s.Roots() != nil {
		t.Fatal("empty bundle should defer to the platform verifier")
	}
}

func TestLoad_RemoteUsesHost(t *testing.T) {
	var osCalls int32
	host := &hostLoader{pems: []string{genPEM(t, "host")}}
	s := NewStore(
		WithRuntimeLoader(staticLoader("", nil)),
		WithOSLoader(staticLoader(genPEM(t, "os"), &osCalls)),
		WithHostLoader(host),
	)
	b, _ := s.Load(context.Background(), Options{SystemCertificates: true, Remote: true})
	if b.Count(SourceHost) != 1 || osCalls != 0 || host.calls != 1 {
		t.Fatalf("unexpected sources: host=%d osCalls=%d hostCalls=%d", b.Count(SourceHost), osCalls, host.calls)
	}
}

func TestLoad_CachedUntilTriggeringChange(t *testing.T) {
	var calls int32
	s := NewStore(WithRuntimeLoader(staticLoader(genPEM(t, "r"), &calls)), WithOSLoader(nil))
	opts := Options{SystemCertificates: true}
	first, _ := s.Load(context.Background(), opts)
	second, _ := s.Load(context.Background(), opts)
	if first != second || calls != 1 {
		t.Fatalf("expected cached bundle, calls=%d", calls)
	}
	if s.OnConfigChange(config.ChangeSet{config.KeyProxy: {}}) {
		t.Fatal("proxy change must not invalidate certificates")
	}
	_, _ = s.Load(context.Background(), opts)
	if calls != 1 {
		t.Fatal("unrelated change recomputed the bundle")
	}
	if !s.OnConfigChange(config.ChangeSet{config.KeySystemCertificatesV2: {}}) {
		t.Fatal("expected invalidation")
	}
	_, _ = s.Load(context.Background(), opts)
	if calls != 2 {
		t.Fatalf("expected recompute after trigger, calls=%d", calls)
	}
	if s.Roots() == nil {
		t.Fatal("expected a root pool")
	}
}

func TestLoad_SourceFailureIsSkipped(t *testing.T) {
	s := NewStore(
		WithRuntimeLoader(func(context.Context) ([]byte, error) { return nil, errors.New("unreadable") }),
		WithTestCertificates(genPEM(t, "t")),
	)
	b, err := s.Load(context.Background(), Options{})
	if err != nil || b.Len() != 1 {
		t.Fatalf("expected test certificate only, got %v %v", b, err)
	}
}

func TestRuntimeLoader_EnvFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bundle.pem")
	if err := os.WriteFile(file, []byte(genPEM(t, "file")), 0o600); err != nil {
		t.Fatal(err)
	}
	certDir := filepath.Join(dir, "certs")
	if err := os.Mkdir(certDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "one.pem"), []byte(genPEM(t, "dir")), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSL_CERT_FILE", file)
	t.Setenv("SSL_CERT_DIR", certDir)
	data, err := RuntimeLoader(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b := newBundle()
	if n := b.add(data, SourceRuntime); n != 2 {
		t.Fatalf("expected 2 certificates, got %d", n)
	}
}
