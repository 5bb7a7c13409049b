package certs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Loader returns PEM data for one certificate source.
type Loader func(ctx context.Context) ([]byte, error)

// HostLoader fetches the OS certificates from a trusted host process.
type HostLoader interface {
	LoadCertificates(ctx context.Context) ([]string, error)
}

var errUnsupportedPlatform = errors.New("certs: loading OS certificates is not supported on " + runtime.GOOS)

// Well-known bundle locations on unix-like systems.
var unixBundleFiles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
	"/etc/ssl/cert.pem",
}

var darwinKeychains = []string{
	"/System/Library/Keychains/SystemRootCertificates.keychain",
	"/Library/Keychains/System.keychain",
}

// RuntimeLoader reads the bundles named by SSL_CERT_FILE and SSL_CERT_DIR.
func RuntimeLoader(_ context.Context) ([]byte, error) {
	var out []byte
	if f := os.Getenv("SSL_CERT_FILE"); f != "" {
		data, err := os.ReadFile(filepath.Clean(f))
		if err != nil {
			return nil, fmt.Errorf("read SSL_CERT_FILE: %w", err)
		}
		out = append(out, data...)
		out = append(out, '\n')
	}
	for _, dir := range filepath.SplitList(os.Getenv("SSL_CERT_DIR")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			out = append(out, data...)
			out = append(out, '\n')
		}
	}
	return out, nil
}

// OSLoader reads the platform trust store.
func OSLoader(ctx context.Context) ([]byte, error) {
	switch runtime.GOOS {
	case "darwin":
		args := append([]string{"find-certificate", "-a", "-p"}, darwinKeychains...)
		out, err := exec.CommandContext(ctx, "/usr/bin/security", args...).Output()
		if err != nil {
			return nil, fmt.Errorf("security find-certificate: %w", err)
		}
		return out, nil
	case "windows", "plan9", "js", "wasip1":
		return nil, errUnsupportedPlatform
	}
	for _, f := range unixBundleFiles {
		data, err := os.ReadFile(f)
		if err == nil && strings.Contains(string(data), "BEGIN CERTIFICATE") {
			return data, nil
		}
	}
	return nil, fmt.Errorf("certs: no system bundle found in %s", strings.Join(unixBundleFiles, ", "))
}
