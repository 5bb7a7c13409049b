package certs

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"strings"
)

type Source string

const (
	SourceRuntime Source = "runtime"
	SourceOS      Source = "os"
	SourceHost    Source = "host"
	SourceTest    Source = "test"
)

// Entry is one PEM-encoded certificate and where it came from.
type Entry struct {
	PEM     string `json:"pem"`
	Source  Source `json:"source"`
	Subject string `json:"subject,omitempty"`
}

// Bundle is an ordered, deduplicated certificate list.
type Bundle struct {
	Entries []Entry

	seen map[[sha256.Size]byte]struct{}
}

func newBundle() *Bundle {
	return &Bundle{seen: map[[sha256.Size]byte]struct{}{}}
}

// add appends every certificate in data not already present. It returns how many
// were added.
func (b *Bundle) add(data []byte, src Source) int {
	added := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return added
		}
		if block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(block.Bytes)
		if _, dup := b.seen[sum]; dup {
			continue
		}
		b.seen[sum] = struct{}{}
		b.Entries = append(b.Entries, Entry{
			PEM:     string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block.Bytes})),
			Source:  src,
			Subject: cert.Subject.String(),
		})
		added++
	}
}

func (b *Bundle) addAll(pems []string, src Source) int {
	n := 0
	for _, p := range pems {
		n += b.add([]byte(p), src)
	}
	return n
}

func (b *Bundle) Len() int { return len(b.Entries) }

// Count returns how many entries came from src.
func (b *Bundle) Count(src Source) int {
	n := 0
	for _, e := range b.Entries {
		if e.Source == src {
			n++
		}
	}
	return n
}

// PEM concatenates every entry.
func (b *Bundle) PEM() []byte {
	var buf bytes.Buffer
	for _, e := range b.Entries {
		buf.WriteString(e.PEM)
		if !strings.HasSuffix(e.PEM, "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// PEMs returns the entries as separate PEM strings.
func (b *Bundle) PEMs() []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.PEM
	}
	return out
}

// Pool builds a certificate pool from the bundle.
func (b *Bundle) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	for _, e := range b.Entries {
		p.AppendCertsFromPEM([]byte(e.PEM))
	}
	return p
}

// SplitPEM returns the distinct certificates in data as separate PEM blocks.
func SplitPEM(data []byte) []string {
	b := newBundle()
	b.add(data, SourceOS)
	return b.PEMs()
}
