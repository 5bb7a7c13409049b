package auth

import (
	"context"
	"errors"
	"fmt"
)

// AuthInfo describes a credential prompt.
type AuthInfo struct {
	Scheme  string `json:"scheme"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Realm   string `json:"realm,omitempty"`
	IsProxy bool   `json:"isProxy"`
	Attempt int    `json:"attempt"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialHost prompts for credentials and performs Kerberos lookups on behalf of
// contexts that cannot. A nil result with a nil error means nothing is available.
type CredentialHost interface {
	LookupAuthorization(ctx context.Context, info AuthInfo) (*Credentials, error)
	LookupKerberosAuthorization(ctx context.Context, proxyURL string) (string, error)
}

// KerberosProvider produces a base64 SPNEGO token for a service principal.
type KerberosProvider interface {
	Token(ctx context.Context, spn string) (string, error)
}

// KerberosFunc adapts a function to KerberosProvider.
type KerberosFunc func(ctx context.Context, spn string) (string, error)

func (f KerberosFunc) Token(ctx context.Context, spn string) (string, error) { return f(ctx, spn) }

// ErrKerberosUnavailable is returned when no Kerberos provider is configured.
var ErrKerberosUnavailable = errors.New("kerberos: no provider available")

// NegotiationFailure records a failed proxy authentication attempt. It is logged and
// never returned to request callers, who observe the original 407 instead.
type NegotiationFailure struct {
	Scheme   Scheme
	ProxyURL string
	Err      error
}

func (e *NegotiationFailure) Error() string {
	return fmt.Sprintf("%s authentication with %s failed: %v", e.Scheme, e.ProxyURL, e.Err)
}

func (e *NegotiationFailure) Unwrap() error { return e.Err }

// StaticCredentials answers every Basic prompt with the same username and password.
// It has no Kerberos support.
type StaticCredentials Credentials

func (s StaticCredentials) LookupAuthorization(_ context.Context, info AuthInfo) (*Credentials, error) {
	if info.Scheme != string(SchemeBasic) || s.Username == "" {
		return nil, nil
	}
	c := Credentials(s)
	return &c, nil
}

func (StaticCredentials) LookupKerberosAuthorization(context.Context, string) (string, error) {
	return "", nil
}
