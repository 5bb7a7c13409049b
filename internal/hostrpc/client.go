package hostrpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/loykin/proxyfetch/internal/auth"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/env"
	"github.com/loykin/proxyfetch/internal/httpc"
)

type ClientOptions struct {
	// Secret signs bearer tokens; empty sends none.
	Secret  string
	Timeout time.Duration
	// Transport overrides the round tripper, e.g. in tests.
	Transport http.RoundTripper
}

// Client delegates OS-level lookups to a trusted host. It satisfies
// proxy.SystemResolver, auth.CredentialHost and certs.HostLoader.
type Client struct {
	rc    *resty.Client
	token TokenConfig
}

func NewClient(baseURL string, opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHostTimeout
	}
	h := httpc.Httpc{BaseURL: baseURL, Timeout: timeout, Transport: opts.Transport}
	rc := h.New()
	rc.SetHeader("Accept", "application/json")
	return &Client{rc: rc, token: TokenConfig{Secret: opts.Secret}}
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	r := c.rc.R().SetContext(ctx)
	if c.token.enabled() {
		tok, err := c.token.Issue()
		if err != nil {
			return nil, err
		}
		r.SetAuthToken(tok)
	}
	return r, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if body != nil {
		r.SetBody(body)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", path, err)
	}
	if resp.IsError() {
		msg := gjson.GetBytes(resp.Body(), "error").String()
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("host %s: %d: %s", path, resp.StatusCode(), msg)
	}
	return resp, nil
}

func (c *Client) ResolveProxy(ctx context.Context, target *url.URL, environ env.Map) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, constants.HostPathResolveProxy, resolveRequest{URL: target.String(), Env: environ})
	if err != nil {
		return "", err
	}
	pac := gjson.GetBytes(resp.Body(), "pac")
	if !pac.Exists() {
		return "", fmt.Errorf("host %s: response without pac", constants.HostPathResolveProxy)
	}
	return pac.String(), nil
}

func (c *Client) LookupAuthorization(ctx context.Context, info auth.AuthInfo) (*auth.Credentials, error) {
	resp, err := c.do(ctx, http.MethodPost, constants.HostPathLookupAuth, info)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	res := gjson.GetManyBytes(resp.Body(), "username", "password")
	if res[0].String() == "" {
		return nil, nil
	}
	return &auth.Credentials{Username: res[0].String(), Password: res[1].String()}, nil
}

func (c *Client) LookupKerberosAuthorization(ctx context.Context, proxyURL string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, constants.HostPathLookupKerberos, kerberosRequest{ProxyURL: proxyURL})
	if err != nil {
		return "", err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return "", nil
	}
	return gjson.GetBytes(resp.Body(), "authorization").String(), nil
}

func (c *Client) LoadCertificates(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, constants.HostPathCertificates, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range gjson.GetBytes(resp.Body(), "certificates").Array() {
		out = append(out, v.String())
	}
	return out, nil
}
