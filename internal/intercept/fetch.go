package intercept

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/request"
	"github.com/loykin/proxyfetch/internal/telemetry"
	"github.com/loykin/proxyfetch/internal/transport"
)

type RedirectMode string

const (
	RedirectFollow RedirectMode = "follow"
	RedirectManual RedirectMode = "manual"
	RedirectError  RedirectMode = "error"
)

var (
	ErrIntegrity       = errors.New("fetch: integrity check failed")
	ErrRedirectRefused = errors.New("fetch: redirect in error mode")
	ErrBlobNotFound    = errors.New("fetch: blob not found")
)

type FetchRequest struct {
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	Redirect  RedirectMode
	Integrity string
}

// FetchResponse is a fully buffered fetch result. Reads of URL and Type are
// counted as feature use.
type FetchResponse struct {
	Status     int
	Header     http.Header
	Body       []byte
	Redirected bool

	url      string
	typ      string
	features FeatureCounter
}

func (r *FetchResponse) URL() string {
	if r.features != nil {
		r.features.CountFeature(telemetry.FeatureURL)
	}
	return r.url
}

func (r *FetchResponse) Type() string {
	if r.features != nil {
		r.features.CountFeature(telemetry.FeatureType)
	}
	return r.typ
}

func (r *FetchResponse) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (r *FetchResponse) Text() string { return string(r.Body) }

func (r *FetchResponse) JSON(v any) error { return json.Unmarshal(r.Body, v) }

// forbiddenHeaders may not be set by callers of the native path.
var forbiddenHeaders = map[string]struct{}{
	"Accept-Charset":                 {},
	"Accept-Encoding":                {},
	"Access-Control-Request-Headers": {},
	"Access-Control-Request-Method":  {},
	"Connection":                     {},
	"Content-Length":                 {},
	"Cookie":                         {},
	"Cookie2":                        {},
	"Date":                           {},
	"Dnt":                            {},
	"Expect":                         {},
	"Host":                           {},
	"Keep-Alive":                     {},
	"Origin":                         {},
	"Referer":                        {},
	"Set-Cookie":                     {},
	"Te":                             {},
	"Trailer":                        {},
	"Transfer-Encoding":              {},
	"Upgrade":                        {},
	"Via":                            {},
}

// StripForbiddenHeaders returns a copy of h without forbidden request headers.
func StripForbiddenHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		ck := http.CanonicalHeaderKey(k)
		if _, bad := forbiddenHeaders[ck]; bad {
			continue
		}
		if strings.HasPrefix(ck, "Proxy-") || strings.HasPrefix(ck, "Sec-") {
			continue
		}
		out[ck] = append([]string(nil), v...)
	}
	return out
}

func (i *Interceptor) fetch(ctx context.Context, ext string, r FetchRequest) (*FetchResponse, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url %q: %w", r.URL, err)
	}
	if r.Redirect == "" {
		r.Redirect = RedirectFollow
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	software := false
	switch u.Scheme {
	case "data":
		i.count(telemetry.FeatureData)
		software = true
	case "blob":
		i.count(telemetry.FeatureBlob)
		software = true
	}
	if r.Redirect == RedirectManual {
		i.count(telemetry.FeatureManualRedirect)
		software = true
	}
	if r.Integrity != "" {
		i.count(telemetry.FeatureIntegrity)
		software = true
	}

	var resp *FetchResponse
	switch u.Scheme {
	case "data":
		resp, err = fetchData(r.URL)
	case "blob":
		resp, err = i.fetchBlob(r.URL)
	case "http", "https":
		resp, err = i.fetchHTTP(ctx, r, software)
	default:
		err = fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		i.logger.WithExtension(ext).Debug("fetch failed", "url", u.Redacted(), "error", err)
		return nil, err
	}
	if r.Integrity != "" {
		if err := verifyIntegrity(r.Integrity, resp.Body); err != nil {
			return nil, err
		}
	}
	resp.features = i.features
	return resp, nil
}

func (i *Interceptor) fetchHTTP(ctx context.Context, r FetchRequest, software bool) (*FetchResponse, error) {
	s := i.currentSettings()
	d := request.New(r.Method, r.URL)
	d.Header = r.Header.Clone()
	if d.Header == nil {
		d.Header = http.Header{}
	}
	d.Body = r.Body
	d.FollowRedirects = constants.FetchMaxRedirects
	if r.Redirect != RedirectFollow {
		d.FollowRedirects = 0
	}

	var (
		resp *request.Response
		err  error
	)
	if !s.FetchAdditionalSupport || s.ProxySupport == constants.ProxySupportOff || i.exec == nil {
		resp, err = i.originalDo(ctx, d)
	} else {
		d.TransportKind = transport.KindNode
		if s.ElectronFetch && !software {
			d.TransportKind = transport.KindSandboxed
			d.Header = StripForbiddenHeaders(d.Header)
		}
		resp, err = i.exec.Execute(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	if r.Redirect == RedirectError && resp.Status >= 300 && resp.Status < 400 && resp.Header.Get(constants.HeaderLocation) != "" {
		resp.Discard()
		return nil, ErrRedirectRefused
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	return &FetchResponse{
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
		Redirected: resp.URL != r.URL,
		url:        resp.URL,
		typ:        "basic",
	}, nil
}

// originalDo runs d on the unpatched client.
func (i *Interceptor) originalDo(ctx context.Context, d request.Descriptor) (*request.Response, error) {
	var body io.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header = d.Header
	budget := d.FollowRedirects
	client := &http.Client{
		Transport: i.originalTransport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > budget {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return &request.Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body, URL: resp.Request.URL.String()}, nil
}

func fetchData(raw string) (*FetchResponse, error) {
	rest := strings.TrimPrefix(raw, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("fetch: malformed data url")
	}
	isBase64 := false
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		isBase64 = true
		meta = meta[:len(meta)-len(";base64")]
	}
	var body []byte
	if isBase64 {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, err
		}
		b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(unescaped, "="))
		if err != nil {
			return nil, fmt.Errorf("fetch: malformed base64 data url: %w", err)
		}
		body = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, err
		}
		body = []byte(s)
	}
	ct := strings.TrimSpace(meta)
	switch {
	case ct == "":
		ct = "text/plain;charset=US-ASCII"
	case strings.HasPrefix(ct, ";"):
		ct = "text/plain" + ct
	}
	h := http.Header{}
	h.Set("Content-Type", ct)
	return &FetchResponse{Status: http.StatusOK, Header: h, Body: body, url: raw, typ: "basic"}, nil
}

func (i *Interceptor) fetchBlob(raw string) (*FetchResponse, error) {
	b, ok := i.blobs.Lookup(raw)
	if !ok {
		return nil, ErrBlobNotFound
	}
	h := http.Header{}
	if b.Type != "" {
		h.Set("Content-Type", b.Type)
	}
	h.Set("Content-Length", fmt.Sprint(len(b.Data)))
	return &FetchResponse{Status: http.StatusOK, Header: h, Body: append([]byte(nil), b.Data...), url: raw, typ: "basic"}, nil
}

// verifyIntegrity checks body against subresource-integrity metadata. Only
// the strongest algorithm listed is considered.
func verifyIntegrity(metadata string, body []byte) error {
	rank := map[string]int{"sha256": 1, "sha384": 2, "sha512": 3}
	best := 0
	var digests []string
	for _, tok := range strings.Fields(metadata) {
		tok, _, _ = strings.Cut(tok, "?")
		alg, digest, ok := strings.Cut(tok, "-")
		r := rank[strings.ToLower(alg)]
		if !ok || r == 0 {
			continue
		}
		switch {
		case r > best:
			best, digests = r, []string{digest}
		case r == best:
			digests = append(digests, digest)
		}
	}
	if best == 0 {
		// no recognised algorithm: nothing to enforce
		return nil
	}
	var h hash.Hash
	switch best {
	case 1:
		h = sha256.New()
	case 2:
		h = sha512.New384()
	default:
		h = sha512.New()
	}
	h.Write(body)
	sum := base64.StdEncoding.EncodeToString(h.Sum(nil))
	for _, d := range digests {
		if subtle.ConstantTimeCompare([]byte(d), []byte(sum)) == 1 {
			return nil
		}
	}
	return ErrIntegrity
}

type Blob struct {
	Data []byte
	Type string
}

// BlobRegistry backs blob: URLs created in process.
type BlobRegistry struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: map[string]Blob{}}
}

// Create stores data and returns its blob: URL.
func (r *BlobRegistry) Create(data []byte, contentType string) string {
	u := "blob:proxyfetch/" + uuid.NewString()
	r.mu.Lock()
	r.blobs[u] = Blob{Data: append([]byte(nil), data...), Type: contentType}
	r.mu.Unlock()
	return u
}

func (r *BlobRegistry) Lookup(u string) (Blob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[u]
	return b, ok
}

func (r *BlobRegistry) Revoke(u string) {
	r.mu.Lock()
	delete(r.blobs, u)
	r.mu.Unlock()
}
