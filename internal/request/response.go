package request

import (
	"encoding/json"
	"io"
	"net/http"
)

// Response is owned by the caller, who must drain or discard Body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// URL is the address of the hop that produced the response.
	URL string
}

// Discard drains and closes the body.
func (r *Response) Discard() {
	if r == nil || r.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}

func isSuccess(r *Response) bool {
	return r.Status >= 200 && r.Status < 300 || r.Status == http.StatusNotModified
}

// HasNoContent reports a 204 response.
func HasNoContent(r *Response) bool {
	return r.Status == http.StatusNoContent
}

// EnsureSuccess returns r unchanged for 2xx/304, otherwise discards it and
// returns a StatusError.
func EnsureSuccess(r *Response) (*Response, error) {
	if isSuccess(r) {
		return r, nil
	}
	r.Discard()
	return nil, &StatusError{Status: r.Status, URL: r.URL}
}

// AsText reads the whole body. A 204 yields "".
func AsText(r *Response) (string, error) {
	if _, err := EnsureSuccess(r); err != nil {
		return "", err
	}
	if HasNoContent(r) {
		r.Discard()
		return "", nil
	}
	defer func() { _ = r.Body.Close() }()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AsJSON decodes the body into v and reports whether there was content to
// decode. A 204 leaves v untouched.
func AsJSON(r *Response, v any) (bool, error) {
	if _, err := EnsureSuccess(r); err != nil {
		return false, err
	}
	if HasNoContent(r) {
		r.Discard()
		return false, nil
	}
	defer func() { _ = r.Body.Close() }()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, &ResponseParseError{Payload: b, Err: err}
	}
	return true, nil
}
