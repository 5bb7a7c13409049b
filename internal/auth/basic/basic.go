package basic

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Config holds a username/password pair, e.g. from proxy URL userinfo or a prompt.
type Config struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Header returns the "Basic ..." authorization value for c.
func (c Config) Header() (string, error) {
	return Header(c.Username, c.Password)
}

// Header builds a Basic authorization value. An empty password is allowed; an empty
// username is not.
func Header(username, password string) (string, error) {
	u := strings.TrimSpace(username)
	if u == "" {
		return "", errors.New("basic: username is required")
	}
	cred := base64.StdEncoding.EncodeToString([]byte(u + ":" + password))
	return "Basic " + cred, nil
}

// Parse decodes a Basic authorization value.
func Parse(header string) (username, password string, ok bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(raw), ":")
	return username, password, ok
}
