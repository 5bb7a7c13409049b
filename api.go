package proxyfetch

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/proxyfetch/internal/certs"
	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/config"
	"github.com/loykin/proxyfetch/internal/intercept"
	"github.com/loykin/proxyfetch/internal/proxy"
	"github.com/loykin/proxyfetch/internal/request"
	"github.com/loykin/proxyfetch/internal/transport"
)

// Re-export commonly used types for the public API

type Config = config.Config

type ChangeSet = config.ChangeSet

// Descriptor describes one logical request.
type Descriptor = request.Descriptor

type Response = request.Response

// Decision is the proxy routing chosen for a destination.
type Decision = proxy.Decision

// Bundle is the deduplicated trust bundle.
type Bundle = certs.Bundle

type TransportKind = transport.Kind

const (
	TransportNode      = transport.KindNode
	TransportSandboxed = transport.KindSandboxed
)

type (
	TransportError         = request.TransportError
	TimeoutError           = request.TimeoutError
	CancelledError         = request.CancelledError
	AuthNegotiationFailure = request.AuthNegotiationFailure
	ResponseParseError     = request.ResponseParseError
	StatusError            = request.StatusError
)

type (
	CapabilitySet = intercept.CapabilitySet
	FetchRequest  = intercept.FetchRequest
	FetchResponse = intercept.FetchResponse
)

// NewRequest returns a descriptor with the default redirect budget.
func NewRequest(method, rawURL string) Descriptor { return request.New(method, rawURL) }

// EnsureSuccess returns r unchanged for 2xx and 304, and a StatusError otherwise.
func EnsureSuccess(r *Response) (*Response, error) { return request.EnsureSuccess(r) }

func HasNoContent(r *Response) bool { return request.HasNoContent(r) }

func AsText(r *Response) (string, error) { return request.AsText(r) }

// AsJSON decodes the body into v. It reports false for 204 responses.
func AsJSON(r *Response, v any) (bool, error) { return request.AsJSON(r, v) }

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	c := config.Default()
	return &c
}

// LoadConfig reads path (optional) with PROXYFETCH_* environment overrides.
func LoadConfig(path string) (*Config, *viper.Viper, error) { return config.Load(path) }

// ConfigFromMap decodes a settings map over the defaults.
func ConfigFromMap(m map[string]interface{}) (*Config, error) { return config.FromMap(m) }

// Logging

type Logger = common.Logger

type LogLevel = common.LogLevel

const (
	LogLevelError = common.LogLevelError
	LogLevelWarn  = common.LogLevelWarn
	LogLevelInfo  = common.LogLevelInfo
	LogLevelDebug = common.LogLevelDebug
	LogLevelTrace = common.LogLevelTrace
)

func NewLogger(level LogLevel) *Logger { return common.NewLogger(level) }

func NewJSONLogger(level LogLevel) *Logger { return common.NewJSONLogger(level) }

func NewColorLogger(level LogLevel) *Logger { return common.NewColorLogger(level) }

func SetDefaultLogger(logger *Logger) { common.SetDefaultLogger(logger) }

func GetLogger() *Logger { return common.GetLogger() }

// EnableMasking toggles masking of secrets in log output.
func EnableMasking(enabled bool) { common.EnableMasking(enabled) }

func MaskSensitiveData(input string) string { return common.MaskSensitiveData(input) }

// RedactHeaders flattens h for logging with credential headers masked.
func RedactHeaders(h http.Header) map[string]string { return common.RedactHeaders(h) }

// SetupLogging installs the global logger described by cfg. The returned
// cleanup closes the log file, if any.
func SetupLogging(cfg config.LoggingConfig) (func(), error) {
	level := common.ParseLogLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	cleanup := func() {}

	var logger *Logger
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch {
	case strings.TrimSpace(cfg.FileDir) != "":
		l, closeFile, err := common.NewFileLogger(level, common.FileConfig{
			Dir:        cfg.FileDir,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
		})
		if err != nil {
			return cleanup, fmt.Errorf("open log file: %w", err)
		}
		logger, cleanup = l, closeFile
	case format == "json":
		logger = NewJSONLogger(level)
	case format == "color" || format == "colour":
		logger = NewColorLogger(level)
	case format == "text" || format == "":
		logger = NewLogger(level)
	default:
		return cleanup, fmt.Errorf("invalid logging format: %s (valid: text, json, color)", cfg.Format)
	}

	SetDefaultLogger(logger)
	EnableMasking(cfg.MaskSensitive)
	logger.Debug("logging configured",
		"level", level.String(),
		"format", format,
		"file", cfg.FileDir != "",
		"mask_sensitive", cfg.MaskSensitive)
	return cleanup, nil
}
