package constants

import "time"

// Proxy resolution defaults
const (
	// DefaultNetworkInterfaceCheckInterval is how often the interface fingerprint is recomputed.
	DefaultNetworkInterfaceCheckInterval = 300 * time.Second
	// NetworkInterfaceCheckDisabled disables the periodic check when used as the interval in seconds.
	NetworkInterfaceCheckDisabled = -1

	ProxySupportOff      = "off"
	ProxySupportOn       = "on"
	ProxySupportFallback = "fallback"
	ProxySupportOverride = "override"
)

// Request defaults
const (
	DefaultFollowRedirects = 3
	// MaxProxyAuthAttempts bounds how often one hop is reissued after a 407.
	MaxProxyAuthAttempts = 3
	// FetchMaxRedirects is the redirect budget of fetch in follow mode.
	FetchMaxRedirects = 20
	DefaultUserAgent  = "proxyfetch"
)

// Header names and masking
const (
	HeaderAuthorization      = "Authorization"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderProxyAuthenticate  = "Proxy-Authenticate"
	HeaderWWWAuthenticate    = "WWW-Authenticate"
	HeaderContentEncoding    = "Content-Encoding"
	HeaderLocation           = "Location"

	// RedactedHeaderValue replaces credential header values in trace logs.
	RedactedHeaderValue = "*****"
	// MaskedValue replaces sensitive attribute values in structured logs.
	MaskedValue = "***MASKED***"
)

// Telemetry windows
const (
	ProxyResolveFlushInterval = time.Hour
	FetchFeatureIdleWindow    = 10 * time.Second

	EventProxyResolveStats = "additionalProxyResolveStats"
	EventFetchFeatureUse   = "fetchFeatureUse"
)

// Store defaults
const (
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"

	DefaultPostgresMaxConnections = 25
	DefaultPostgresMaxIdleConns   = 5
	DefaultSQLiteMaxConnections   = 1 // SQLite allows only one writer
	DefaultSQLiteMaxIdleConns     = 1

	DefaultTelemetryEventsTable = "telemetry_events"
	TelemetryEventsSuffix       = "_telemetry_events"

	DefaultMaxConnLifetime = 5 * time.Minute
	DefaultMaxIdleTime     = 1 * time.Minute
	DefaultSQLiteLifetime  = 10 * time.Minute
	DefaultSQLiteIdleTime  = 5 * time.Minute
)

// Host RPC defaults
const (
	DefaultHostListen  = "127.0.0.1:7391"
	DefaultHostTimeout = 30 * time.Second

	HostPathResolveProxy   = "/v1/proxy/resolve"
	HostPathLookupAuth     = "/v1/auth/lookup"
	HostPathLookupKerberos = "/v1/auth/kerberos"
	HostPathCertificates   = "/v1/certificates"
)
