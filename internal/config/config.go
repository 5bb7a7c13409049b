package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/util"
)

// Setting keys. Viper lower-cases keys internally; these are the documented spellings.
const (
	KeyProxy                         = "http.proxy"
	KeyProxyStrictSSL                = "http.proxyStrictSSL"
	KeyProxyKerberosServicePrincipal = "http.proxyKerberosServicePrincipal"
	KeyNoProxy                       = "http.noProxy"
	KeyProxyAuthorization            = "http.proxyAuthorization"
	KeyProxySupport                  = "http.proxySupport"
	KeySystemCertificates            = "http.systemCertificates"
	KeySystemCertificatesV2          = "http.experimental.systemCertificatesV2"
	KeyElectronFetch                 = "http.electronFetch"
	KeyFetchAdditionalSupport        = "http.fetchAdditionalSupport"
	KeyNetworkInterfaceCheckInterval = "http.experimental.networkInterfaceCheckInterval"
)

// ProxyURLPattern is the accepted shape of http.proxy. Empty means unset.
// SOCKS4 is not accepted since agents only speak SOCKS5.
var ProxyURLPattern = regexp.MustCompile(`^(https?|socks|socks5h?)://([^:]*(:[^@]*)?@)?([^:]+|\[[:0-9a-fA-F]+\])(:\d+)?/?$|^$`)

type ExperimentalConfig struct {
	SystemCertificatesV2 bool `mapstructure:"systemCertificatesV2" yaml:"systemCertificatesV2"`
	// NetworkInterfaceCheckInterval is in seconds; -1 disables the check.
	NetworkInterfaceCheckInterval int `mapstructure:"networkInterfaceCheckInterval" yaml:"networkInterfaceCheckInterval"`
}

type HTTPConfig struct {
	Proxy                         string             `mapstructure:"proxy" yaml:"proxy"`
	ProxyStrictSSL                bool               `mapstructure:"proxyStrictSSL" yaml:"proxyStrictSSL"`
	ProxyKerberosServicePrincipal string             `mapstructure:"proxyKerberosServicePrincipal" yaml:"proxyKerberosServicePrincipal"`
	NoProxy                       []string           `mapstructure:"noProxy" yaml:"noProxy"`
	ProxyAuthorization            string             `mapstructure:"proxyAuthorization" yaml:"proxyAuthorization"`
	ProxySupport                  string             `mapstructure:"proxySupport" yaml:"proxySupport"`
	SystemCertificates            bool               `mapstructure:"systemCertificates" yaml:"systemCertificates"`
	ElectronFetch                 bool               `mapstructure:"electronFetch" yaml:"electronFetch"`
	FetchAdditionalSupport        bool               `mapstructure:"fetchAdditionalSupport" yaml:"fetchAdditionalSupport"`
	Experimental                  ExperimentalConfig `mapstructure:"experimental" yaml:"experimental"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`   // error, warn, info, debug, trace
	Format        string `mapstructure:"format" yaml:"format"` // text, json, color
	MaskSensitive bool   `mapstructure:"mask_sensitive" yaml:"mask_sensitive"`
	FileDir       string `mapstructure:"file_dir" yaml:"file_dir"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

type StoreConfig struct {
	Type        string         `mapstructure:"type" yaml:"type"` // sqlite, postgres
	TablePrefix string         `mapstructure:"table_prefix" yaml:"table_prefix"`
	SQLite      SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres    PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type TelemetryConfig struct {
	Enabled bool        `mapstructure:"enabled" yaml:"enabled"`
	Sinks   []string    `mapstructure:"sinks" yaml:"sinks"` // log, prometheus, store
	Store   StoreConfig `mapstructure:"store" yaml:"store"`
}

type HostConfig struct {
	// Listen is where `proxyfetch host` serves the host RPC.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// URL of a trusted host process; when set, remote-only lookups are delegated to it.
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token"`
	// Remote marks this process as lacking OS proxy/certificate/Kerberos access.
	Remote bool `mapstructure:"remote" yaml:"remote"`
	// AllowKerberosFallback permits delegating Kerberos to the host after a local failure.
	AllowKerberosFallback bool `mapstructure:"allow_kerberos_fallback" yaml:"allow_kerberos_fallback"`
}

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Host      HostConfig      `mapstructure:"host" yaml:"host"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			ProxyStrictSSL:         true,
			ProxySupport:           constants.ProxySupportOverride,
			SystemCertificates:     true,
			FetchAdditionalSupport: true,
			Experimental: ExperimentalConfig{
				NetworkInterfaceCheckInterval: int(constants.DefaultNetworkInterfaceCheckInterval.Seconds()),
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", MaskSensitive: true},
		Telemetry: TelemetryConfig{
			Enabled: true,
			Sinks:   []string{"log"},
			Store:   StoreConfig{Type: "sqlite", SQLite: SQLiteConfig{Path: "proxyfetch.db"}},
		},
		Host: HostConfig{Listen: constants.DefaultHostListen, AllowKerberosFallback: true},
	}
}

// RegisterSchema registers every known key with its default on v.
// Calling it again re-applies the same defaults.
func RegisterSchema(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyProxy, d.HTTP.Proxy)
	v.SetDefault(KeyProxyStrictSSL, d.HTTP.ProxyStrictSSL)
	v.SetDefault(KeyProxyKerberosServicePrincipal, d.HTTP.ProxyKerberosServicePrincipal)
	v.SetDefault(KeyNoProxy, []string{})
	v.SetDefault(KeyProxyAuthorization, d.HTTP.ProxyAuthorization)
	v.SetDefault(KeyProxySupport, d.HTTP.ProxySupport)
	v.SetDefault(KeySystemCertificates, d.HTTP.SystemCertificates)
	v.SetDefault(KeySystemCertificatesV2, d.HTTP.Experimental.SystemCertificatesV2)
	v.SetDefault(KeyElectronFetch, d.HTTP.ElectronFetch)
	v.SetDefault(KeyFetchAdditionalSupport, d.HTTP.FetchAdditionalSupport)
	v.SetDefault(KeyNetworkInterfaceCheckInterval, d.HTTP.Experimental.NetworkInterfaceCheckInterval)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.mask_sensitive", d.Logging.MaskSensitive)
	v.SetDefault("logging.file_dir", d.Logging.FileDir)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.sinks", d.Telemetry.Sinks)
	v.SetDefault("telemetry.store.type", d.Telemetry.Store.Type)
	v.SetDefault("telemetry.store.sqlite.path", d.Telemetry.Store.SQLite.Path)

	v.SetDefault("host.listen", d.Host.Listen)
	v.SetDefault("host.url", d.Host.URL)
	v.SetDefault("host.token", d.Host.Token)
	v.SetDefault("host.remote", d.Host.Remote)
	v.SetDefault("host.allow_kerberos_fallback", d.Host.AllowKerberosFallback)
}

// NewViper returns a viper instance with the schema registered and
// PROXYFETCH_* environment overrides enabled (e.g. PROXYFETCH_HTTP_PROXY).
func NewViper() *viper.Viper {
	v := viper.New()
	RegisterSchema(v)
	v.SetEnvPrefix("PROXYFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (optional) and decodes it.
func Load(path string) (*Config, *viper.Viper, error) {
	v := NewViper()
	if p, ok := util.TrimEmptyCheck(path); ok {
		v.SetConfigFile(filepath.Clean(p))
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", p, err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromMap decodes a plain settings map (e.g. from an embedding host) over the defaults.
func FromMap(m map[string]interface{}) (*Config, error) {
	v := NewViper()
	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	return Decode(v)
}

func (c *Config) normalize() {
	c.HTTP.Proxy = strings.TrimSpace(c.HTTP.Proxy)
	c.HTTP.ProxySupport = util.TrimAndLower(c.HTTP.ProxySupport)
	c.HTTP.ProxyAuthorization = strings.TrimSpace(c.HTTP.ProxyAuthorization)
	c.HTTP.ProxyKerberosServicePrincipal = strings.TrimSpace(c.HTTP.ProxyKerberosServicePrincipal)
	noProxy := make([]string, 0, len(c.HTTP.NoProxy))
	for _, p := range c.HTTP.NoProxy {
		if t, ok := util.TrimEmptyCheck(p); ok {
			noProxy = append(noProxy, t)
		}
	}
	c.HTTP.NoProxy = noProxy
}

// Validate checks the configuration surface.
func (c *Config) Validate() error {
	if !ProxyURLPattern.MatchString(c.HTTP.Proxy) {
		return fmt.Errorf("config: %s %q does not match %s", KeyProxy, c.HTTP.Proxy, ProxyURLPattern.String())
	}
	switch c.HTTP.ProxySupport {
	case constants.ProxySupportOff, constants.ProxySupportOn, constants.ProxySupportFallback, constants.ProxySupportOverride:
	default:
		return fmt.Errorf("config: %s must be one of off|on|fallback|override, got %q", KeyProxySupport, c.HTTP.ProxySupport)
	}
	if c.HTTP.Experimental.NetworkInterfaceCheckInterval < constants.NetworkInterfaceCheckDisabled {
		return fmt.Errorf("config: %s must be >= -1", KeyNetworkInterfaceCheckInterval)
	}
	switch util.TrimAndLower(c.Telemetry.Store.Type) {
	case "", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("config: unsupported telemetry store type %q", c.Telemetry.Store.Type)
	}
	return nil
}

// SystemCertificatesEnabled reports whether OS trust-store certificates should be loaded.
func (c *Config) SystemCertificatesEnabled() bool {
	return c.HTTP.SystemCertificates || c.HTTP.Experimental.SystemCertificatesV2
}

// ToYAML renders the configuration, masking credentials.
func (c *Config) ToYAML() ([]byte, error) {
	cp := *c
	if cp.HTTP.ProxyAuthorization != "" {
		cp.HTTP.ProxyAuthorization = constants.MaskedValue
	}
	if cp.Host.Token != "" {
		cp.Host.Token = constants.MaskedValue
	}
	if cp.Telemetry.Store.Postgres.Password != "" {
		cp.Telemetry.Store.Postgres.Password = constants.MaskedValue
	}
	return yaml.Marshal(&cp)
}
