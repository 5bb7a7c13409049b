package kerberos

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/loykin/proxyfetch/internal/util"
)

const (
	defaultKrb5Conf = "/etc/krb5.conf"
	ccachePrefix    = "FILE:"
)

// Config locates the Kerberos configuration and credential cache. Empty fields fall
// back to KRB5_CONFIG and KRB5CCNAME, then to the platform defaults.
type Config struct {
	Krb5Conf string `mapstructure:"krb5_conf"`
	CCache   string `mapstructure:"ccache"`
}

// Provider obtains SPNEGO tokens from the user's existing ticket cache.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider { return &Provider{cfg: cfg} }

func (p *Provider) krb5ConfPath() string {
	return util.TrimWithDefault(p.cfg.Krb5Conf, util.TrimWithDefault(os.Getenv("KRB5_CONFIG"), defaultKrb5Conf))
}

func (p *Provider) ccachePath() (string, error) {
	path := util.TrimWithDefault(p.cfg.CCache, os.Getenv("KRB5CCNAME"))
	if path == "" {
		return filepath.Join(os.TempDir(), fmt.Sprintf("krb5cc_%d", os.Getuid())), nil
	}
	if strings.HasPrefix(path, ccachePrefix) {
		return strings.TrimPrefix(path, ccachePrefix), nil
	}
	if i := strings.Index(path, ":"); i > 0 && !strings.Contains(path[:i], string(filepath.Separator)) {
		return "", fmt.Errorf("kerberos: unsupported credential cache type %q", path[:i])
	}
	return path, nil
}

// NormalizeSPN converts the GSS host-based form service@host into service/host.
func NormalizeSPN(spn string) string {
	if strings.Contains(spn, "/") {
		return spn
	}
	return strings.Replace(spn, "@", "/", 1)
}

// Token returns the base64 SPNEGO init token for spn.
func (p *Provider) Token(ctx context.Context, spn string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	kcfg, err := config.Load(p.krb5ConfPath())
	if err != nil {
		return "", fmt.Errorf("kerberos: load config: %w", err)
	}
	ccPath, err := p.ccachePath()
	if err != nil {
		return "", err
	}
	ccache, err := credentials.LoadCCache(ccPath)
	if err != nil {
		return "", fmt.Errorf("kerberos: load credential cache %s: %w", ccPath, err)
	}
	cl, err := client.NewFromCCache(ccache, kcfg, client.DisablePAFXFAST(true))
	if err != nil {
		return "", fmt.Errorf("kerberos: client: %w", err)
	}
	defer cl.Destroy()

	s := spnego.SPNEGOClient(cl, NormalizeSPN(spn))
	if err := s.AcquireCred(); err != nil {
		return "", fmt.Errorf("kerberos: acquire credentials for %s: %w", spn, err)
	}
	st, err := s.InitSecContext()
	if err != nil {
		return "", fmt.Errorf("kerberos: init security context for %s: %w", spn, err)
	}
	b, err := st.Marshal()
	if err != nil {
		return "", fmt.Errorf("kerberos: marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
