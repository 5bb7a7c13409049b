package hostrpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyfetch/internal/auth"
	"github.com/loykin/proxyfetch/internal/certs"
	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/env"
	"github.com/loykin/proxyfetch/internal/proxy"
)

// Backend performs the lookups that require OS access.
type Backend struct {
	Resolver     proxy.SystemResolver
	Credentials  auth.CredentialHost
	Kerberos     auth.KerberosProvider
	Certificates certs.Loader
	// ServicePrincipal overrides the SPN derived from the proxy host.
	ServicePrincipal string
	GOOS             string
}

type resolveRequest struct {
	URL string            `json:"url" binding:"required"`
	Env map[string]string `json:"env"`
}

type kerberosRequest struct {
	ProxyURL string `json:"proxyUrl" binding:"required"`
}

// Server is the trusted host's RPC endpoint.
type Server struct {
	backend Backend
	token   TokenConfig
	engine  *gin.Engine
	logger  *common.Logger
}

func NewServer(b Backend, token TokenConfig) *Server {
	if b.GOOS == "" {
		b.GOOS = runtime.GOOS
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		backend: b,
		token:   token,
		engine:  gin.New(),
		logger:  common.GetLogger().WithComponent("hostrpc"),
	}
	s.engine.Use(gin.Recovery())
	g := s.engine.Group("/")
	if token.enabled() {
		g.Use(token.middleware())
	}
	g.POST(constants.HostPathResolveProxy, s.resolveProxy)
	g.POST(constants.HostPathLookupAuth, s.lookupAuth)
	g.POST(constants.HostPathLookupKerberos, s.lookupKerberos)
	g.GET(constants.HostPathCertificates, s.certificates)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Handle mounts h for GET requests on path, outside the token check.
func (s *Server) Handle(path string, h http.Handler) {
	s.engine.GET(path, gin.WrapH(h))
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	s.logger.Info("host rpc listening", "addr", l.Addr().String(), "auth", s.token.enabled())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) resolveProxy(c *gin.Context) {
	if s.backend.Resolver == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "proxy resolution unavailable"})
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url"})
		return
	}
	environ := env.Map(req.Env)
	if environ == nil {
		environ = env.FromProcess()
	}
	pac, err := s.backend.Resolver.ResolveProxy(c.Request.Context(), target, environ)
	if err != nil {
		s.logger.Warn("proxy resolution failed", "url", target.Redacted(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pac": pac})
}

func (s *Server) lookupAuth(c *gin.Context) {
	if s.backend.Credentials == nil {
		c.Status(http.StatusNoContent)
		return
	}
	var info auth.AuthInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	creds, err := s.backend.Credentials.LookupAuthorization(c.Request.Context(), info)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if creds == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (s *Server) lookupKerberos(c *gin.Context) {
	var req kerberosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.backend.Kerberos == nil {
		c.Status(http.StatusNoContent)
		return
	}
	u, err := url.Parse(req.ProxyURL)
	if err != nil || u.Hostname() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxyUrl"})
		return
	}
	spn := auth.ServicePrincipal(s.backend.ServicePrincipal, u.Hostname(), s.backend.GOOS)
	token, err := s.backend.Kerberos.Token(c.Request.Context(), spn)
	if err != nil || token == "" {
		s.logger.Debug("kerberos lookup failed", "spn", spn, "error", err)
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization": "Negotiate " + token})
}

func (s *Server) certificates(c *gin.Context) {
	if s.backend.Certificates == nil {
		c.JSON(http.StatusOK, gin.H{"certificates": []string{}})
		return
	}
	data, err := s.backend.Certificates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs.SplitPEM(data)})
}
