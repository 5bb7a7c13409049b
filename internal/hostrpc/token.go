package hostrpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
)

const (
	tokenIssuer     = "proxyfetch"
	tokenAudience   = "proxyfetch-host"
	defaultTokenTTL = time.Minute
	tokenLeeway     = 5 * time.Second
)

// TokenConfig signs and verifies the short-lived HS256 bearer tokens that
// clients present to the host. An empty Secret disables authentication.
type TokenConfig struct {
	Secret string
	TTL    time.Duration
	Clock  clock.Clock
}

func (c TokenConfig) enabled() bool { return c.Secret != "" }

func (c TokenConfig) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// Issue creates a signed token valid for TTL.
func (c TokenConfig) Issue() (string, error) {
	if !c.enabled() {
		return "", errors.New("hostrpc: token secret required")
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.Secret))
}

// Verify checks a raw token string.
func (c TokenConfig) Verify(raw string) error {
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(c.Secret), nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return err
	}
	if !tok.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// middleware rejects requests without a valid bearer token.
func (c TokenConfig) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		h := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			return
		}
		if err := c.Verify(strings.TrimSpace(h[len("Bearer "):])); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		ctx.Next()
	}
}
