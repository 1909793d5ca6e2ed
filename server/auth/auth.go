// Package auth authenticates chat requests with optional HS256 bearer
// tokens. With no secret configured every request passes through anonymous;
// with a secret, a valid token's subject becomes the authenticated wallet
// and invalid tokens are rejected.
package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

const (
	issuer       = "dripcast"
	bearerPrefix = "Bearer "

	// walletContextKey is where the middleware stores the authenticated
	// wallet on the echo context.
	walletContextKey = "auth/wallet"
)

// Authenticator validates bearer tokens against a shared HS256 secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// Enabled reports whether a signing secret is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// GenerateToken mints a token whose subject is the wallet address. Used by
// operators to issue mini-app credentials, and by tests.
func (a *Authenticator) GenerateToken(wallet string, expiresIn time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   wallet,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return token, nil
}

// WalletFromHeader extracts the authenticated wallet from an Authorization
// header value. An empty header, or any header while authentication is
// disabled, passes through as anonymous with no error.
func (a *Authenticator) WalletFromHeader(header string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	raw := strings.TrimPrefix(header, bearerPrefix)
	if raw == header {
		return "", errors.New("authorization header is not a bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "parse bearer token")
	}
	if !token.Valid {
		return "", errors.New("invalid bearer token")
	}
	if claims.Subject == "" {
		return "", errors.New("bearer token carries no wallet subject")
	}
	return claims.Subject, nil
}

// Middleware resolves the bearer token once per request and stashes the
// wallet on the context. Invalid tokens are rejected with 401; absent
// tokens continue anonymous.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			wallet, err := a.WalletFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				slog.Warn("auth.token.rejected", "error", err, "remote", c.RealIP())
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			if wallet != "" {
				c.Set(walletContextKey, wallet)
			}
			return next(c)
		}
	}
}

// WalletFrom returns the authenticated wallet for the request, or "" when
// the request is anonymous.
func WalletFrom(c echo.Context) string {
	wallet, _ := c.Get(walletContextKey).(string)
	return wallet
}
