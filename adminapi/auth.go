package adminapi

import (
	"encoding/base64"
	"net/http"
	"strings"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"tokenflow.evalgo.org/security"
)

// WithJWTAuth protects every route except /healthz behind bearer JWT
// auth, adapted from
// api/jwt.go's bearer-token verification path onto echo-jwt's standard
// middleware instead of the teacher's own JWTService, since echo-jwt
// already owns request extraction/skip-path wiring this API needs.
func WithJWTAuth(e *echo.Echo, signingKey []byte) {
	e.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: signingKey,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
	}))
}

// BasicAuthConfig configures the local-admin bcrypt fallback used when
// no JWT issuer is configured, adapted from api/basicauth.go's
// BasicAuthConfig (trimmed to the single bcrypt-hash validation path
// this node needs).
type BasicAuthConfig struct {
	Username     string
	PasswordHash string // bcrypt hash, see golang.org/x/crypto/bcrypt
	Realm        string
}

// WithBasicAuth protects every route except /healthz behind HTTP Basic
// Auth, validated against a bcrypt password hash via security.VerifyPassword.
func WithBasicAuth(e *echo.Echo, cfg BasicAuthConfig) {
	if cfg.Realm == "" {
		cfg.Realm = "tokenflow-admin"
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/healthz" {
				return next(c)
			}

			auth := c.Request().Header.Get("Authorization")
			username, password, err := parseBasicAuth(auth)
			if err != nil || username != cfg.Username {
				return unauthorized(c, cfg.Realm)
			}
			if security.VerifyPassword(cfg.PasswordHash, password) != nil {
				return unauthorized(c, cfg.Realm)
			}
			return next(c)
		}
	})
}

func parseBasicAuth(auth string) (username, password string, err error) {
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "invalid base64 encoding")
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials format")
	}
	return parts[0], parts[1], nil
}

func unauthorized(c echo.Context, realm string) error {
	c.Response().Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
}
