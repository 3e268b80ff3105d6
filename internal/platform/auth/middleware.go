package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const PharmacyIDKey contextKey = "pharmacy_id"

// Claims identify the calling store. The issuer is the store's pharmacy id.
type Claims struct {
	jwt.RegisteredClaims
}

type JWTConfig struct {
	SigningKey []byte
	Audience   string
	Skipper    func(echo.Context) bool
}

// JWTMiddleware validates HS256 service tokens issued by stores and puts the
// caller's pharmacy id on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256"}),
				jwt.WithExpirationRequired(),
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid || claims.Issuer == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := context.WithValue(c.Request().Context(), PharmacyIDKey, claims.Issuer)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func PharmacyIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(PharmacyIDKey).(string)
	return id
}
