package middleware

import (
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/common/clients"
	"github.com/openrepo/editsync/common/logger"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UsernameKey is the context key for storing the authenticated username
	UsernameKey ContextKey = "username"
)

// ExtractUsername is a middleware that extracts the X-User-ID header
// and stores it in the echo and request contexts. The request context copy is
// forwarded to the backend on submit.
//
// Usage:
//
//	e := echo.New()
//	e.Use(middleware.ExtractUsername())
//
// Accessing in handlers:
//
//	username := middleware.GetUsername(c)
func ExtractUsername() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if username := c.Request().Header.Get("X-User-ID"); username != "" {
				setUsername(c, username)
			}
			return next(c)
		}
	}
}

// JWTAuth verifies an HS256 bearer token signed with secret. The subject claim
// becomes the username and the raw token is forwarded to the backend.
// An empty issuer skips the issuer check.
func JWTAuth(secret, issuer string) echo.MiddlewareFunc {
	opts := []gojwt.ParserOption{gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, gojwt.WithIssuer(issuer))
	}
	parser := gojwt.NewParser(opts...)
	key := []byte(secret)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "bearer token is required",
				})
			}

			claims := gojwt.MapClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(*gojwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "invalid token",
				})
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "token has no subject",
				})
			}

			setUsername(c, subject)
			req := c.Request()
			c.SetRequest(req.WithContext(clients.WithBearerToken(req.Context(), raw)))
			return next(c)
		}
	}
}

// RequestContext copies the echo request id onto the request context so
// outbound calls and logs carry it
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}
			if id != "" {
				req := c.Request()
				ctx := logger.WithRequestID(clients.WithRequestID(req.Context(), id), id)
				c.SetRequest(req.WithContext(ctx))
			}
			return next(c)
		}
	}
}

func setUsername(c echo.Context, username string) {
	c.Set(string(UsernameKey), username)
	req := c.Request()
	c.SetRequest(req.WithContext(clients.WithUserID(req.Context(), username)))
}

// GetUsername retrieves the username from the request context
// Returns empty string if not set
func GetUsername(c echo.Context) string {
	username, _ := c.Get(string(UsernameKey)).(string)
	return username
}
