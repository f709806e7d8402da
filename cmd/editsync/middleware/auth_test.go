package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/common/clients"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method gojwt.SigningMethod, key any, claims gojwt.MapClaims) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

type seen struct {
	username string
	userID   string
	token    string
}

func serve(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, seen) {
	t.Helper()
	e := echo.New()
	var got seen
	e.GET("/", func(c echo.Context) error {
		got.username = GetUsername(c)
		got.userID, _ = clients.GetUserID(c.Request().Context())
		got.token, _ = clients.GetBearerToken(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	}, mw)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, got
}

func TestExtractUsername(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "alice")

	rec, got := serve(t, ExtractUsername(), req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", got.username)
	assert.Equal(t, "alice", got.userID)

	rec, got = serve(t, ExtractUsername(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, got.username)
}

func TestJWTAuth_ValidToken(t *testing.T) {
	token := sign(t, gojwt.SigningMethodHS256, []byte(secret), gojwt.MapClaims{
		"sub": "bob",
		"iss": "editsync",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)

	rec, got := serve(t, JWTAuth(secret, "editsync"), req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "bob", got.username)
	assert.Equal(t, "bob", got.userID)
	assert.Equal(t, token, got.token)
}

func TestJWTAuth_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Basic Ym9iOnB3"},
		{name: "wrong secret", header: "Bearer " + sign(t, gojwt.SigningMethodHS256, []byte("other"), gojwt.MapClaims{"sub": "bob", "iss": "editsync"})},
		{name: "wrong issuer", header: "Bearer " + sign(t, gojwt.SigningMethodHS256, []byte(secret), gojwt.MapClaims{"sub": "bob", "iss": "elsewhere"})},
		{name: "expired", header: "Bearer " + sign(t, gojwt.SigningMethodHS256, []byte(secret), gojwt.MapClaims{"sub": "bob", "iss": "editsync", "exp": time.Now().Add(-time.Hour).Unix()})},
		{name: "other algorithm", header: "Bearer " + sign(t, gojwt.SigningMethodHS512, []byte(secret), gojwt.MapClaims{"sub": "bob", "iss": "editsync"})},
		{name: "no subject", header: "Bearer " + sign(t, gojwt.SigningMethodHS256, []byte(secret), gojwt.MapClaims{"iss": "editsync"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec, got := serve(t, JWTAuth(secret, "editsync"), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, got.username)
		})
	}
}

func TestRequestContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")

	e := echo.New()
	var id string
	e.GET("/", func(c echo.Context) error {
		id, _ = clients.GetRequestID(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	}, RequestContext())

	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-1", id)
}
