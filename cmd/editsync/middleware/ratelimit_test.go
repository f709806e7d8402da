package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/ratelimit"
	"github.com/stretchr/testify/assert"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int64, time.Duration) (*ratelimit.Result, error) {
	return nil, errors.New("redis down")
}

func submitServer(limiter ratelimit.Limiter) *echo.Echo {
	e := echo.New()
	g := e.Group("/resources/:type/:id", ExtractUsername())
	g.POST("/submit", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, SubmitRateLimit(limiter, 2, time.Minute, logger.Discard()))
	return e
}

func submit(e *echo.Echo, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-User-ID", user)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRateLimit(t *testing.T) {
	e := submitServer(ratelimit.NewMemoryLimiter())

	assert.Equal(t, http.StatusOK, submit(e, "/resources/group/g1/submit", "alice").Code)
	assert.Equal(t, http.StatusOK, submit(e, "/resources/group/g1/submit", "alice").Code)

	rec := submit(e, "/resources/group/g1/submit", "alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// other users and other resources have their own budget
	assert.Equal(t, http.StatusOK, submit(e, "/resources/group/g1/submit", "bob").Code)
	assert.Equal(t, http.StatusOK, submit(e, "/resources/group/g2/submit", "alice").Code)
}

func TestSubmitRateLimit_FailsOpen(t *testing.T) {
	e := submitServer(failingLimiter{})

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, submit(e, "/resources/group/g1/submit", "alice").Code)
	}
}
