package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/ratelimit"
)

// SubmitRateLimit caps how often one user may submit one resource.
// Requests without a username are keyed by remote address.
// A failing limiter lets the request through.
func SubmitRateLimit(limiter ratelimit.Limiter, limit int64, window time.Duration, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			who := GetUsername(c)
			if who == "" {
				who = c.RealIP()
			}
			key := who + ":" + c.Param("type") + ":" + c.Param("id")

			result, err := limiter.Allow(c.Request().Context(), key, limit, window)
			if err != nil {
				log.Warn("rate limit check failed, allowing request", "key", key, "error", err)
				return next(c)
			}

			if !result.Allowed {
				retry := int64(math.Ceil(result.RetryAfter.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "submit_rate_limit_exceeded",
					"message": "Too many submits for this resource. Please wait before trying again.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window_seconds":      int64(window.Seconds()),
						"current_count":       result.CurrentCount,
						"retry_after_seconds": retry,
					},
				})
			}

			return next(c)
		}
	}
}
