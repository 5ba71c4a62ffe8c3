package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/meridianhealth/researchflow/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to bypass
// rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}
	return internalHeader == os.Getenv("INTERNAL_SERVICE_SECRET")
}

// SubmitRateLimitMiddleware bounds research request submissions, globally
// and per client address. Rate limiting fails open: an unreachable Redis
// must not take down intake.
func SubmitRateLimitMiddleware(limiter *ratelimit.RateLimiter, globalLimit, clientLimit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			ctx := c.Request().Context()

			global, err := limiter.CheckGlobalLimit(ctx, globalLimit)
			if err == nil && !global.Allowed {
				return tooManyRequests(c, "submission_rate_limit_exceeded",
					"Service is experiencing high load. Please try again later.", global)
			}

			client, err := limiter.CheckClientLimit(ctx, c.RealIP(), clientLimit)
			if err == nil && !client.Allowed {
				return tooManyRequests(c, "client_rate_limit_exceeded",
					"You have exceeded your submission quota. Please wait before trying again.", client)
			}

			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, code, message string, result *ratelimit.Result) error {
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":   code,
		"message": message,
		"details": map[string]interface{}{
			"limit":               result.Limit,
			"window":              "60 seconds",
			"current_count":       result.CurrentCount,
			"retry_after_seconds": result.RetryAfterSeconds,
		},
	})
}
