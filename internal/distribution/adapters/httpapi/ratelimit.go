package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/taskfleet/distribution/pkg/ratelimit"
)

// deviceKeyFunc derives the rate-limit key from the request's :id or
// :device_id path parameter (a device ID on device routes and the pull
// route, a task ID on GET /tasks/:id), falling back to client IP for
// routes with no ID in the path. The TokenBucketLimiter built by
// newRateLimiter keeps a single bucket and ignores the key, so all callers
// share one rate.
func deviceKeyFunc(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return "device:" + id
	}
	if id := c.Param("device_id"); id != "" {
		return "device:" + id
	}
	return ratelimit.IPKeyFunc(c)
}

// newRateLimiter builds the token-bucket limiter guarding every route of
// the Control API's /api/distribution group, per spec §4.8's note that a runaway or
// misconfigured worker must not be able to overwhelm the controller.
// rps<=0 disables rate limiting entirely.
func newRateLimiter(rps, burst int) ratelimit.RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rps
	}
	return ratelimit.NewTokenBucketLimiter(rps, burst)
}
