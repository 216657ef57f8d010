package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fredylg/ReefBuddy-sub000/internal/config"
	"github.com/fredylg/ReefBuddy-sub000/internal/response"
	"github.com/fredylg/ReefBuddy-sub000/internal/services"
	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"

	"github.com/gin-gonic/gin"
)

var rateLimiter *services.RateLimiter

// InitRateLimiter initializes the shared rate limiter
func InitRateLimiter(limiter *services.RateLimiter) {
	rateLimiter = limiter
}

// RateLimitMiddleware gates requests per client IP with a fixed window.
// The limiter fails closed: if its backing store is unavailable the
// request is denied with 503 rather than waved through to the costly
// upstream.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		window := time.Duration(config.AppConfig.RateLimitWindowMs) * time.Millisecond
		maxRequests := config.AppConfig.RateLimitMax

		result, err := rateLimiter.Check(c.Request.Context(), c.ClientIP(), maxRequests, window)
		if err != nil {
			logging.Errorf("Rate limiter check failed for %s: %v", c.ClientIP(), err)
			c.JSON(http.StatusServiceUnavailable, response.ErrorWithCode(services.CodeRateLimitExceeded, "Service temporarily unavailable"))
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, response.ErrorWithCode(services.CodeRateLimitExceeded, "Too many requests, try again later"))
			c.Abort()
			return
		}

		c.Next()
	}
}
