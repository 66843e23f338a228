package middleware

import (
	"context"
	"net/http"
	"strconv"

	"chatsync/internal/redis"
	"chatsync/internal/services"
	"chatsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type limitFunc func(ctx context.Context, userID string) (*redis.RateLimitResult, error)

// MessageRateLimitMiddleware limits sends per user. Apply after AuthMiddleware.
func MessageRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return userRateLimit(limiter.AllowMessage, "message rate limit exceeded")
}

// TypingRateLimitMiddleware limits typing updates per user.
func TypingRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return userRateLimit(limiter.AllowTyping, "typing rate limit exceeded")
}

func userRateLimit(allow limitFunc, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		result, err := allow(c.Request.Context(), userID.String())
		if err != nil {
			// fail open: a Redis outage must not block chatting
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse(msg, "RATE_LIMITED"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
