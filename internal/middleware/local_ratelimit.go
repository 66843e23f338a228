package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatsync/internal/redis"
	"chatsync/internal/services"
	"chatsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per key.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func newLimiterPool(n int, per time.Duration) *limiterPool {
	if n <= 0 {
		n = 1
	}
	if per <= 0 {
		per = time.Second
	}
	return &limiterPool{
		m:     make(map[string]*rate.Limiter),
		limit: rate.Limit(float64(n) / per.Seconds()),
		burst: n,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.limit, p.burst)
	p.m[key] = l
	return l
}

// LocalLimiter is the in-process fallback used when Redis is disabled.
// Counts are per instance.
type LocalLimiter struct {
	messages *limiterPool
	typing   *limiterPool
}

// NewLocalLimiter spreads each window of cfg evenly as a token bucket whose
// burst is the window's limit.
func NewLocalLimiter(cfg redis.RateLimitConfig) *LocalLimiter {
	return &LocalLimiter{
		messages: newLimiterPool(cfg.MessageLimit, cfg.MessageWindow),
		typing:   newLimiterPool(cfg.TypingLimit, cfg.TypingWindow),
	}
}

func (l *LocalLimiter) MessageMiddleware() gin.HandlerFunc {
	return localRateLimit(l.messages, "message rate limit exceeded")
}

func (l *LocalLimiter) TypingMiddleware() gin.HandlerFunc {
	return localRateLimit(l.typing, "typing rate limit exceeded")
}

func localRateLimit(pool *limiterPool, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		lim := pool.get(userID.String())
		c.Header("X-RateLimit-Limit", strconv.Itoa(pool.burst))
		if !lim.Allow() {
			c.Header("X-RateLimit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse(msg, "RATE_LIMITED"))
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(lim.Tokens())))
		c.Next()
	}
}
