package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
)

// Per-IP entries idle longer than this are evicted once the map grows
// past evictWatermark, keeping the limiter table bounded on a
// long-running daemon.
const (
	clientIdleEviction = 3 * time.Minute
	evictWatermark     = 1024
)

// RateLimit creates a per-IP rate limiting middleware.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		entry, ok := clients[ip]
		if !ok {
			if len(clients) >= evictWatermark {
				for addr, cl := range clients {
					if now.Sub(cl.lastSeen) > clientIdleEviction {
						delete(clients, addr)
					}
				}
			}
			entry = &client{
				limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
			}
			clients[ip] = entry
		}
		entry.lastSeen = now
		limiter := entry.limiter
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  "rate_limited",
			})
			return
		}

		c.Next()
	}
}
