package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imkarma/ralph/internal/apperr"
	"golang.org/x/time/rate"
)

const codeRateLimited apperr.Code = "RATE_LIMITED"

// limiter hands out one token bucket per client IP.
type limiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	clients     map[string]*rate.Limiter
	lastCleanup time.Time
}

func newLimiter(perSecond float64, burst int) *limiter {
	return &limiter{
		limit:       rate.Limit(perSecond),
		burst:       burst,
		clients:     make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

func (l *limiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop idle buckets so the map does not grow without bound.
	if time.Since(l.lastCleanup) > time.Hour {
		l.clients = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}

	lim, ok := l.clients[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[ip] = lim
	}
	return lim
}

// middleware rejects mutating requests over the client's budget with 429.
// Reads are never limited so pollers keep working.
func (l *limiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
				Error: "too many requests, slow down",
				Code:  codeRateLimited,
			})
			return
		}
		c.Next()
	}
}
