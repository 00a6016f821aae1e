package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	ierr "privatrengoering.dk/cloud/internal/errors"
	"privatrengoering.dk/cloud/internal/logger"
)

type RateLimit interface {
	Allow(key string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter allows maxRequests per key in each window. Windows
// start at a key's first request.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*windowData
	mutex       sync.Mutex
	now         func() time.Time
	lastSweep   time.Time
}

func New(maxRequests int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string]*windowData),
		now:         time.Now,
	}
}

func (rl *FixedWindowLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.sweep(now)
	wd := rl.requests[key]

	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}
		rl.requests[key] = &windowData{count: 1, windowStart: now}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++
	return true
}

// sweep drops expired windows at most once per window length.
func (rl *FixedWindowLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	for key, wd := range rl.requests {
		if now.Sub(wd.windowStart) > rl.window {
			delete(rl.requests, key)
		}
	}
	rl.lastSweep = now
}

func (rl *FixedWindowLimiter) tracked() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.requests)
}

// ClientKey identifies the caller by remote host. Run chi's RealIP
// middleware first when behind a proxy.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with ErrRateLimited.
func Middleware(limiter RateLimit, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !limiter.Allow(key) {
				logger.Warn("Rate limit exceeded", map[string]interface{}{
					"client": key,
					"path":   r.URL.Path,
				})
				onError(w, r, ierr.NewError("rate limit exceeded").
					WithHint("For mange forespørgsler. Prøv igen om lidt.").
					Mark(ierr.ErrRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
