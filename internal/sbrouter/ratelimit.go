package sbrouter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimiter applies per-client-IP request rate limiting. Grounded on
// the teacher's RateLimiter (internal/relay/bandwidth.go): one
// token-bucket limiter per IP, with stale entries evicted periodically
// so long-lived deployments don't accumulate one bucket per address
// forever.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipBucket
	rate     rate.Limit
	burst    int
}

type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter builds a limiter allowing reqPerSec sustained requests
// per IP with up to burst in a spike, evicting IPs idle for 10 minutes.
func newIPRateLimiter(reqPerSec float64, burst int) *ipRateLimiter {
	rl := &ipRateLimiter{
		limiters: make(map[string]*ipBucket),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	go rl.evictLoop()
	return rl
}

func (rl *ipRateLimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for ip, b := range rl.limiters {
			if time.Since(b.lastSeen) > 10*time.Minute {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *ipRateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.limiters[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = b
	}
	b.lastSeen = time.Now()
	return b.lim
}

func (rl *ipRateLimiter) allow(ip string) bool {
	return rl.bucket(ip).Allow()
}

// limit wraps h, rejecting requests over the limit for their client IP
// with 429.
func (rl *ipRateLimiter) limit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
