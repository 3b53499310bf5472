package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors keeps one token bucket per client address.
type visitors struct {
	mu    sync.Mutex
	items map[string]*visitor
	rps   rate.Limit
	burst int
}

func newVisitors(rps float64, burst int) *visitors {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &visitors{items: make(map[string]*visitor), rps: rate.Limit(rps), burst: burst}
}

func (v *visitors) allow(ip string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	item, ok := v.items[ip]
	if !ok {
		item = &visitor{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.items[ip] = item
	}
	item.lastSeen = now
	return item.limiter.AllowN(now, 1)
}

// sweep forgets clients idle for longer than visitorIdleTTL.
func (v *visitors) sweep(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, item := range v.items {
		if now.Sub(item.lastSeen) > visitorIdleTTL {
			delete(v.items, key)
		}
	}
}

func (v *visitors) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limits := newVisitors(rps, burst)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for now := range ticker.C {
			limits.sweep(now)
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limits.allow(extractIP(r.RemoteAddr), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
