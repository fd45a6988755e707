package httpserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter keeps one token bucket per client IP. Buckets idle for longer
// than IdleTTL are swept on the next Allow after SweepEvery.
type IPLimiter struct {
	RPS   rate.Limit
	Burst int

	IdleTTL    time.Duration
	SweepEvery time.Duration
	Now        func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewIPLimiter(rps float64, burst int) *IPLimiter {
	return &IPLimiter{
		RPS:        rate.Limit(rps),
		Burst:      burst,
		IdleTTL:    10 * time.Minute,
		SweepEvery: time.Minute,
	}
}

func (l *IPLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *IPLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buckets == nil {
		l.buckets = make(map[string]*bucket)
		l.lastSweep = now
	}
	if now.Sub(l.lastSweep) >= l.SweepEvery {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.RPS, l.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Len reports the number of tracked client IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ClientIP returns the address the limiter keys on. With no trusted proxies
// only the socket peer counts, since any client can set forwarding headers.
// Behind trustedProxies reverse proxies that each append to X-Forwarded-For,
// the client is the hop the outermost proxy appended, trustedProxies entries
// from the right.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			i := len(hops) - trustedProxies
			if i < 0 {
				i = 0
			}
			if ip := strings.TrimSpace(hops[i]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
