package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter throttles connection attempts per remote IP at the upgrade
// path, before any resources are committed to the connection. Token
// bucket per IP: a short burst is fine, a sustained dial loop is not.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	limit   rate.Limit
	burst   int
}

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		entries: make(map[string]*ipEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow admits or rejects one connection attempt from an address.
func (l *ipLimiter) Allow(remoteAddr string) bool {
	ip := hostOnly(remoteAddr)

	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.lim.Allow()
}

// Run prunes idle entries until the context is cancelled, so the map
// does not grow with one-shot dialers.
func (l *ipLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune(5 * time.Minute)
		}
	}
}

func (l *ipLimiter) prune(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

func (l *ipLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// hostOnly strips the port from a remote address; behind a proxy the
// port changes per attempt while the host is what we want to key on.
func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
