// Package limiter admits or rejects inbound events before they reach
// business logic. Fixed-window counters keyed by (userId, event class),
// instance-local by design: approximate global limiting in exchange for
// no extra network hop on the hot path.
package limiter

import (
	"sync"
	"time"
)

// Event classes with independent budgets. Several wire ops share a class
// (typing.start and typing.stop draw from the same budget).
type Event string

const (
	EventMessage  Event = "message"
	EventTyping   Event = "typing"
	EventPresence Event = "presence"
	EventVoice    Event = "voice"
	EventRoom     Event = "room"
	EventConnect  Event = "connect"
)

// Rule is one event class's budget: at most Max events per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter tracks fixed-window counters per (user, event class).
type Limiter struct {
	mu      sync.Mutex
	rules   map[Event]Rule
	buckets map[string]*bucket

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter with the given per-event rules. Events without a
// rule are always admitted.
func New(rules map[Event]Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow admits or rejects one event. On rejection it returns the
// duration until the current window rolls over, for the client's
// retry-after. Window rollover resets the counter before incrementing,
// so a count never spans two windows.
func (l *Limiter) Allow(userID string, event Event) (bool, time.Duration) {
	rule, ok := l.rules[event]
	if !ok {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := userID + ":" + string(event)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return true, 0
	}

	if now.Sub(b.windowStart) >= rule.Window {
		b.windowStart = now
		b.count = 1
		return true, 0
	}

	if b.count >= rule.Max {
		retryAfter := rule.Window - now.Sub(b.windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	b.count++
	return true, 0
}

// Forget drops all buckets for a user. Called when the user's last
// connection goes away so the map does not grow with churn.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := userID + ":"
	for key := range l.buckets {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.buckets, key)
		}
	}
}

// Sweep removes buckets whose window expired long ago. Call periodically.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		// A window has no live budget after 5x its own length; every rule's
		// window is under that bound for any bucket old enough to match.
		if now.Sub(b.windowStart) > 5*time.Minute {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of live buckets, for tests and stats.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
