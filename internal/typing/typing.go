// Package typing records which users are typing in which channels and
// clears the state automatically. Entries self-expire: an explicit stop
// sets the expiry to now, and a background sweep covers clients that
// disconnect without signalling.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/logging"
	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// Broadcaster publishes a typing start/stop event into the channel's
// room. Returns false when replication degraded to local-only.
type Broadcaster func(channelID string, op protocol.Op, payload protocol.TypingEvent) bool

// Expired delivers a locally swept expiry to this instance's room
// members. Sweeps are not re-published: every instance runs its own
// sweep over its own view, so publishing would duplicate stops.
type Expired func(channelID, userID string)

// Manager holds the typing table for one instance.
type Manager struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // channelID → userID → expiresAt
	ttl     time.Duration
	sweep   time.Duration

	broadcast Broadcaster
	onExpired Expired
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Broadcast     Broadcaster
	OnExpired     Expired
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		entries:   make(map[string]map[string]time.Time),
		ttl:       cfg.TTL,
		sweep:     cfg.SweepInterval,
		broadcast: cfg.Broadcast,
		onExpired: cfg.OnExpired,
		logger:    cfg.Logger.With().Str("component", "typing").Logger(),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Run sweeps expired entries until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer logging.RecoverPanic(m.logger, "typing_sweep", nil)

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// Start sets or refreshes a typing entry and broadcasts typing.started.
// Refreshing the TTL is idempotent; repeat starts need no deduplication.
func (m *Manager) Start(channelID, userID string) bool {
	m.mu.Lock()
	if m.entries[channelID] == nil {
		m.entries[channelID] = make(map[string]time.Time)
	}
	m.entries[channelID][userID] = m.now().Add(m.ttl)
	m.exportGaugeLocked()
	m.mu.Unlock()

	return m.broadcast(channelID, protocol.OpTypingStarted, protocol.TypingEvent{
		ChannelID: channelID,
		UserID:    userID,
	})
}

// Stop clears a typing entry immediately and broadcasts typing.stopped.
func (m *Manager) Stop(channelID, userID string) bool {
	m.mu.Lock()
	m.removeLocked(channelID, userID)
	m.mu.Unlock()

	return m.broadcast(channelID, protocol.OpTypingStopped, protocol.TypingEvent{
		ChannelID: channelID,
		UserID:    userID,
	})
}

// ApplyRemote mirrors a replicated start/stop into the local table so
// this instance's sweep covers remote users whose stop event is lost.
func (m *Manager) ApplyRemote(op protocol.Op, ev protocol.TypingEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch op {
	case protocol.OpTypingStarted:
		if m.entries[ev.ChannelID] == nil {
			m.entries[ev.ChannelID] = make(map[string]time.Time)
		}
		m.entries[ev.ChannelID][ev.UserID] = m.now().Add(m.ttl)
	case protocol.OpTypingStopped:
		m.removeLocked(ev.ChannelID, ev.UserID)
	}
	m.exportGaugeLocked()
}

// DropUser stops typing in every channel the user was typing in, as part
// of the disconnect cascade. Each stop is broadcast so all observers see
// typing.stopped without waiting for the TTL.
func (m *Manager) DropUser(userID string) {
	m.mu.Lock()
	var channels []string
	for channelID, users := range m.entries {
		if _, ok := users[userID]; ok {
			channels = append(channels, channelID)
		}
	}
	m.mu.Unlock()

	for _, channelID := range channels {
		m.Stop(channelID, userID)
	}
}

// ActiveIn lists users currently typing in a channel, expiry-filtered.
// No entry is ever visible past its expiresAt.
func (m *Manager) ActiveIn(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for userID, expiresAt := range m.entries[channelID] {
		if now.Before(expiresAt) {
			out = append(out, userID)
		}
	}
	return out
}

func (m *Manager) sweepExpired() {
	type expired struct{ channelID, userID string }
	now := m.now()

	m.mu.Lock()
	var swept []expired
	for channelID, users := range m.entries {
		for userID, expiresAt := range users {
			if !now.Before(expiresAt) {
				swept = append(swept, expired{channelID, userID})
			}
		}
	}
	for _, e := range swept {
		m.removeLocked(e.channelID, e.userID)
	}
	m.exportGaugeLocked()
	m.mu.Unlock()

	for _, e := range swept {
		m.onExpired(e.channelID, e.userID)
	}
}

// removeLocked deletes one entry. Caller holds the lock.
func (m *Manager) removeLocked(channelID, userID string) {
	users, ok := m.entries[channelID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.entries, channelID)
	}
	m.exportGaugeLocked()
}

func (m *Manager) exportGaugeLocked() {
	if m.metrics == nil {
		return
	}
	n := 0
	for _, users := range m.entries {
		n += len(users)
	}
	m.metrics.TypingActive.Set(float64(n))
}
