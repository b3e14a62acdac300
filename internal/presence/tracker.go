// Package presence maintains and broadcasts per-user status and
// activity. One authoritative record per user, last-writer-wins by
// timestamp, replicated to all instances through the fan-out bridge, so
// concurrent updates from different instances converge without
// coordination.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// Record is the authoritative presence state for one user.
type Record struct {
	UserID    string
	Status    protocol.PresenceStatus
	Activity  string
	UpdatedAt time.Time
	Origin    string
}

// Publisher replicates a presence change to all instances. Returns false
// when replication degraded to local-only delivery.
type Publisher func(rec Record) bool

// Tracker holds presence records and the offline grace timers.
type Tracker struct {
	mu          sync.Mutex
	instanceID  string
	records     map[string]Record
	graceTimers map[string]*time.Timer
	grace       time.Duration
	publish     Publisher
	logger      zerolog.Logger

	now func() time.Time
}

func NewTracker(instanceID string, grace time.Duration, publish Publisher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		instanceID:  instanceID,
		records:     make(map[string]Record),
		graceTimers: make(map[string]*time.Timer),
		grace:       grace,
		publish:     publish,
		logger:      logger.With().Str("component", "presence").Logger(),
		now:         time.Now,
	}
}

// Update applies a local status change and replicates it. Returns the
// stored record and whether replication succeeded.
func (t *Tracker) Update(userID string, status protocol.PresenceStatus, activity string) (Record, bool) {
	rec := Record{
		UserID:    userID,
		Status:    status,
		Activity:  activity,
		UpdatedAt: t.now(),
		Origin:    t.instanceID,
	}

	t.mu.Lock()
	t.records[userID] = rec
	t.mu.Unlock()

	replicated := t.publish(rec)
	return rec, replicated
}

// ApplyRemote merges a record replicated from another instance.
// Last-writer-wins: a record older than what we hold is discarded.
// Returns whether the record was applied (and should reach local
// clients).
func (t *Tracker) ApplyRemote(rec Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.records[rec.UserID]
	if ok && rec.UpdatedAt.Before(existing.UpdatedAt) {
		return false
	}
	t.records[rec.UserID] = rec

	// A remote instance now owns this user's presence; our pending
	// offline transition (if any) would be stale.
	if rec.Status != protocol.StatusOffline {
		t.cancelGraceLocked(rec.UserID)
	}
	return true
}

// Get returns the current record for a user.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// OnConnect cancels a pending offline transition and marks the user
// online if they had no presence yet. Called when a connection
// authenticates; absorbs the reconnect race.
func (t *Tracker) OnConnect(userID string) {
	t.mu.Lock()
	t.cancelGraceLocked(userID)
	_, hasRecord := t.records[userID]
	t.mu.Unlock()

	if !hasRecord {
		t.Update(userID, protocol.StatusOnline, "")
	}
}

// OnLastDisconnect schedules the offline transition after the grace
// period. A new connection authenticating as the same user within the
// window cancels it.
func (t *Tracker) OnLastDisconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelGraceLocked(userID)
	t.graceTimers[userID] = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		delete(t.graceTimers, userID)
		t.mu.Unlock()

		t.Update(userID, protocol.StatusOffline, "")
		t.logger.Debug().Str("user_id", userID).Msg("User transitioned offline after grace period")
	})
}

// Forget drops a user's record, once offline fan-out has happened.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelGraceLocked(userID)
	delete(t.records, userID)
}

func (t *Tracker) cancelGraceLocked(userID string) {
	if timer, ok := t.graceTimers[userID]; ok {
		timer.Stop()
		delete(t.graceTimers, userID)
	}
}
