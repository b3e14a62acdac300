package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

type recorder struct {
	mu         sync.Mutex
	broadcasts []broadcastCall
	expiries   []protocol.TypingEvent
}

type broadcastCall struct {
	op protocol.Op
	ev protocol.TypingEvent
}

func (r *recorder) broadcast(channelID string, op protocol.Op, ev protocol.TypingEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, broadcastCall{op: op, ev: ev})
	return true
}

func (r *recorder) expired(channelID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiries = append(r.expiries, protocol.TypingEvent{ChannelID: channelID, UserID: userID})
}

func (r *recorder) calls() []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcastCall(nil), r.broadcasts...)
}

func (r *recorder) expiredEvents() []protocol.TypingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.TypingEvent(nil), r.expiries...)
}

func newTestManager(rec *recorder) *Manager {
	return NewManager(Config{
		TTL:           10 * time.Second,
		SweepInterval: time.Second,
		Broadcast:     rec.broadcast,
		OnExpired:     rec.expired,
		Logger:        zerolog.Nop(),
	})
}

func TestStartBroadcastsAndTracks(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)

	replicated := m.Start("ch1", "u1")
	assert.True(t, replicated)
	assert.Equal(t, []string{"u1"}, m.ActiveIn("ch1"))

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.OpTypingStarted, calls[0].op)
	assert.Equal(t, "ch1", calls[0].ev.ChannelID)
}

func TestStopClearsImmediately(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)

	m.Start("ch1", "u1")
	m.Stop("ch1", "u1")

	assert.Empty(t, m.ActiveIn("ch1"))
	calls := rec.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, protocol.OpTypingStopped, calls[1].op)
}

func TestRepeatStartRefreshesTTL(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)
	base := time.Now()
	m.now = func() time.Time { return base }

	m.Start("ch1", "u1")
	base = base.Add(8 * time.Second)
	m.Start("ch1", "u1")
	base = base.Add(8 * time.Second)

	// 16s since the first start, 8s since the refresh: still active.
	assert.Equal(t, []string{"u1"}, m.ActiveIn("ch1"))
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)
	base := time.Now()
	m.now = func() time.Time { return base }

	m.Start("ch1", "u1")
	base = base.Add(11 * time.Second)

	assert.Empty(t, m.ActiveIn("ch1"), "expired entries are never visible")

	m.sweepExpired()
	expired := rec.expiredEvents()
	require.Len(t, expired, 1)
	assert.Equal(t, "u1", expired[0].UserID)
	assert.Equal(t, "ch1", expired[0].ChannelID)
}

func TestSweepDoesNotTouchLiveEntries(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)
	base := time.Now()
	m.now = func() time.Time { return base }

	m.Start("ch1", "u1")
	base = base.Add(5 * time.Second)
	m.sweepExpired()

	assert.Empty(t, rec.expiredEvents())
	assert.Equal(t, []string{"u1"}, m.ActiveIn("ch1"))
}

func TestApplyRemoteMirrorsState(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)

	m.ApplyRemote(protocol.OpTypingStarted, protocol.TypingEvent{ChannelID: "ch1", UserID: "remote-user"})
	assert.Equal(t, []string{"remote-user"}, m.ActiveIn("ch1"))

	m.ApplyRemote(protocol.OpTypingStopped, protocol.TypingEvent{ChannelID: "ch1", UserID: "remote-user"})
	assert.Empty(t, m.ActiveIn("ch1"))

	// Mirroring is silent; only local starts and stops broadcast.
	assert.Empty(t, rec.calls())
}

func TestDropUserStopsEverywhere(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec)

	m.Start("ch1", "u1")
	m.Start("ch2", "u1")
	m.Start("ch1", "u2")

	m.DropUser("u1")

	assert.Empty(t, m.ActiveIn("ch2"))
	assert.Equal(t, []string{"u2"}, m.ActiveIn("ch1"))

	stops := 0
	for _, call := range rec.calls() {
		if call.op == protocol.OpTypingStopped && call.ev.UserID == "u1" {
			stops++
		}
	}
	assert.Equal(t, 2, stops, "one stop per channel the user was typing in")
}
