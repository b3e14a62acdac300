package room

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Table is the instance-local room membership index: channelID → set of
// connection ids. Rooms are created lazily on first join and torn down
// after the last local member leaves and a grace period elapses, so a
// rapid leave/rejoin does not thrash the broker subscription.
type Table struct {
	mu     sync.Mutex
	rooms  map[string]*localRoom
	bridge *Bridge
	logger zerolog.Logger
	grace  time.Duration
}

type localRoom struct {
	members    map[string]struct{} // connection ids
	graceTimer *time.Timer
}

func NewTable(bridge *Bridge, grace time.Duration, logger zerolog.Logger) *Table {
	return &Table{
		rooms:  make(map[string]*localRoom),
		bridge: bridge,
		logger: logger.With().Str("component", "room_table").Logger(),
		grace:  grace,
	}
}

// Join adds a connection to a room. The first local member opens the
// room's replication topic; a pending teardown timer is cancelled.
func (t *Table) Join(channelID, connID string) error {
	t.mu.Lock()
	rm, ok := t.rooms[channelID]
	if !ok {
		rm = &localRoom{members: make(map[string]struct{})}
		t.rooms[channelID] = rm
	}
	if rm.graceTimer != nil {
		rm.graceTimer.Stop()
		rm.graceTimer = nil
	}
	if _, already := rm.members[connID]; already {
		t.mu.Unlock()
		return nil
	}
	rm.members[connID] = struct{}{}
	first := len(rm.members) == 1
	t.mu.Unlock()

	if first {
		if err := t.bridge.EnsureSubscribed(channelID); err != nil {
			return err
		}
	}
	t.bridge.PublishCensus(channelID, +1)
	return nil
}

// Leave removes a connection from a room. When the last local member is
// gone the teardown (broker unsubscribe + room delete) is deferred by
// the grace period.
func (t *Table) Leave(channelID, connID string) {
	t.mu.Lock()
	rm, ok := t.rooms[channelID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, member := rm.members[connID]; !member {
		t.mu.Unlock()
		return
	}
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	if empty {
		t.scheduleTeardown(channelID, rm)
	}
	t.mu.Unlock()

	t.bridge.PublishCensus(channelID, -1)
}

// RemoveConn removes a connection from every room it joined and returns
// the affected channel ids, for the disconnect cleanup cascade.
func (t *Table) RemoveConn(connID string) []string {
	t.mu.Lock()
	var affected []string
	for channelID, rm := range t.rooms {
		if _, member := rm.members[connID]; !member {
			continue
		}
		delete(rm.members, connID)
		affected = append(affected, channelID)
		if len(rm.members) == 0 {
			t.scheduleTeardown(channelID, rm)
		}
	}
	t.mu.Unlock()

	for _, channelID := range affected {
		t.bridge.PublishCensus(channelID, -1)
	}
	return affected
}

// LocalMembers snapshots a room's local connection ids.
func (t *Table) LocalMembers(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rm, ok := t.rooms[channelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether a connection joined a room.
func (t *Table) IsMember(channelID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rm, ok := t.rooms[channelID]
	if !ok {
		return false
	}
	_, member := rm.members[connID]
	return member
}

// TotalSubscribers is the replicated subscriber count: local members
// plus the census tally from other instances. Always >= the local count.
func (t *Table) TotalSubscribers(channelID string) int {
	t.mu.Lock()
	local := 0
	if rm, ok := t.rooms[channelID]; ok {
		local = len(rm.members)
	}
	t.mu.Unlock()
	return local + t.bridge.RemoteSubscribers(channelID)
}

// RoomsForConn lists the rooms a connection currently belongs to.
func (t *Table) RoomsForConn(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for channelID, rm := range t.rooms {
		if _, member := rm.members[connID]; member {
			out = append(out, channelID)
		}
	}
	return out
}

// scheduleTeardown arms the grace timer on an empty room. Caller holds
// the lock. The timer re-checks emptiness under the lock before tearing
// down, because a rejoin may have landed in the meantime.
func (t *Table) scheduleTeardown(channelID string, rm *localRoom) {
	if rm.graceTimer != nil {
		rm.graceTimer.Stop()
	}
	rm.graceTimer = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		current, ok := t.rooms[channelID]
		if !ok || current != rm || len(current.members) > 0 {
			t.mu.Unlock()
			return
		}
		delete(t.rooms, channelID)
		t.mu.Unlock()

		t.bridge.Unsubscribe(channelID)
		t.logger.Debug().Str("channel_id", channelID).Msg("Room torn down after grace period")
	})
}
