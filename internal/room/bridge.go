// Package room tracks per-instance room membership and replicates
// room-scoped events to every instance holding a member of that room.
package room

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// PubSub is the injected broker surface. The NATS adapter implements it
// in production; tests swap in an in-process fake.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) (Subscription, error)
}

// Subscription is a live broker subscription.
type Subscription interface {
	Unsubscribe() error
}

// Envelope is the replication message carried through the broker. The
// event id is assigned once at the origin; receivers use it to suppress
// broker redeliveries so each local member sees an event exactly once.
type Envelope struct {
	EventID     string          `json:"eventId"`
	Origin      string          `json:"origin"`
	ChannelID   string          `json:"channelId,omitempty"`
	Op          protocol.Op     `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt int64           `json:"publishedAt"`
}

// DeliverFunc fans an envelope out to the instance's local audience.
// For room events the audience is the room's local members; for presence
// it is every authenticated local connection.
type DeliverFunc func(env Envelope)

// Topic layout. Room topics are one per channel so an instance only
// receives traffic for rooms it holds members of.
const (
	roomTopicPrefix = "gw.room."
	presenceTopic   = "gw.presence"
	censusTopic     = "gw.census"
)

func roomTopic(channelID string) string { return roomTopicPrefix + channelID }

// Bridge replicates events between instances through the PubSub broker.
type Bridge struct {
	instanceID string
	ps         PubSub
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	deliverRoom     DeliverFunc
	deliverPresence DeliverFunc

	mu        sync.Mutex
	roomSubs  map[string]Subscription
	seen      *seenCache
	census    map[string]int // channelID → remote member tally
	censusSub Subscription
	presSub   Subscription
}

// BridgeConfig wires a Bridge.
type BridgeConfig struct {
	InstanceID      string
	PubSub          PubSub
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	DeliverRoom     DeliverFunc
	DeliverPresence DeliverFunc
}

func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{
		instanceID:      cfg.InstanceID,
		ps:              cfg.PubSub,
		logger:          cfg.Logger.With().Str("component", "fanout_bridge").Logger(),
		metrics:         cfg.Metrics,
		deliverRoom:     cfg.DeliverRoom,
		deliverPresence: cfg.DeliverPresence,
		roomSubs:        make(map[string]Subscription),
		seen:            newSeenCache(4096),
		census:          make(map[string]int),
	}
}

// Start subscribes the instance-wide topics (presence, census). Room
// topics are subscribed lazily on first local join.
func (b *Bridge) Start() error {
	presSub, err := b.ps.Subscribe(presenceTopic, func(payload []byte) {
		b.onReplicated(payload, b.deliverPresence)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", presenceTopic, err)
	}
	censusSub, err := b.ps.Subscribe(censusTopic, b.onCensus)
	if err != nil {
		presSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", censusTopic, err)
	}
	b.mu.Lock()
	b.presSub = presSub
	b.censusSub = censusSub
	b.mu.Unlock()
	return nil
}

// Stop unsubscribes everything.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channelID, sub := range b.roomSubs {
		sub.Unsubscribe()
		delete(b.roomSubs, channelID)
	}
	if b.presSub != nil {
		b.presSub.Unsubscribe()
	}
	if b.censusSub != nil {
		b.censusSub.Unsubscribe()
	}
}

// BroadcastRoom delivers a room-scoped event to local members
// immediately and publishes one replication envelope for every other
// instance. The event id goes into the seen cache first, so the
// origin's own copy coming back from the broker is suppressed and local
// members never see it twice. Returns the event id and whether
// replication succeeded; a false return means instance-local delivery
// only (degraded), never a silent drop.
func (b *Bridge) BroadcastRoom(channelID string, op protocol.Op, payload any) (string, bool) {
	env, data, err := b.seal(channelID, op, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("op", string(op)).Msg("Failed to encode replication envelope")
		return "", false
	}

	b.markSeen(env.EventID)
	b.deliverRoom(env)

	if err := b.ps.Publish(roomTopic(channelID), data); err != nil {
		b.logger.Warn().
			Err(err).
			Str("channel_id", channelID).
			Str("op", string(op)).
			Msg("Broker publish failed, degraded to local-only delivery")
		if b.metrics != nil {
			b.metrics.FanoutDegraded.Inc()
		}
		return env.EventID, false
	}
	if b.metrics != nil {
		b.metrics.FanoutPublished.Inc()
	}
	return env.EventID, true
}

// BroadcastPresence replicates a presence record to all instances.
// Same local-first, dedupe-on-echo scheme as room events.
func (b *Bridge) BroadcastPresence(op protocol.Op, payload any) (string, bool) {
	env, data, err := b.seal("", op, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("op", string(op)).Msg("Failed to encode presence envelope")
		return "", false
	}

	b.markSeen(env.EventID)
	b.deliverPresence(env)

	if err := b.ps.Publish(presenceTopic, data); err != nil {
		if b.metrics != nil {
			b.metrics.FanoutDegraded.Inc()
		}
		return env.EventID, false
	}
	if b.metrics != nil {
		b.metrics.FanoutPublished.Inc()
	}
	return env.EventID, true
}

// EnsureSubscribed opens the room's replication topic if this instance
// is not already listening. Called on the first local join.
func (b *Bridge) EnsureSubscribed(channelID string) error {
	b.mu.Lock()
	if _, ok := b.roomSubs[channelID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	sub, err := b.ps.Subscribe(roomTopic(channelID), func(payload []byte) {
		b.onReplicated(payload, b.deliverRoom)
	})
	if err != nil {
		return fmt.Errorf("subscribe room %s: %w", channelID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.roomSubs[channelID]; ok {
		// Lost the race to another join; keep the first subscription.
		go sub.Unsubscribe()
		return nil
	}
	b.roomSubs[channelID] = sub
	return nil
}

// Unsubscribe closes a room topic once no local members remain.
func (b *Bridge) Unsubscribe(channelID string) {
	b.mu.Lock()
	sub, ok := b.roomSubs[channelID]
	if ok {
		delete(b.roomSubs, channelID)
	}
	b.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// PublishCensus announces a local membership delta for a room so every
// instance can keep a replicated subscriber tally.
func (b *Bridge) PublishCensus(channelID string, delta int) {
	msg := censusDelta{Origin: b.instanceID, ChannelID: channelID, Delta: delta}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := b.ps.Publish(censusTopic, data); err != nil {
		b.logger.Debug().Err(err).Str("channel_id", channelID).Msg("Census publish failed")
	}
}

// RemoteSubscribers reports the tallied remote member count for a room.
func (b *Bridge) RemoteSubscribers(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.census[channelID]
}

type censusDelta struct {
	Origin    string `json:"origin"`
	ChannelID string `json:"channelId"`
	Delta     int    `json:"delta"`
}

func (b *Bridge) onCensus(payload []byte) {
	var msg censusDelta
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Origin == b.instanceID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.census[msg.ChannelID] + msg.Delta
	if n <= 0 {
		delete(b.census, msg.ChannelID)
	} else {
		b.census[msg.ChannelID] = n
	}
}

// onReplicated handles an envelope arriving from the broker. Origin's
// own envelopes and broker redeliveries are suppressed by event id;
// everything else fans out to the local audience.
func (b *Bridge) onReplicated(payload []byte, deliver DeliverFunc) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn().Err(err).Msg("Dropping malformed replication envelope")
		return
	}
	if env.EventID == "" {
		return
	}

	b.mu.Lock()
	duplicate := b.seen.contains(env.EventID)
	if !duplicate {
		b.seen.add(env.EventID)
	}
	b.mu.Unlock()

	if duplicate {
		if b.metrics != nil {
			b.metrics.FanoutDuplicates.Inc()
		}
		return
	}

	if b.metrics != nil {
		b.metrics.FanoutDelivered.Inc()
	}
	deliver(env)
}

func (b *Bridge) seal(channelID string, op protocol.Op, payload any) (Envelope, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	env := Envelope{
		EventID:     nuid.Next(),
		Origin:      b.instanceID,
		ChannelID:   channelID,
		Op:          op,
		Payload:     raw,
		PublishedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, data, nil
}

func (b *Bridge) markSeen(eventID string) {
	b.mu.Lock()
	b.seen.add(eventID)
	b.mu.Unlock()
}

// seenCache is a bounded set of recently delivered event ids. A ring
// buffer evicts the oldest id once capacity is reached; callers hold the
// bridge lock.
type seenCache struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenCache(capacity int) *seenCache {
	return &seenCache{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

func (s *seenCache) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenCache) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
}
