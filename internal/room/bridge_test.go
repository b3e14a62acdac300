package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// fakeBus is an in-process PubSub shared between bridges, standing in
// for the broker. Delivery is synchronous and reaches every subscriber
// including the publisher, like a real broker echo.
type fakeBus struct {
	mu          sync.Mutex
	subs        map[string][]func([]byte)
	lastPayload map[string][]byte
	failPublish bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:        make(map[string][]func([]byte)),
		lastPayload: make(map[string][]byte),
	}
}

func (f *fakeBus) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	if f.failPublish {
		f.mu.Unlock()
		return errors.New("broker down")
	}
	f.lastPayload[topic] = payload
	handlers := append([]func([]byte){}, f.subs[topic]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (f *fakeBus) Subscribe(topic string, handler func([]byte)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], handler)
	return fakeSub{bus: f, topic: topic}, nil
}

// redeliver replays the last payload on a topic, simulating an
// at-least-once broker redelivery.
func (f *fakeBus) redeliver(topic string) {
	f.mu.Lock()
	payload := f.lastPayload[topic]
	handlers := append([]func([]byte){}, f.subs[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (f *fakeBus) subscriberCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

type fakeSub struct {
	bus   *fakeBus
	topic string
}

func (s fakeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.topic)
	return nil
}

type envelopeLog struct {
	mu   sync.Mutex
	envs []Envelope
}

func (l *envelopeLog) deliver(env Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
}

func (l *envelopeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.envs)
}

func (l *envelopeLog) all() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.envs...)
}

func newTestBridge(instanceID string, bus *fakeBus) (*Bridge, *envelopeLog, *envelopeLog) {
	roomLog := &envelopeLog{}
	presLog := &envelopeLog{}
	b := NewBridge(BridgeConfig{
		InstanceID:      instanceID,
		PubSub:          bus,
		Logger:          zerolog.Nop(),
		DeliverRoom:     roomLog.deliver,
		DeliverPresence: presLog.deliver,
	})
	return b, roomLog, presLog
}

func TestBroadcastRoomDeliversLocallyExactlyOnce(t *testing.T) {
	bus := newFakeBus()
	b, roomLog, _ := newTestBridge("inst-a", bus)
	require.NoError(t, b.EnsureSubscribed("ch1"))

	eventID, replicated := b.BroadcastRoom("ch1", protocol.OpMessageCreated, map[string]string{"content": "hi"})
	assert.True(t, replicated)
	assert.NotEmpty(t, eventID)

	// Local delivery once, with the broker echo suppressed by event id.
	assert.Equal(t, 1, roomLog.count())
	assert.Equal(t, eventID, roomLog.all()[0].EventID)
}

func TestBroadcastReachesOtherInstanceOnce(t *testing.T) {
	bus := newFakeBus()
	a, aLog, _ := newTestBridge("inst-a", bus)
	b, bLog, _ := newTestBridge("inst-b", bus)
	require.NoError(t, a.EnsureSubscribed("ch1"))
	require.NoError(t, b.EnsureSubscribed("ch1"))

	eventID, _ := a.BroadcastRoom("ch1", protocol.OpMessageCreated, map[string]string{"content": "hi"})

	require.Equal(t, 1, bLog.count())
	env := bLog.all()[0]
	assert.Equal(t, eventID, env.EventID)
	assert.Equal(t, "inst-a", env.Origin)
	assert.Equal(t, protocol.OpMessageCreated, env.Op)

	// Broker redelivery is suppressed on both sides.
	bus.redeliver(roomTopic("ch1"))
	assert.Equal(t, 1, bLog.count())
	assert.Equal(t, 1, aLog.count())
}

func TestBroadcastDegradesWhenPublishFails(t *testing.T) {
	bus := newFakeBus()
	bus.failPublish = true
	b, roomLog, _ := newTestBridge("inst-a", bus)

	eventID, replicated := b.BroadcastRoom("ch1", protocol.OpMessageCreated, map[string]string{"content": "hi"})
	assert.False(t, replicated, "publish failure must be reported, not hidden")
	assert.NotEmpty(t, eventID)
	assert.Equal(t, 1, roomLog.count(), "local members still get the event")
}

func TestPresenceFanout(t *testing.T) {
	bus := newFakeBus()
	a, _, aPres := newTestBridge("inst-a", bus)
	b, _, bPres := newTestBridge("inst-b", bus)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	payload := protocol.PresenceChanged{UserID: "u1", Status: protocol.StatusOnline, Timestamp: 1}
	_, replicated := a.BroadcastPresence(protocol.OpPresenceChanged, payload)
	assert.True(t, replicated)

	require.Equal(t, 1, aPres.count())
	require.Equal(t, 1, bPres.count())

	var got protocol.PresenceChanged
	require.NoError(t, json.Unmarshal(bPres.all()[0].Payload, &got))
	assert.Equal(t, "u1", got.UserID)
}

func TestCensusTally(t *testing.T) {
	bus := newFakeBus()
	a, _, _ := newTestBridge("inst-a", bus)
	b, _, _ := newTestBridge("inst-b", bus)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	a.PublishCensus("ch1", +1)
	a.PublishCensus("ch1", +1)

	assert.Equal(t, 2, b.RemoteSubscribers("ch1"))
	assert.Equal(t, 0, a.RemoteSubscribers("ch1"), "own deltas are not counted as remote")

	a.PublishCensus("ch1", -1)
	a.PublishCensus("ch1", -1)
	assert.Equal(t, 0, b.RemoteSubscribers("ch1"))
}

func TestEnsureSubscribedIdempotent(t *testing.T) {
	bus := newFakeBus()
	b, _, _ := newTestBridge("inst-a", bus)

	require.NoError(t, b.EnsureSubscribed("ch1"))
	require.NoError(t, b.EnsureSubscribed("ch1"))
	assert.Equal(t, 1, bus.subscriberCount(roomTopic("ch1")))
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := newSeenCache(2)
	c.add("a")
	c.add("b")
	c.add("c")

	assert.False(t, c.contains("a"), "oldest id evicted at capacity")
	assert.True(t, c.contains("b"))
	assert.True(t, c.contains("c"))
}
