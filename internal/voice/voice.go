// Package voice manages membership and mute/deafen/speaking state for
// voice-capable rooms. The media session itself lives with the external
// provider; this coordinator only mints join credentials through the
// circuit breaker and replicates signaling state.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/breaker"
	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
	"github.com/arfacturas8-ai/v1-sub012/internal/upstream"
)

// Participant is one user's state in one voice room. ConnID pins the
// participant to the connection that joined; it exists only while that
// connection is alive.
type Participant struct {
	ChannelID string
	UserID    string
	ConnID    string
	Muted     bool
	Deafened  bool
	Speaking  bool
	JoinedAt  time.Time
}

// Broadcaster publishes a voice event into the channel's room.
type Broadcaster func(channelID string, op protocol.Op, payload any) bool

// Coordinator tracks this instance's voice participants. A user may be
// in at most one voice room per server.
type Coordinator struct {
	mu        sync.Mutex
	byChannel map[string]map[string]*Participant // channelID → userID → participant
	byUser    map[string]map[string]string       // userID → serverID → channelID

	provider     upstream.VoiceProvider
	store        upstream.Store
	breakers     *breaker.Manager
	broadcast    Broadcaster
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	callTimeout  time.Duration
	storeTimeout time.Duration
}

type Config struct {
	Provider     upstream.VoiceProvider
	Store        upstream.Store
	Breakers     *breaker.Manager
	Broadcast    Broadcaster
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	CallTimeout  time.Duration
	StoreTimeout time.Duration
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		byChannel:    make(map[string]map[string]*Participant),
		byUser:       make(map[string]map[string]string),
		provider:     cfg.Provider,
		store:        cfg.Store,
		breakers:     cfg.Breakers,
		broadcast:    cfg.Broadcast,
		logger:       cfg.Logger.With().Str("component", "voice").Logger(),
		metrics:      cfg.Metrics,
		callTimeout:  cfg.CallTimeout,
		storeTimeout: cfg.StoreTimeout,
	}
}

// Join validates the one-voice-room-per-server rule, mints a join token
// through the breaker-wrapped provider, records the participant, and
// broadcasts the join. Provider failure degrades only this join attempt:
// the caller gets a typed voice-unavailable error and nothing else is
// touched.
func (c *Coordinator) Join(ctx context.Context, userID, connID, channelID string) (upstream.JoinToken, error) {
	serverID := c.resolveServer(ctx, channelID)

	// Reserve the slot in both indexes before the provider call. The
	// conflict check and the insert must be one atomic step, otherwise
	// two concurrent joins both pass the check while the token mints.
	c.mu.Lock()
	if existing, ok := c.byUser[userID][serverID]; ok && existing != channelID {
		c.mu.Unlock()
		return upstream.JoinToken{}, protocol.NewConflict("already in a voice channel on this server")
	}
	if _, ok := c.byChannel[channelID][userID]; ok {
		c.mu.Unlock()
		return upstream.JoinToken{}, protocol.NewConflict("already in this voice channel")
	}
	p := &Participant{
		ChannelID: channelID,
		UserID:    userID,
		ConnID:    connID,
		JoinedAt:  time.Now(),
	}
	if c.byChannel[channelID] == nil {
		c.byChannel[channelID] = make(map[string]*Participant)
	}
	c.byChannel[channelID][userID] = p
	if c.byUser[userID] == nil {
		c.byUser[userID] = make(map[string]string)
	}
	c.byUser[userID][serverID] = channelID
	c.exportGaugeLocked()
	c.mu.Unlock()

	var token upstream.JoinToken
	err := c.breakers.Do(ctx, breaker.DepVoice, c.callTimeout, func(callCtx context.Context) error {
		var issueErr error
		token, issueErr = c.provider.IssueJoinToken(callCtx, channelID, userID)
		return issueErr
	})
	if err != nil {
		c.mu.Lock()
		if cur, ok := c.byChannel[channelID][userID]; ok && cur == p {
			c.removeLocked(userID, channelID)
		}
		c.mu.Unlock()
		c.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Str("channel_id", channelID).
			Msg("Voice token issuance failed")
		return upstream.JoinToken{}, &protocol.GatewayError{
			Code:    protocol.CodeVoiceUnavail,
			Message: "voice temporarily unavailable",
		}
	}

	// The connection may have dropped while the token minted; its
	// reservation is gone and the token must not be handed out.
	c.mu.Lock()
	cur, ok := c.byChannel[channelID][userID]
	c.mu.Unlock()
	if !ok || cur != p {
		return upstream.JoinToken{}, protocol.NewConflict("connection closed during voice join")
	}

	c.broadcast(channelID, protocol.OpVoiceJoined, protocol.VoiceJoined{
		ChannelID: channelID,
		UserID:    userID,
	})
	return token, nil
}

// Leave removes the participant and broadcasts the departure.
func (c *Coordinator) Leave(userID, channelID string) error {
	c.mu.Lock()
	users, ok := c.byChannel[channelID]
	if !ok {
		c.mu.Unlock()
		return protocol.NewConflict("not in this voice channel")
	}
	if _, member := users[userID]; !member {
		c.mu.Unlock()
		return protocol.NewConflict("not in this voice channel")
	}
	c.removeLocked(userID, channelID)
	c.mu.Unlock()

	c.broadcast(channelID, protocol.OpVoiceLeft, protocol.VoiceLeft{
		ChannelID: channelID,
		UserID:    userID,
	})
	return nil
}

// SetState mutates the mute/deafen/speaking flags and broadcasts the
// change. Pure signaling metadata: no provider call involved.
func (c *Coordinator) SetState(userID string, state protocol.VoiceState) error {
	c.mu.Lock()
	p, ok := c.byChannel[state.ChannelID][userID]
	if !ok {
		c.mu.Unlock()
		return protocol.NewConflict("not in this voice channel")
	}
	p.Muted = state.Muted
	p.Deafened = state.Deafened
	p.Speaking = state.Speaking
	c.mu.Unlock()

	c.broadcast(state.ChannelID, protocol.OpVoiceStateChanged, protocol.VoiceStateChanged{
		ChannelID: state.ChannelID,
		UserID:    userID,
		Muted:     state.Muted,
		Deafened:  state.Deafened,
		Speaking:  state.Speaking,
	})
	return nil
}

// DropConn removes every participant owned by a connection,
// broadcasting each departure. Part of the disconnect cascade: a
// participant exists only while its connection is alive.
func (c *Coordinator) DropConn(connID string) {
	type membership struct{ channelID, userID string }

	c.mu.Lock()
	var dropped []membership
	for channelID, users := range c.byChannel {
		for userID, p := range users {
			if p.ConnID == connID {
				dropped = append(dropped, membership{channelID, userID})
			}
		}
	}
	for _, m := range dropped {
		c.removeLocked(m.userID, m.channelID)
	}
	c.mu.Unlock()

	for _, m := range dropped {
		c.broadcast(m.channelID, protocol.OpVoiceLeft, protocol.VoiceLeft{
			ChannelID: m.channelID,
			UserID:    m.userID,
		})
	}
}

// Participants snapshots a channel's participant list.
func (c *Coordinator) Participants(channelID string) []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.byChannel[channelID]
	out := make([]Participant, 0, len(users))
	for _, p := range users {
		out = append(out, *p)
	}
	return out
}

// resolveServer maps a channel to its server through the breaker-wrapped
// store. When the store is unavailable the conflict check degrades to a
// per-channel scope under a synthetic server key; the join itself still
// proceeds.
func (c *Coordinator) resolveServer(ctx context.Context, channelID string) string {
	var serverID string
	err := c.breakers.Do(ctx, breaker.DepStore, c.storeTimeout, func(callCtx context.Context) error {
		var lookupErr error
		serverID, lookupErr = c.store.ChannelServer(callCtx, channelID)
		return lookupErr
	})
	if err != nil || serverID == "" {
		c.logger.Debug().
			Str("channel_id", channelID).
			Msg("Channel-server lookup degraded, conflict scope falls back to channel")
		return "channel:" + channelID
	}
	return serverID
}

// removeLocked deletes a participant from both indexes. Caller holds the
// lock.
func (c *Coordinator) removeLocked(userID, channelID string) {
	if users, ok := c.byChannel[channelID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(c.byChannel, channelID)
		}
	}
	for serverID, ch := range c.byUser[userID] {
		if ch == channelID {
			delete(c.byUser[userID], serverID)
		}
	}
	if len(c.byUser[userID]) == 0 {
		delete(c.byUser, userID)
	}
	c.exportGaugeLocked()
}

func (c *Coordinator) exportGaugeLocked() {
	if c.metrics == nil {
		return
	}
	n := 0
	for _, users := range c.byChannel {
		n += len(users)
	}
	c.metrics.VoiceSessions.Set(float64(n))
}
