package gateway

import (
	"context"

	"github.com/nats-io/nuid"

	"github.com/arfacturas8-ai/v1-sub012/internal/breaker"
	"github.com/arfacturas8-ai/v1-sub012/internal/limiter"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
	"github.com/arfacturas8-ai/v1-sub012/internal/session"
	"github.com/arfacturas8-ai/v1-sub012/internal/upstream"
)

// eventClass maps each rate-limited op to its budget. Ops sharing a
// class draw from one budget.
var eventClass = map[protocol.Op]limiter.Event{
	protocol.OpMessageSend:    limiter.EventMessage,
	protocol.OpTypingStart:    limiter.EventTyping,
	protocol.OpTypingStop:     limiter.EventTyping,
	protocol.OpPresenceUpdate: limiter.EventPresence,
	protocol.OpVoiceJoin:      limiter.EventVoice,
	protocol.OpVoiceLeave:     limiter.EventVoice,
	protocol.OpVoiceState:     limiter.EventVoice,
	protocol.OpRoomJoin:       limiter.EventRoom,
	protocol.OpRoomLeave:      limiter.EventRoom,
}

// dispatch routes one inbound frame. Events from a connection are
// processed in receipt order on its read pump; a handler error becomes
// an error event for that frame only, never a disconnect.
func (g *Gateway) dispatch(c *client, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	g.metrics.EventsReceived.WithLabelValues(string(frame.Op)).Inc()

	switch frame.Op {
	case protocol.OpAuthenticate:
		g.handleAuthenticate(c, frame)
		return
	case protocol.OpHeartbeat:
		c.sendEvent(protocol.OpHeartbeatAck, "", protocol.HeartbeatAck{ServerTimestamp: protocol.NowMillis()})
		return
	}

	sess, ok := g.sessions.SessionFor(c.connID)
	if !ok {
		c.sendError(&protocol.GatewayError{Code: protocol.CodeNotAuthed, Message: "authenticate first"})
		return
	}

	event, limited := eventClass[frame.Op]
	if !limited {
		c.sendError(&protocol.GatewayError{Code: protocol.CodeUnknownOp, Message: "unknown op: " + string(frame.Op)})
		return
	}
	if ok, retryAfter := g.limits.Allow(sess.UserID, event); !ok {
		g.metrics.RateLimited.WithLabelValues(string(event)).Inc()
		c.sendError(protocol.NewRateLimited(retryAfter))
		return
	}

	switch frame.Op {
	case protocol.OpRoomJoin:
		g.handleRoomJoin(c, sess, frame)
	case protocol.OpRoomLeave:
		g.handleRoomLeave(c, frame)
	case protocol.OpMessageSend:
		g.handleMessageSend(c, sess, frame)
	case protocol.OpTypingStart, protocol.OpTypingStop:
		g.handleTyping(c, sess, frame)
	case protocol.OpPresenceUpdate:
		g.handlePresenceUpdate(c, sess, frame)
	case protocol.OpVoiceJoin:
		g.handleVoiceJoin(c, sess, frame)
	case protocol.OpVoiceLeave:
		g.handleVoiceLeave(c, sess, frame)
	case protocol.OpVoiceState:
		g.handleVoiceState(c, sess, frame)
	}
}

// handleAuthenticate runs the credential handshake. Validation failures
// are terminal: the client gets a rejected event with a reason and the
// connection closes. A repeat authenticate on a live connection replaces
// the session rather than stacking a second one.
func (g *Gateway) handleAuthenticate(c *client, frame protocol.Frame) {
	payload, err := protocol.DecodeAuthenticate(frame.Data)
	if err != nil {
		g.reject(c, protocol.RejectMissingCredential)
		return
	}

	var result upstream.AuthResult
	callErr := g.breakers.Do(g.ctx, breaker.DepAuth, g.cfg.AuthCallTimeout, func(ctx context.Context) error {
		var vErr error
		result, vErr = g.auth.Validate(ctx, payload.Token)
		return vErr
	})
	if callErr != nil {
		// Revocation status unknowable: fail closed rather than admit a
		// possibly revoked session.
		g.logger.Warn().Err(callErr).Str("conn_id", c.connID).Msg("Auth dependency unavailable during handshake")
		g.reject(c, protocol.RejectAuthUnavailable)
		return
	}
	if !result.Valid {
		g.reject(c, result.Reason)
		return
	}

	replaced, attached := g.sessions.Attach(c.connID, session.Session{
		UserID:      result.UserID,
		SessionID:   result.SessionID,
		TokenExpiry: result.Expiry,
	})
	if !attached {
		// Connection already torn down while validating.
		return
	}
	if replaced != nil && replaced.UserID != result.UserID {
		g.logger.Info().
			Str("conn_id", c.connID).
			Str("old_user_id", replaced.UserID).
			Str("user_id", result.UserID).
			Msg("Connection re-authenticated as a different user")
		g.rooms.RemoveConn(c.connID)
		g.voice.DropConn(c.connID)
		// Attach already unbound the old session, so this connection no
		// longer counts for the old user. If it was their last one, the
		// same per-user cleanup as a disconnect applies.
		if len(g.sessions.ConnectionsForUser(replaced.UserID)) == 0 {
			g.typing.DropUser(replaced.UserID)
			g.presence.OnLastDisconnect(replaced.UserID)
			g.limits.Forget(replaced.UserID)
		}
	}

	c.setUser(result.UserID)
	g.metrics.AuthSuccess.Inc()
	g.presence.OnConnect(result.UserID)

	ready := protocol.Ready{SessionID: result.SessionID}

	storeErr := g.breakers.Do(g.ctx, breaker.DepStore, g.cfg.StoreCallTimeout, func(ctx context.Context) error {
		summary, sErr := g.store.UserSummary(ctx, result.UserID)
		if sErr != nil {
			return sErr
		}
		rooms, rErr := g.store.UserRooms(ctx, result.UserID)
		if rErr != nil {
			return rErr
		}
		ready.User = summary
		ready.Rooms = rooms
		return nil
	})
	if storeErr != nil {
		// The session is valid regardless; the client resyncs rooms later.
		ready.User = protocol.UserSummary{UserID: result.UserID}
		ready.Degraded = true
		g.logger.Warn().Err(storeErr).Str("user_id", result.UserID).Msg("Ready payload degraded, store unavailable")
	}

	c.sendEvent(protocol.OpReady, "", ready)
	g.logger.Info().
		Str("conn_id", c.connID).
		Str("user_id", result.UserID).
		Str("session_id", result.SessionID).
		Msg("Connection authenticated")
}

func (g *Gateway) reject(c *client, reason string) {
	g.metrics.AuthFailed.WithLabelValues(reason).Inc()
	c.sendEvent(protocol.OpRejected, "", protocol.Rejected{Reason: reason})
	g.logger.Info().Str("conn_id", c.connID).Str("reason", reason).Msg("Handshake rejected")
	// Give the write pump a moment to flush the rejection.
	flushThenClose(c)
}

// handleRoomJoin registers local membership, then backfills recent
// history. A failed broker subscription or history load degrades the
// join, it does not fail it: the member still receives locally
// originated events.
func (g *Gateway) handleRoomJoin(c *client, sess session.Session, frame protocol.Frame) {
	ref, err := protocol.DecodeRoomRef(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}

	if err := g.rooms.Join(ref.ChannelID, c.connID); err != nil {
		g.logger.Warn().
			Err(err).
			Str("channel_id", ref.ChannelID).
			Str("user_id", sess.UserID).
			Msg("Room replication subscribe failed, membership is local-only")
	}

	history := protocol.RoomHistory{ChannelID: ref.ChannelID}
	storeErr := g.breakers.Do(g.ctx, breaker.DepStore, g.cfg.StoreCallTimeout, func(ctx context.Context) error {
		stored, sErr := g.store.LoadRecentMessages(ctx, ref.ChannelID, g.cfg.HistoryLimit)
		if sErr != nil {
			return sErr
		}
		history.Messages = make([]protocol.MessageCreated, 0, len(stored))
		for _, m := range stored {
			history.Messages = append(history.Messages, protocol.MessageCreated{
				MessageID: m.MessageID,
				ChannelID: m.ChannelID,
				AuthorID:  m.AuthorID,
				Content:   m.Content,
				Timestamp: m.Timestamp,
			})
		}
		return nil
	})
	if storeErr != nil {
		history.Degraded = true
	}

	c.sendEvent(protocol.OpRoomHistory, "", history)
}

func (g *Gateway) handleRoomLeave(c *client, frame protocol.Frame) {
	ref, err := protocol.DecodeRoomRef(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	g.rooms.Leave(ref.ChannelID, c.connID)
}

// handleMessageSend persists and fans out one chat message. Store
// failure does not block delivery: the message broadcasts with a
// provisional id and the ack tells the sender it was not persisted.
func (g *Gateway) handleMessageSend(c *client, sess session.Session, frame protocol.Frame) {
	msg, err := protocol.DecodeMessageSend(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	if !g.rooms.IsMember(msg.ChannelID, c.connID) {
		c.sendError(&protocol.GatewayError{Code: protocol.CodeNotInRoom, Message: "join the room before sending"})
		return
	}

	var messageID string
	persisted := true
	storeErr := g.breakers.Do(g.ctx, breaker.DepStore, g.cfg.StoreCallTimeout, func(ctx context.Context) error {
		var aErr error
		messageID, aErr = g.store.AppendMessage(ctx, msg.ChannelID, sess.UserID, msg.Content)
		return aErr
	})
	if storeErr != nil {
		messageID = nuid.Next()
		persisted = false
		g.logger.Warn().
			Err(storeErr).
			Str("channel_id", msg.ChannelID).
			Str("user_id", sess.UserID).
			Msg("Message broadcast without persistence, store unavailable")
	}

	created := protocol.MessageCreated{
		MessageID: messageID,
		ChannelID: msg.ChannelID,
		AuthorID:  sess.UserID,
		Content:   msg.Content,
		Timestamp: protocol.NowMillis(),
	}
	eventID, replicated := g.bridge.BroadcastRoom(msg.ChannelID, protocol.OpMessageCreated, created)

	c.sendEvent(protocol.OpMessageAck, eventID, protocol.MessageAck{
		Nonce:      msg.Nonce,
		MessageID:  messageID,
		Persisted:  persisted,
		Replicated: replicated,
	})
}

func (g *Gateway) handleTyping(c *client, sess session.Session, frame protocol.Frame) {
	ref, err := protocol.DecodeRoomRef(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	if !g.rooms.IsMember(ref.ChannelID, c.connID) {
		c.sendError(&protocol.GatewayError{Code: protocol.CodeNotInRoom, Message: "join the room before typing"})
		return
	}

	var replicated bool
	if frame.Op == protocol.OpTypingStart {
		replicated = g.typing.Start(ref.ChannelID, sess.UserID)
	} else {
		replicated = g.typing.Stop(ref.ChannelID, sess.UserID)
	}
	if !replicated {
		g.notifyDegraded(c, "typing indicator")
	}
}

func (g *Gateway) handlePresenceUpdate(c *client, sess session.Session, frame protocol.Frame) {
	update, err := protocol.DecodePresenceUpdate(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}

	_, replicated := g.presence.Update(sess.UserID, update.Status, update.Activity)
	if !replicated {
		g.notifyDegraded(c, "presence update")
	}
}

func (g *Gateway) handleVoiceJoin(c *client, sess session.Session, frame protocol.Frame) {
	ref, err := protocol.DecodeRoomRef(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	if !g.rooms.IsMember(ref.ChannelID, c.connID) {
		c.sendError(&protocol.GatewayError{Code: protocol.CodeNotInRoom, Message: "join the room before joining voice"})
		return
	}

	token, joinErr := g.voice.Join(g.ctx, sess.UserID, c.connID, ref.ChannelID)
	if joinErr != nil {
		c.sendError(protocol.AsGatewayError(joinErr))
		return
	}

	// The join token goes only to the joining connection; the broadcast
	// the coordinator already sent carries no credential.
	c.sendEvent(protocol.OpVoiceJoined, "", protocol.VoiceJoined{
		ChannelID:        ref.ChannelID,
		UserID:           sess.UserID,
		ProviderToken:    token.Token,
		ProviderRoomName: token.RoomName,
	})
}

func (g *Gateway) handleVoiceLeave(c *client, sess session.Session, frame protocol.Frame) {
	ref, err := protocol.DecodeRoomRef(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	if leaveErr := g.voice.Leave(sess.UserID, ref.ChannelID); leaveErr != nil {
		c.sendError(protocol.AsGatewayError(leaveErr))
	}
}

func (g *Gateway) handleVoiceState(c *client, sess session.Session, frame protocol.Frame) {
	state, err := protocol.DecodeVoiceState(frame.Data)
	if err != nil {
		c.sendError(protocol.AsGatewayError(err))
		return
	}
	if stateErr := g.voice.SetState(sess.UserID, state); stateErr != nil {
		c.sendError(protocol.AsGatewayError(stateErr))
	}
}

// notifyDegraded tells a client its event reached only this instance's
// members because replication is down.
func (g *Gateway) notifyDegraded(c *client, what string) {
	c.sendError(&protocol.GatewayError{
		Code:    protocol.CodeDepUnavail,
		Message: what + " delivered to this instance only",
	})
}
