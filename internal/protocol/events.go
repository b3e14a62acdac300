// Package protocol defines the wire contract between clients and the
// gateway: a closed set of typed event payloads plus the error taxonomy.
// Every inbound frame is decoded and validated here before dispatch; no
// raw JSON leaves this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op identifies an event on the wire.
type Op string

// Client → server ops.
const (
	OpAuthenticate   Op = "authenticate"
	OpRoomJoin       Op = "room.join"
	OpRoomLeave      Op = "room.leave"
	OpMessageSend    Op = "message.send"
	OpTypingStart    Op = "typing.start"
	OpTypingStop     Op = "typing.stop"
	OpPresenceUpdate Op = "presence.update"
	OpVoiceJoin      Op = "voice.join"
	OpVoiceLeave     Op = "voice.leave"
	OpVoiceState     Op = "voice.state"
	OpHeartbeat      Op = "heartbeat"
)

// Server → client ops.
const (
	OpReady             Op = "ready"
	OpRejected          Op = "rejected"
	OpRoomHistory       Op = "room.history"
	OpMessageCreated    Op = "message.created"
	OpMessageAck        Op = "message.ack"
	OpTypingStarted     Op = "typing.started"
	OpTypingStopped     Op = "typing.stopped"
	OpPresenceChanged   Op = "presence.changed"
	OpVoiceJoined       Op = "voice.joined"
	OpVoiceLeft         Op = "voice.left"
	OpVoiceStateChanged Op = "voice.state_changed"
	OpHeartbeatAck      Op = "heartbeat_ack"
	OpError             Op = "error"
)

// Frame is the outer envelope of every event in both directions.
// ID carries the server-assigned event id on fan-out events so clients
// can deduplicate on redelivery.
type Frame struct {
	Op   Op              `json:"op"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// DecodeFrame parses the outer envelope. The payload stays raw until the
// per-op decoder validates it.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, NewValidation("malformed frame: not valid JSON")
	}
	if f.Op == "" {
		return Frame{}, NewValidation("malformed frame: missing op")
	}
	return f, nil
}

// EncodeFrame marshals an outgoing event. Marshal errors indicate a
// programming bug (all payload types are plain structs), so they are
// surfaced rather than swallowed.
func EncodeFrame(op Op, id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", op, err)
		}
		raw = data
	}
	return json.Marshal(Frame{Op: op, ID: id, Data: raw})
}

// PresenceStatus is the closed set of user statuses.
type PresenceStatus string

const (
	StatusOnline       PresenceStatus = "online"
	StatusIdle         PresenceStatus = "idle"
	StatusDoNotDisturb PresenceStatus = "doNotDisturb"
	StatusOffline      PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDoNotDisturb, StatusOffline:
		return true
	}
	return false
}

// UserSummary is the profile slice included in the ready payload.
type UserSummary struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type Authenticate struct {
	Token string `json:"token"`
}

type Ready struct {
	SessionID string      `json:"sessionId"`
	User      UserSummary `json:"user"`
	Rooms     []string    `json:"rooms"`
	// Degraded is set when the room list could not be loaded because the
	// persistence dependency was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

type Rejected struct {
	Reason string `json:"reason"`
}

type RoomRef struct {
	ChannelID string `json:"channelId"`
}

type RoomHistory struct {
	ChannelID string           `json:"channelId"`
	Messages  []MessageCreated `json:"messages"`
	Degraded  bool             `json:"degraded,omitempty"`
}

type MessageSend struct {
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
	Nonce     string `json:"nonce"`
}

type MessageCreated struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// MessageAck tells the sender what happened to their message.send.
// Persisted=false means the store was unavailable and the message was
// broadcast without durable storage; Replicated=false means the broker
// was unavailable and only instance-local members received it.
type MessageAck struct {
	Nonce      string `json:"nonce"`
	MessageID  string `json:"messageId"`
	Persisted  bool   `json:"persisted"`
	Replicated bool   `json:"replicated"`
}

type TypingEvent struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

type PresenceUpdate struct {
	Status   PresenceStatus `json:"status"`
	Activity string         `json:"activity,omitempty"`
}

type PresenceChanged struct {
	UserID    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Activity  string         `json:"activity,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type VoiceJoined struct {
	ChannelID        string `json:"channelId"`
	ProviderToken    string `json:"providerToken,omitempty"`
	ProviderRoomName string `json:"providerRoomName,omitempty"`
	UserID           string `json:"userId"`
}

type VoiceLeft struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

type VoiceState struct {
	ChannelID string `json:"channelId"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
	Speaking  bool   `json:"speaking"`
}

type VoiceStateChanged struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
	Speaking  bool   `json:"speaking"`
}

type HeartbeatAck struct {
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type ErrorEvent struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// RetryAfter is set on rate-limit rejections, in whole milliseconds.
	RetryAfterMS int64 `json:"retryAfter,omitempty"`
}

const maxMessageContentLen = 4000

// Per-op decoders. Each validates the payload shape so downstream
// components never see partially-formed events.

func DecodeAuthenticate(raw json.RawMessage) (Authenticate, error) {
	var p Authenticate
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if p.Token == "" {
		return p, NewValidation("authenticate: missing token")
	}
	return p, nil
}

func DecodeRoomRef(raw json.RawMessage) (RoomRef, error) {
	var p RoomRef
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if p.ChannelID == "" {
		return p, NewValidation("missing channelId")
	}
	return p, nil
}

func DecodeMessageSend(raw json.RawMessage) (MessageSend, error) {
	var p MessageSend
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if p.ChannelID == "" {
		return p, NewValidation("message.send: missing channelId")
	}
	if p.Content == "" {
		return p, NewValidation("message.send: empty content")
	}
	if len(p.Content) > maxMessageContentLen {
		return p, NewValidation("message.send: content too long")
	}
	if p.Nonce == "" {
		return p, NewValidation("message.send: missing nonce")
	}
	return p, nil
}

func DecodePresenceUpdate(raw json.RawMessage) (PresenceUpdate, error) {
	var p PresenceUpdate
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if !p.Status.Valid() {
		return p, NewValidation("presence.update: unknown status")
	}
	return p, nil
}

func DecodeVoiceState(raw json.RawMessage) (VoiceState, error) {
	var p VoiceState
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if p.ChannelID == "" {
		return p, NewValidation("voice.state: missing channelId")
	}
	return p, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return NewValidation("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewValidation("malformed payload")
	}
	return nil
}

// NowMillis is the timestamp convention used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }
