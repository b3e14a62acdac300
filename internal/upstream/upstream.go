// Package upstream defines the collaborator interfaces the gateway
// depends on (auth validation, the persistence store, and the external
// voice provider) plus their production clients. Every call is
// fallible and slow by assumption: callers wrap them in the circuit
// breaker manager with bounded timeouts.
package upstream

import (
	"context"
	"time"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// AuthResult is the outcome of validating a bearer credential.
type AuthResult struct {
	Valid     bool
	UserID    string
	SessionID string
	Expiry    time.Time
	// Reason is one of the protocol.Reject* constants when Valid is false.
	Reason string
}

// AuthValidator checks a credential's signature, expiry, and revocation
// status.
type AuthValidator interface {
	Validate(ctx context.Context, token string) (AuthResult, error)
}

// StoredMessage is a persisted chat message.
type StoredMessage struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the persistence collaborator. The gateway never touches the
// data layer's schema; these are the only operations it needs.
type Store interface {
	AppendMessage(ctx context.Context, channelID, authorID, content string) (messageID string, err error)
	LoadRecentMessages(ctx context.Context, channelID string, limit int) ([]StoredMessage, error)
	UserSummary(ctx context.Context, userID string) (protocol.UserSummary, error)
	UserRooms(ctx context.Context, userID string) ([]string, error)
	// ChannelServer resolves the server (guild) a channel belongs to, used
	// by the voice coordinator's one-voice-room-per-server rule.
	ChannelServer(ctx context.Context, channelID string) (serverID string, err error)
}

// JoinToken is a short-lived credential minted by the voice provider.
type JoinToken struct {
	Token     string    `json:"token"`
	RoomName  string    `json:"roomName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VoiceProvider mints join credentials for voice rooms. The media
// session itself is managed entirely by the provider.
type VoiceProvider interface {
	IssueJoinToken(ctx context.Context, channelID, userID string) (JoinToken, error)
}
