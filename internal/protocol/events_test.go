package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"op":"message.send","d":{"channelId":"ch1","content":"hi","nonce":"n1"}}`))
	require.NoError(t, err)
	assert.Equal(t, OpMessageSend, frame.Op)
	assert.NotEmpty(t, frame.Data)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, CodeValidation, AsGatewayError(err).Code)

	_, err = DecodeFrame([]byte(`{"d":{}}`))
	require.Error(t, err, "missing op")
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	data, err := EncodeFrame(OpMessageCreated, "evt-1", MessageCreated{
		MessageID: "m1",
		ChannelID: "ch1",
		AuthorID:  "u1",
		Content:   "hello",
		Timestamp: 12345,
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, OpMessageCreated, frame.Op)
	assert.Equal(t, "evt-1", frame.ID)

	var msg MessageCreated
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Equal(t, "hello", msg.Content)
}

func TestEncodeFrameNilPayload(t *testing.T) {
	data, err := EncodeFrame(OpHeartbeat, "", nil)
	require.NoError(t, err)
	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Empty(t, frame.Data)
}

func TestDecodeAuthenticate(t *testing.T) {
	_, err := DecodeAuthenticate(json.RawMessage(`{"token":""}`))
	assert.Error(t, err)

	p, err := DecodeAuthenticate(json.RawMessage(`{"token":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", p.Token)
}

func TestDecodeMessageSendValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing channel", `{"content":"hi","nonce":"n1"}`},
		{"empty content", `{"channelId":"ch1","content":"","nonce":"n1"}`},
		{"missing nonce", `{"channelId":"ch1","content":"hi"}`},
		{"oversized content", `{"channelId":"ch1","content":"` + strings.Repeat("x", maxMessageContentLen+1) + `","nonce":"n1"}`},
		{"no payload", ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessageSend(json.RawMessage(tc.raw))
			require.Error(t, err)
			assert.Equal(t, CodeValidation, AsGatewayError(err).Code)
		})
	}

	p, err := DecodeMessageSend(json.RawMessage(`{"channelId":"ch1","content":"hi","nonce":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", p.Nonce)
}

func TestDecodePresenceUpdate(t *testing.T) {
	_, err := DecodePresenceUpdate(json.RawMessage(`{"status":"sleeping"}`))
	assert.Error(t, err, "unknown status rejected")

	p, err := DecodePresenceUpdate(json.RawMessage(`{"status":"doNotDisturb","activity":"in a meeting"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusDoNotDisturb, p.Status)
}

func TestPresenceStatusValid(t *testing.T) {
	assert.True(t, StatusOnline.Valid())
	assert.True(t, StatusOffline.Valid())
	assert.False(t, PresenceStatus("invisible").Valid())
}

func TestGatewayErrorEvent(t *testing.T) {
	ge := NewRateLimited(1500 * time.Millisecond)
	ev := ge.Event()
	assert.Equal(t, CodeRateLimited, ev.Code)
	assert.Equal(t, int64(1500), ev.RetryAfterMS)

	ev = NewValidation("bad").Event()
	assert.Zero(t, ev.RetryAfterMS)
}

func TestAsGatewayError(t *testing.T) {
	ge := AsGatewayError(NewConflict("busy"))
	assert.Equal(t, CodeConflict, ge.Code)

	ge = AsGatewayError(errors.New("database exploded"))
	assert.Equal(t, CodeDepUnavail, ge.Code)
	assert.NotContains(t, ge.Message, "database", "internal details never reach clients")
}
