package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arfacturas8-ai/v1-sub012/internal/logging"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum inbound frame size. Message content is capped well below
	// this at the protocol layer.
	maxFrameSize = 8192

	// Outbound buffer per client. A client that cannot drain this is a
	// slow client and gets disconnected rather than blocking fan-out to
	// everyone else.
	sendBufferSize = 256

	// Consecutive full-buffer drops before a slow client is evicted.
	slowClientStrikes = 8
)

// client couples one WebSocket connection to its gateway bookkeeping.
// The session registry owns identity; this struct owns only transport
// state. All cross-references are by id, never by pointer.
type client struct {
	connID string
	conn   *websocket.Conn
	send   chan []byte

	gw        *Gateway
	closeOnce sync.Once

	// userID is set once the handshake succeeds; empty before that.
	// Written by the read pump only.
	userID atomic.Value // string

	dropStrikes int32
}

func (c *client) user() string {
	if v := c.userID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (c *client) setUser(userID string) {
	c.userID.Store(userID)
}

// enqueue hands a pre-encoded frame to the write pump. Best effort: a
// full buffer drops the frame and counts a strike; repeated strikes
// evict the client so one slow consumer never stalls a broadcast.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.dropStrikes, 0)
	default:
		c.gw.metrics.EventsDropped.Inc()
		if atomic.AddInt32(&c.dropStrikes, 1) >= slowClientStrikes {
			c.gw.logger.Warn().
				Str("conn_id", c.connID).
				Str("user_id", c.user()).
				Msg("Evicting slow client")
			c.closeNow()
		}
	}
}

// sendEvent encodes and enqueues one event for this client.
func (c *client) sendEvent(op protocol.Op, eventID string, payload any) {
	data, err := protocol.EncodeFrame(op, eventID, payload)
	if err != nil {
		c.gw.logger.Error().Err(err).Str("op", string(op)).Msg("Failed to encode outbound frame")
		return
	}
	c.gw.metrics.EventsSent.WithLabelValues(string(op)).Inc()
	c.enqueue(data)
}

// sendError reports a typed error for one failed event. The connection
// stays open.
func (c *client) sendError(ge *protocol.GatewayError) {
	c.sendEvent(protocol.OpError, "", ge.Event())
}

func (c *client) closeNow() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// flushThenClose gives the write pump a short window to drain pending
// frames before the transport closes.
func flushThenClose(c *client) {
	time.AfterFunc(250*time.Millisecond, c.closeNow)
}

// readPump processes inbound frames in receipt order. Any exit, whether
// a clean close, a read error, or a heartbeat timeout, triggers the full
// disconnect cascade exactly once.
func (c *client) readPump() {
	defer logging.RecoverPanic(c.gw.logger, "readPump", map[string]any{"conn_id": c.connID})
	defer c.gw.disconnect(c, "read_closed")

	c.conn.SetReadLimit(maxFrameSize)
	c.resetReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.resetReadDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug().Err(err).Str("conn_id", c.connID).Msg("Read error")
			}
			return
		}

		// Any inbound traffic counts as liveness; a silent connection
		// times out after two heartbeat intervals.
		c.resetReadDeadline()
		c.gw.sessions.Touch(c.connID)

		c.gw.dispatch(c, data)
	}
}

// writePump serializes outbound frames and transport pings.
func (c *client) writePump() {
	defer logging.RecoverPanic(c.gw.logger, "writePump", map[string]any{"conn_id": c.connID})

	pingPeriod := c.gw.cfg.HeartbeatInterval * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeNow()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.gw.logger.Debug().Err(err).Str("conn_id", c.connID).Msg("Write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// resetReadDeadline arms the heartbeat timeout: two missed intervals
// and the read unblocks with an error, forcing cleanup.
func (c *client) resetReadDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(2 * c.gw.cfg.HeartbeatInterval))
}
