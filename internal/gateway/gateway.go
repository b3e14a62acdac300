// Package gateway ties the realtime stack together: it owns the HTTP
// surface, upgrades WebSocket connections, routes inbound events to the
// domain components, and fans replicated events back out to local
// clients.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/breaker"
	"github.com/arfacturas8-ai/v1-sub012/internal/config"
	"github.com/arfacturas8-ai/v1-sub012/internal/limiter"
	"github.com/arfacturas8-ai/v1-sub012/internal/logging"
	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/presence"
	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
	"github.com/arfacturas8-ai/v1-sub012/internal/room"
	"github.com/arfacturas8-ai/v1-sub012/internal/session"
	"github.com/arfacturas8-ai/v1-sub012/internal/typing"
	"github.com/arfacturas8-ai/v1-sub012/internal/upstream"
	"github.com/arfacturas8-ai/v1-sub012/internal/voice"
)

// Deps are the external collaborators, injected so tests can run the
// whole gateway against in-process fakes.
type Deps struct {
	PubSub room.PubSub
	Auth   upstream.AuthValidator
	Store  upstream.Store
	Voice  upstream.VoiceProvider
	// Metrics is shared with the broker client; when nil a fresh set is
	// registered against Registry.
	Metrics  *metrics.Metrics
	Registry prometheus.Registerer
	// BrokerUp reports broker connectivity for the health endpoint.
	BrokerUp func() bool
}

// Gateway is one instance of the realtime gateway.
type Gateway struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	sessions *session.Registry
	limits   *limiter.Limiter
	breakers *breaker.Manager
	bridge   *room.Bridge
	rooms    *room.Table
	presence *presence.Tracker
	typing   *typing.Manager
	voice    *voice.Coordinator

	auth     upstream.AuthValidator
	store    upstream.Store
	brokerUp func() bool

	upgrader websocket.Upgrader
	ipLimits *ipLimiter
	guard    *resourceGuard

	mu      sync.RWMutex
	clients map[string]*client // connID → client

	httpServer   *http.Server
	promRegistry prometheus.Registerer
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a gateway from configuration and injected dependencies.
func New(cfg *config.Config, logger zerolog.Logger, deps Deps) *Gateway {
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(reg)
	}

	gw := &Gateway{
		cfg:          cfg,
		logger:       logger.With().Str("component", "gateway").Logger(),
		metrics:      m,
		sessions:     session.NewRegistry(cfg.InstanceID),
		auth:         deps.Auth,
		store:        deps.Store,
		brokerUp:     deps.BrokerUp,
		clients:      make(map[string]*client),
		promRegistry: reg,
		ipLimits:     newIPLimiter(cfg.ConnectIPRate, cfg.ConnectIPBurst),
		guard:        newResourceGuard(cfg.MaxConnections, cfg.MemoryLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	gw.ctx, gw.cancel = context.WithCancel(context.Background())

	gw.limits = limiter.New(map[limiter.Event]limiter.Rule{
		limiter.EventMessage:  {Max: cfg.MessageRateMax, Window: cfg.MessageRateWindow},
		limiter.EventTyping:   {Max: cfg.TypingRateMax, Window: cfg.TypingRateWindow},
		limiter.EventPresence: {Max: cfg.PresenceRateMax, Window: cfg.PresenceRateWindow},
		limiter.EventVoice:    {Max: cfg.VoiceRateMax, Window: cfg.VoiceRateWindow},
		limiter.EventRoom:     {Max: cfg.RoomRateMax, Window: cfg.RoomRateWindow},
		limiter.EventConnect:  {Max: cfg.ConnectionRateMax, Window: cfg.ConnectionRateWindow},
	})

	gw.breakers = breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
	}, logger, gw.metrics)

	gw.bridge = room.NewBridge(room.BridgeConfig{
		InstanceID:      cfg.InstanceID,
		PubSub:          deps.PubSub,
		Logger:          logger,
		Metrics:         gw.metrics,
		DeliverRoom:     gw.deliverRoom,
		DeliverPresence: gw.deliverPresence,
	})
	gw.rooms = room.NewTable(gw.bridge, cfg.RoomUnsubscribeGrace, logger)

	gw.presence = presence.NewTracker(cfg.InstanceID, cfg.PresenceOfflineGrace, func(rec presence.Record) bool {
		_, replicated := gw.bridge.BroadcastPresence(protocol.OpPresenceChanged, protocol.PresenceChanged{
			UserID:    rec.UserID,
			Status:    rec.Status,
			Activity:  rec.Activity,
			Timestamp: rec.UpdatedAt.UnixMilli(),
		})
		return replicated
	}, logger)

	gw.typing = typing.NewManager(typing.Config{
		TTL:           cfg.TypingTTL,
		SweepInterval: cfg.TypingSweepInterval,
		Broadcast: func(channelID string, op protocol.Op, ev protocol.TypingEvent) bool {
			_, replicated := gw.bridge.BroadcastRoom(channelID, op, ev)
			return replicated
		},
		OnExpired: gw.deliverTypingExpiry,
		Logger:    logger,
		Metrics:   gw.metrics,
	})

	gw.voice = voice.NewCoordinator(voice.Config{
		Provider: deps.Voice,
		Store:    deps.Store,
		Breakers: gw.breakers,
		Broadcast: func(channelID string, op protocol.Op, payload any) bool {
			_, replicated := gw.bridge.BroadcastRoom(channelID, op, payload)
			return replicated
		},
		Logger:       logger,
		Metrics:      gw.metrics,
		CallTimeout:  cfg.VoiceCallTimeout,
		StoreTimeout: cfg.StoreCallTimeout,
	})

	return gw
}

// Handler builds the HTTP surface: the WebSocket endpoint plus health
// and metrics.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealthz)
	if gatherer, ok := g.promRegistry.(prometheus.Gatherer); ok {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start subscribes the replication topics, launches the background
// loops, and serves HTTP until Shutdown. Blocks.
func (g *Gateway) Start() error {
	if err := g.bridge.Start(); err != nil {
		return err
	}

	go g.typing.Run(g.ctx)
	go g.ipLimits.Run(g.ctx)
	go g.limiterSweep(g.ctx)

	g.httpServer = &http.Server{
		Addr:         g.cfg.Addr,
		Handler:      g.Handler(),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	g.logger.Info().
		Str("addr", g.cfg.Addr).
		Str("instance_id", g.cfg.InstanceID).
		Msg("Gateway listening")

	err := g.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes every client with a
// going-away frame, and tears down replication subscriptions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shuttingDown.Store(true)
	g.cancel()

	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	closeFrame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
		c.closeNow()
	}

	g.bridge.Stop()

	var err error
	if g.httpServer != nil {
		err = g.httpServer.Shutdown(ctx)
	}
	g.logger.Info().Int("closed_clients", len(clients)).Msg("Gateway shut down")
	return err
}

// handleWS is the upgrade path. Every gate runs before the upgrade so a
// rejected attempt costs one HTTP response, not a connection slot.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	remote := r.RemoteAddr
	if !g.ipLimits.Allow(remote) {
		g.metrics.ConnectionsFailed.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if ok, _ := g.limits.Allow("ip:"+hostOnly(remote), limiter.EventConnect); !ok {
		g.metrics.ConnectionsFailed.Inc()
		g.metrics.RateLimited.WithLabelValues(string(limiter.EventConnect)).Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if err := g.guard.Admit(g.sessions.Len()); err != nil {
		g.metrics.ConnectionsFailed.Inc()
		g.logger.Warn().Err(err).Msg("Connection refused by resource guard")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.ConnectionsFailed.Inc()
		g.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := g.sessions.AddConnection("websocket", remote)
	c := &client{
		connID: conn.ID,
		conn:   ws,
		send:   make(chan []byte, sendBufferSize),
		gw:     g,
	}

	g.mu.Lock()
	g.clients[conn.ID] = c
	g.mu.Unlock()

	g.metrics.ConnectionsTotal.Inc()
	g.metrics.ConnectionsCurrent.Set(float64(g.sessions.Len()))
	g.logger.Debug().Str("conn_id", conn.ID).Str("remote", remote).Msg("Connection accepted")

	// The first frame must be a successful authenticate within the
	// window, or the connection is rejected and closed.
	time.AfterFunc(g.cfg.AuthTimeout, func() {
		if _, ok := g.sessions.SessionFor(c.connID); !ok {
			g.metrics.AuthFailed.WithLabelValues(protocol.RejectMissingCredential).Inc()
			c.sendEvent(protocol.OpRejected, "", protocol.Rejected{Reason: protocol.RejectMissingCredential})
			flushThenClose(c)
		}
	})

	go c.writePump()
	go c.readPump()
}

// disconnect runs the cleanup cascade for one connection. Safe to call
// more than once; only the first call does work.
func (g *Gateway) disconnect(c *client, reason string) {
	g.mu.Lock()
	if _, ok := g.clients[c.connID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.connID)
	g.mu.Unlock()

	c.closeNow()

	g.rooms.RemoveConn(c.connID)
	g.voice.DropConn(c.connID)

	sess, lastOfUser := g.sessions.RemoveConnection(c.connID)
	if sess != nil && lastOfUser {
		g.typing.DropUser(sess.UserID)
		g.presence.OnLastDisconnect(sess.UserID)
		g.limits.Forget(sess.UserID)
	}

	g.metrics.ConnectionsCurrent.Set(float64(g.sessions.Len()))

	evt := g.logger.Debug().Str("conn_id", c.connID).Str("reason", reason)
	if sess != nil {
		evt = evt.Str("user_id", sess.UserID).Bool("last_of_user", lastOfUser)
	}
	evt.Msg("Connection cleaned up")
}

// deliverRoom fans a replicated room event out to the room's local
// members. Remote typing events are also mirrored into the local typing
// table so this instance's sweep covers them.
func (g *Gateway) deliverRoom(env room.Envelope) {
	if env.Origin != g.cfg.InstanceID {
		switch env.Op {
		case protocol.OpTypingStarted, protocol.OpTypingStopped:
			var ev protocol.TypingEvent
			if err := json.Unmarshal(env.Payload, &ev); err == nil {
				g.typing.ApplyRemote(env.Op, ev)
			}
		}
	}

	frame, err := protocol.EncodeFrame(env.Op, env.EventID, env.Payload)
	if err != nil {
		g.logger.Error().Err(err).Str("op", string(env.Op)).Msg("Failed to encode fan-out frame")
		return
	}
	g.fanToRoom(env.ChannelID, env.Op, frame)
}

// deliverPresence merges a presence record and, if it wins, fans the
// change out to every authenticated local connection.
func (g *Gateway) deliverPresence(env room.Envelope) {
	var changed protocol.PresenceChanged
	if err := json.Unmarshal(env.Payload, &changed); err != nil {
		g.logger.Warn().Err(err).Msg("Dropping malformed presence envelope")
		return
	}

	if env.Origin != g.cfg.InstanceID {
		applied := g.presence.ApplyRemote(presence.Record{
			UserID:    changed.UserID,
			Status:    changed.Status,
			Activity:  changed.Activity,
			UpdatedAt: time.UnixMilli(changed.Timestamp),
			Origin:    env.Origin,
		})
		if !applied {
			// Lost last-writer-wins; local clients already hold newer state.
			return
		}
	}

	frame, err := protocol.EncodeFrame(env.Op, env.EventID, env.Payload)
	if err != nil {
		return
	}

	g.mu.RLock()
	for _, c := range g.clients {
		if c.user() == "" {
			continue
		}
		g.metrics.EventsSent.WithLabelValues(string(env.Op)).Inc()
		c.enqueue(frame)
	}
	g.mu.RUnlock()

	// A remote user's offline record has nothing left to serve once the
	// change has fanned out; dropping it keeps the table bounded by live
	// users instead of everyone the fleet has ever seen.
	if env.Origin != g.cfg.InstanceID && changed.Status == protocol.StatusOffline {
		g.presence.Forget(changed.UserID)
	}
}

// deliverTypingExpiry delivers a swept typing stop to local members
// only. Every instance sweeps its own mirror of the typing table, so
// expiries are never re-published.
func (g *Gateway) deliverTypingExpiry(channelID, userID string) {
	frame, err := protocol.EncodeFrame(protocol.OpTypingStopped, "", protocol.TypingEvent{
		ChannelID: channelID,
		UserID:    userID,
	})
	if err != nil {
		return
	}
	g.fanToRoom(channelID, protocol.OpTypingStopped, frame)
}

func (g *Gateway) fanToRoom(channelID string, op protocol.Op, frame []byte) {
	members := g.rooms.LocalMembers(channelID)
	if len(members) == 0 {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, connID := range members {
		c, ok := g.clients[connID]
		if !ok {
			continue
		}
		g.metrics.EventsSent.WithLabelValues(string(op)).Inc()
		c.enqueue(frame)
	}
}

func (g *Gateway) limiterSweep(ctx context.Context) {
	defer logging.RecoverPanic(g.logger, "limiter_sweep", nil)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.limits.Sweep()
		}
	}
}

type healthResponse struct {
	Status          string            `json:"status"`
	InstanceID      string            `json:"instanceId"`
	Connections     int               `json:"connections"`
	Authenticated   int               `json:"authenticated"`
	BrokerConnected bool              `json:"brokerConnected"`
	Breakers        map[string]string `json:"breakers,omitempty"`
}

// handleHealthz reports liveness plus dependency posture. The gateway
// keeps serving while degraded, so degraded is still HTTP 200; only a
// draining instance reports 503.
func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	brokerOK := g.brokerUp == nil || g.brokerUp()
	resp := healthResponse{
		Status:          "ok",
		InstanceID:      g.cfg.InstanceID,
		Connections:     g.sessions.Len(),
		Authenticated:   g.sessions.AuthenticatedLen(),
		BrokerConnected: brokerOK,
		Breakers:        g.breakers.States(),
	}
	if !brokerOK {
		resp.Status = "degraded"
	}
	for _, state := range resp.Breakers {
		if state != "closed" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if g.shuttingDown.Load() {
		resp.Status = "draining"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
