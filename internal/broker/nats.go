// Package broker adapts a NATS connection to the fan-out bridge's
// pub/sub interface. NATS is the only shared, mutually-writable resource
// between instances; all writes to it are publish-only.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/room"
)

// Client wraps the NATS connection with reconnect handling and metrics.
type Client struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Config for the NATS connection.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	MaxPingsOut   int
}

// Connect dials NATS with reconnect options and event handlers wired to
// logs and the broker-connected gauge.
func Connect(cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	c := &Client{
		logger:  logger.With().Str("component", "broker").Logger(),
		metrics: m,
	}

	opts := []nats.Option{
		// The gateway serves degraded while the broker is down, so a
		// dial failure at startup must not be fatal.
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
			c.setConnected(true)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("Disconnected from NATS")
			c.setConnected(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
			c.setConnected(true)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn
	c.setConnected(conn.IsConnected())
	return c, nil
}

// Publish implements room.PubSub. A disconnected broker fails
// immediately so the circuit breaker and degraded-delivery paths see it
// as a dependency failure rather than silently buffering.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("broker not connected")
	}
	if err := c.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements room.PubSub.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) (room.Subscription, error) {
	sub, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return natsSubscription{sub: sub}, nil
}

// IsConnected reports broker connectivity, for the health endpoint.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// WaitForConnection blocks until the connection is live or ctx expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	return waitUntil(ctx, c.IsConnected)
}

func waitUntil(ctx context.Context, ready func() bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.setConnected(false)
		c.logger.Info().Msg("NATS connection closed")
	}
}

func (c *Client) setConnected(up bool) {
	if c.metrics == nil {
		return
	}
	if up {
		c.metrics.BrokerConnected.Set(1)
	} else {
		c.metrics.BrokerConnected.Set(0)
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
