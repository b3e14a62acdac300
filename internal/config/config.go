// Package config loads gateway configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
type Config struct {
	// Server basics
	Addr       string `env:"GW_ADDR" envDefault:":3010"`
	InstanceID string `env:"GW_INSTANCE_ID"`

	// External dependencies
	NATSURL          string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	AuthServiceURL   string `env:"AUTH_SERVICE_URL" envDefault:"http://localhost:4100"`
	StoreURL         string `env:"STORE_URL" envDefault:"http://localhost:4200"`
	VoiceProviderURL string `env:"VOICE_PROVIDER_URL" envDefault:"http://localhost:4300"`
	VoiceProviderKey string `env:"VOICE_PROVIDER_KEY"`
	JWTSecret        string `env:"JWT_SECRET,required"`

	// Capacity
	MaxConnections int   `env:"GW_MAX_CONNECTIONS" envDefault:"5000"`
	MemoryLimit    int64 `env:"GW_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Heartbeat: a connection missing two consecutive intervals is evicted.
	HeartbeatInterval time.Duration `env:"GW_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Handshake: first frame must be authenticate within this window.
	AuthTimeout time.Duration `env:"GW_AUTH_TIMEOUT" envDefault:"10s"`

	// Per-event rate limit budgets (fixed windows, instance-local).
	MessageRateMax        int           `env:"RATE_MESSAGE_MAX" envDefault:"30"`
	MessageRateWindow     time.Duration `env:"RATE_MESSAGE_WINDOW" envDefault:"60s"`
	TypingRateMax         int           `env:"RATE_TYPING_MAX" envDefault:"10"`
	TypingRateWindow      time.Duration `env:"RATE_TYPING_WINDOW" envDefault:"10s"`
	PresenceRateMax       int           `env:"RATE_PRESENCE_MAX" envDefault:"10"`
	PresenceRateWindow    time.Duration `env:"RATE_PRESENCE_WINDOW" envDefault:"30s"`
	VoiceRateMax          int           `env:"RATE_VOICE_MAX" envDefault:"10"`
	VoiceRateWindow       time.Duration `env:"RATE_VOICE_WINDOW" envDefault:"30s"`
	RoomRateMax           int           `env:"RATE_ROOM_MAX" envDefault:"30"`
	RoomRateWindow        time.Duration `env:"RATE_ROOM_WINDOW" envDefault:"60s"`
	ConnectionRateMax     int           `env:"RATE_CONNECT_MAX" envDefault:"10"`
	ConnectionRateWindow  time.Duration `env:"RATE_CONNECT_WINDOW" envDefault:"60s"`

	// Connection-attempt limiting at the upgrade path (per IP, token bucket).
	ConnectIPBurst int     `env:"RATE_CONNECT_IP_BURST" envDefault:"10"`
	ConnectIPRate  float64 `env:"RATE_CONNECT_IP_RATE" envDefault:"1.0"`

	// Circuit breakers (per dependency, per instance).
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldown         time.Duration `env:"BREAKER_COOLDOWN" envDefault:"10s"`
	BreakerMaxCooldown      time.Duration `env:"BREAKER_MAX_COOLDOWN" envDefault:"2m"`

	// Bounded timeouts on external calls.
	AuthCallTimeout  time.Duration `env:"AUTH_CALL_TIMEOUT" envDefault:"2s"`
	StoreCallTimeout time.Duration `env:"STORE_CALL_TIMEOUT" envDefault:"2s"`
	VoiceCallTimeout time.Duration `env:"VOICE_CALL_TIMEOUT" envDefault:"3s"`
	BrokerTimeout    time.Duration `env:"BROKER_TIMEOUT" envDefault:"2s"`

	// Ephemeral state tuning
	TypingTTL            time.Duration `env:"TYPING_TTL" envDefault:"10s"`
	TypingSweepInterval  time.Duration `env:"TYPING_SWEEP_INTERVAL" envDefault:"1s"`
	PresenceOfflineGrace time.Duration `env:"PRESENCE_OFFLINE_GRACE" envDefault:"10s"`
	RoomUnsubscribeGrace time.Duration `env:"ROOM_UNSUBSCRIBE_GRACE" envDefault:"30s"`
	HistoryLimit         int           `env:"HISTORY_LIMIT" envDefault:"50"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("GW_HEARTBEAT_INTERVAL must be positive")
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerMaxCooldown < c.BreakerCooldown {
		return fmt.Errorf("BREAKER_MAX_COOLDOWN (%s) must be >= BREAKER_COOLDOWN (%s)",
			c.BreakerMaxCooldown, c.BreakerCooldown)
	}
	if c.TypingTTL <= 0 || c.TypingSweepInterval <= 0 {
		return fmt.Errorf("typing TTL and sweep interval must be positive")
	}
	for name, pair := range map[string][2]int64{
		"RATE_MESSAGE":  {int64(c.MessageRateMax), int64(c.MessageRateWindow)},
		"RATE_TYPING":   {int64(c.TypingRateMax), int64(c.TypingRateWindow)},
		"RATE_PRESENCE": {int64(c.PresenceRateMax), int64(c.PresenceRateWindow)},
		"RATE_VOICE":    {int64(c.VoiceRateMax), int64(c.VoiceRateWindow)},
		"RATE_ROOM":     {int64(c.RoomRateMax), int64(c.RoomRateWindow)},
		"RATE_CONNECT":  {int64(c.ConnectionRateMax), int64(c.ConnectionRateWindow)},
	} {
		if pair[0] < 1 || pair[1] <= 0 {
			return fmt.Errorf("%s_MAX must be >= 1 and %s_WINDOW positive", name, name)
		}
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the non-secret configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("instance_id", c.InstanceID).
		Str("nats_url", c.NATSURL).
		Str("auth_service_url", c.AuthServiceURL).
		Str("store_url", c.StoreURL).
		Str("voice_provider_url", c.VoiceProviderURL).
		Int("max_connections", c.MaxConnections).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("breaker_failure_threshold", c.BreakerFailureThreshold).
		Dur("breaker_cooldown", c.BreakerCooldown).
		Dur("typing_ttl", c.TypingTTL).
		Dur("presence_offline_grace", c.PresenceOfflineGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
