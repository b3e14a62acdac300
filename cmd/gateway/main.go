package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"

	"github.com/arfacturas8-ai/v1-sub012/internal/broker"
	"github.com/arfacturas8-ai/v1-sub012/internal/config"
	"github.com/arfacturas8-ai/v1-sub012/internal/gateway"
	"github.com/arfacturas8-ai/v1-sub012/internal/logging"
	"github.com/arfacturas8-ai/v1-sub012/internal/metrics"
	"github.com/arfacturas8-ai/v1-sub012/internal/upstream"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger for the config-loading phase; replaced once the
	// configured level and format are known.
	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "gw"
		}
		cfg.InstanceID = host + "-" + nuid.Next()[:8]
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger = logger.With().Str("instance_id", cfg.InstanceID).Logger()
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	nats, err := broker.Connect(broker.Config{
		URL:           cfg.NATSURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		PingInterval:  20 * time.Second,
		MaxPingsOut:   3,
	}, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Str("nats_url", cfg.NATSURL).Msg("Failed to connect to NATS")
	}
	defer nats.Close()

	// Give the broker a bounded head start so a normal boot comes up
	// replicating; past the deadline the gateway starts degraded and the
	// reconnect loop catches up.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.BrokerTimeout)
	if err := nats.WaitForConnection(waitCtx); err != nil {
		logger.Warn().Err(err).Str("nats_url", cfg.NATSURL).Msg("Broker not ready, starting degraded")
	}
	waitCancel()

	gw := gateway.New(cfg, logger, gateway.Deps{
		PubSub:   nats,
		Auth:     upstream.NewJWTValidator(cfg.JWTSecret, cfg.AuthServiceURL, logger),
		Store:    upstream.NewHTTPStore(cfg.StoreURL, logger),
		Voice:    upstream.NewHTTPVoiceProvider(cfg.VoiceProviderURL, cfg.VoiceProviderKey, logger),
		Metrics:  m,
		Registry: registry,
		BrokerUp: nats.IsConnected,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Gateway failed")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}
