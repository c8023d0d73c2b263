package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/gateway-bridge/internal/chat"
	"github.com/p-blackswan/gateway-bridge/internal/config"
	"github.com/p-blackswan/gateway-bridge/internal/gateway"
	"github.com/p-blackswan/gateway-bridge/internal/health"
	"github.com/p-blackswan/gateway-bridge/internal/identity"
	"github.com/p-blackswan/gateway-bridge/internal/metrics"
	"github.com/p-blackswan/gateway-bridge/internal/mgmt"
	"github.com/p-blackswan/gateway-bridge/internal/push"
	"github.com/p-blackswan/gateway-bridge/internal/relay"
	"github.com/p-blackswan/gateway-bridge/internal/skills"
	"github.com/p-blackswan/gateway-bridge/pkg/settings"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("gateway_url", cfg.GatewayURL).
		Bool("token_auth", cfg.TokenAuth()).
		Bool("relay", cfg.RelayEnabled()).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Msg("starting gateway bridge")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Durable settings (device identity lives here)
	store, err := settings.NewFileStore(cfg.SettingsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open settings store")
	}

	// Device identity is only needed when no bearer token is configured
	var ident *identity.Identity
	if !cfg.TokenAuth() {
		ident, err = identity.NewManager(store, logger).LoadOrCreate()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load device identity")
		}
		logger.Info().Str("deviceId", ident.DeviceID).Msg("device identity ready")
	}

	collector := metrics.New()

	// Gateway session
	gwSession := gateway.New(gateway.Config{
		Name:                 "gateway",
		URL:                  cfg.GatewayURL,
		Token:                cfg.GatewayToken,
		ClientID:             cfg.ClientID,
		ClientMode:           cfg.ClientMode,
		Role:                 cfg.Role,
		Scopes:               cfg.ScopeList(),
		DefaultTimeout:       cfg.RequestTimeout,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		PingInterval:         cfg.PingInterval,
		ReconnectInterval:    cfg.ReconnectMin,
		MaxReconnectInterval: cfg.ReconnectMax,
	}, ident, logger)
	gwSession.SetMetrics(collector)

	// Chat streaming over the gateway session
	streamer := chat.NewStreamer(gwSession, chat.Config{Timeout: cfg.ChatTimeout}, logger)
	streamer.SetMetrics(collector)

	// Background sessions become push notifications
	accumulator := push.New(gwSession, push.Config{}, streamer.ActiveKey,
		func(runKey, text string) {
			logger.Info().Str("runKey", runKey).Int("len", len(text)).Msg("push message")
		}, logger)
	accumulator.SetMetrics(collector)
	accumulator.Start()

	// Skills catalog
	skillsClient := skills.NewClient(gwSession, skills.Config{CacheTTL: cfg.SkillsCacheTTL}, logger)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("gateway", health.ConnectedCheck(gwSession.Connected))

	var wg sync.WaitGroup

	// Relay mode: compose the gateway session with a cloud relay peer.
	var bridgeRelay *relay.Relay
	var relayStatus mgmt.RelayStatus
	if cfg.RelayEnabled() {
		deviceID := ""
		if ident != nil {
			deviceID = ident.DeviceID
		}
		serverSession := gateway.New(gateway.Config{
			Name:                 "relay",
			URL:                  cfg.RelayURL,
			Token:                cfg.RelayToken,
			ClientID:             cfg.ClientID,
			ClientMode:           "bridge",
			Role:                 cfg.Role,
			Scopes:               cfg.ScopeList(),
			DefaultTimeout:       cfg.RequestTimeout,
			HandshakeTimeout:     cfg.HandshakeTimeout,
			PingInterval:         cfg.PingInterval,
			ReconnectInterval:    cfg.ReconnectMin,
			MaxReconnectInterval: cfg.ReconnectMax,
		}, ident, logger)
		serverSession.SetMetrics(collector)

		bridgeRelay = relay.New(relay.Config{
			ClientID: cfg.ClientID,
			DeviceID: deviceID,
		}, serverSession, gwSession, streamer, logger)
		bridgeRelay.Start(ctx)
		relayStatus = bridgeRelay

		checker.Register("relay", health.ConnectedCheck(serverSession.Connected))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gwSession.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("gateway session ended")
			}
		}()
	}

	// Management API
	handlers := mgmt.NewHandlers(gwSession, relayStatus, ident, skillsClient,
		checker, cfg.Environment, cfg.TokenAuth(), logger)

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}, handlers, collector, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	accumulator.Stop()

	if bridgeRelay != nil {
		bridgeRelay.Stop()
	} else {
		gwSession.Stop()
	}

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("gateway bridge stopped")
}
