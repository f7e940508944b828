package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-app/internal/ban"
	"github.com/whisper/video-app/internal/config"
	"github.com/whisper/video-app/internal/geo"
	"github.com/whisper/video-app/internal/httpapi"
	"github.com/whisper/video-app/internal/ice"
	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/matching"
	"github.com/whisper/video-app/internal/messaging"
	"github.com/whisper/video-app/internal/moderation"
	"github.com/whisper/video-app/internal/ratelimit"
	"github.com/whisper/video-app/internal/signaling"
	"github.com/whisper/video-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", false)
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	logger := logging.Module("wsserver")

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("requeue_delay", cfg.RequeueDelay).
		Str("nats_url", cfg.NATSURL).
		Str("redis_addr", cfg.RedisAddr).
		Str("server_name", cfg.ServerName).
		Str("geoip_db", cfg.GeoIPDB).
		Bool("turn", cfg.HasTURN()).
		Msg("Whisper video server starting")

	// --- Redis (rate limits, bans). Missing Redis disables both. ---
	var (
		limiter *ratelimit.Limiter
		bans    *ban.Store
	)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, running without rate limits and bans")
	} else {
		limiter = ratelimit.NewLimiter(rdb)
		bans = ban.NewStore(rdb)
	}
	cancel()

	// --- NATS (report forwarding, moderation actions). ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-ws-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, reports will only be acknowledged")
		natsClient = nil
	}

	// --- GeoIP (partner country cards, /api/country). ---
	var locator geo.Locator
	if cfg.GeoIPDB != "" {
		mm, err := geo.OpenMaxMind(cfg.GeoIPDB)
		if err != nil {
			logger.Warn().Err(err).Msg("geoip database unavailable, countries come from CF-IPCountry only")
		} else {
			defer mm.Close()
			locator = mm
			logger.Info().Str("path", cfg.GeoIPDB).Str("type", mm.DatabaseType()).Msg("geoip database loaded")
		}
	}

	gwOpts := signaling.Options{
		Detector: geo.NewDetector(locator),
		ICEServers: ice.Servers(ice.Options{
			STUN:         cfg.STUNServers,
			TURNServer:   cfg.TURNServer,
			TURNUsername: cfg.TURNUsername,
			TURNPassword: cfg.TURNPassword,
		}),
	}
	if limiter != nil {
		gwOpts.Limiter = limiter
		gwOpts.Bans = bans
	}
	gateway := signaling.New(gwOpts)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.SendQueueSize = cfg.SendQueueSize
	server := ws.NewServer(wsConfig, gateway.Hooks())

	engineOpts := matching.Options{RequeueDelay: cfg.RequeueDelay}
	if natsClient != nil {
		engineOpts.Reporter = moderation.NewReportForwarder(natsClient, cfg.ServerName)
	}
	engine := matching.NewEngine(server, engineOpts)
	gateway.Attach(engine, server)

	if natsClient != nil {
		err := natsClient.SubscribeModerationActions(func(data []byte) {
			gateway.HandleModerationAction(data)
		})
		if err != nil {
			logger.Error().Err(err).Msg("subscribe moderation actions")
		}
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start ws server")
	}

	routerOpts := httpapi.Options{
		Upgrade:    server.HandleUpgrade,
		Stats:      engine,
		Uptime:     server.Uptime,
		Detector:   gwOpts.Detector,
		CORSOrigin: cfg.CORSOrigin,
		Debug:      cfg.LogLevel == "debug",
	}
	if limiter != nil {
		routerOpts.Limiter = limiter
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := server.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("ws shutdown")
	}
	engine.Close()
	if natsClient != nil {
		natsClient.Close()
	}
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("redis close")
	}
	logger.Info().Msg("bye")
}
