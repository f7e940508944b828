package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/video-app/internal/ban"
	"github.com/whisper/video-app/internal/config"
	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/messaging"
	"github.com/whisper/video-app/internal/moderation"
	"github.com/whisper/video-app/internal/report"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", false)
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	logger := logging.Module("moderator")
	logger.Info().Msg("Starting Whisper moderation service")

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	cancel()

	// Postgres setup. Reports are archived when the database is reachable;
	// bans work without it.
	var store *report.Store
	if version, err := report.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error().Err(err).Msg("migrations failed, reports will not be archived")
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("open database")
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		defer db.Close()
		store = report.NewStore(db)
		logger.Info().Uint("schema_version", version).Msg("database ready")
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	var reports moderation.ReportStore
	if store != nil {
		reports = store
	}
	processor := moderation.NewProcessor(reports, ban.NewStore(rdb), natsClient)

	err = natsClient.SubscribeReports(func(data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := processor.HandleReport(ctx, data); err != nil {
			logger.Error().Err(err).Msg("report failed")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to reports")
	}

	logger.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", natsConfig.URL).
		Bool("archive", store != nil).
		Msg("Whisper moderation service running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
	rdb.Close()
}
