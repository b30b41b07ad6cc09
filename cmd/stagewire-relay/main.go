package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/alerts"
	"github.com/stagewire/stagewire/internal/api"
	"github.com/stagewire/stagewire/internal/config"
	"github.com/stagewire/stagewire/internal/database"
	"github.com/stagewire/stagewire/internal/framestore"
	"github.com/stagewire/stagewire/internal/mqttbridge"
	"github.com/stagewire/stagewire/internal/oncall"
	"github.com/stagewire/stagewire/internal/relay"
	"github.com/stagewire/stagewire/internal/schedule"
	"github.com/stagewire/stagewire/internal/telegram"
	"github.com/stagewire/stagewire/internal/token"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var flags config.Overrides
	flag.StringVar(&flags.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&flags.HTTPAddr, "addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&flags.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&flags.DatabasePath, "db", "", "SQLite path (overrides DATABASE_PATH)")
	flag.Parse()

	// Config
	cfg, err := config.Load(flags)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("stagewire-relay starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Open(ctx, cfg.DatabasePath, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	// Venue token signer
	signer, err := token.NewSigner(cfg.TokenSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid token secret")
	}

	// Preview frame store, with optional S3 mirror
	var frames *framestore.Store
	if cfg.FrameS3Enabled() {
		frames, err = framestore.NewWithS3(framestore.S3Options{
			Bucket:      cfg.FrameS3Bucket,
			Region:      cfg.FrameS3Region,
			Endpoint:    cfg.FrameS3Endpoint,
			Prefix:      cfg.FrameS3Prefix,
			AccessKey:   cfg.FrameS3Access,
			SecretKey:   cfg.FrameS3Secret,
			MinInterval: cfg.FrameS3Interval,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init frame mirror")
		}
		frames.Start()
		defer frames.Stop()
	} else {
		frames = framestore.New(log)
	}

	// Core: event bus, correlation, hub, dispatch
	bus := relay.NewEventBus(256)
	correlator := relay.NewCorrelator()
	hub := relay.NewHub(log, db, signer, bus, frames, correlator, cfg.APIKey)
	queues := relay.NewQueues()
	dispatcher := relay.NewDispatcher(log, hub, queues, correlator)

	// Service windows and alert pipeline
	engine := schedule.NewEngine(log, db)
	pipeline := alerts.NewPipeline(log, db, engine, dispatcher)
	hub.SetAlertSink(pipeline)
	engine.OnClose(pipeline.HandleWindowClose)

	// Pre-service readiness checks and the on-call rotation
	preservice := schedule.NewPreServiceChecker(log, db, dispatcher)
	rotation := oncall.NewService(log, db)

	// Telegram operator surface
	if cfg.TelegramEnabled() {
		tg, err := telegram.New(log, cfg.TelegramToken, cfg.AdminChatID, db, rotation, dispatcher, pipeline, hub)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect telegram bot")
		}
		pipeline.SetNotifier(tg)
		preservice.SetNotifier(tg)
		go func() {
			if err := tg.Run(ctx); err != nil {
				log.Error().Err(err).Msg("telegram adapter stopped")
			}
		}()
	}

	// MQTT bridge
	if cfg.MQTTEnabled() {
		bridge, err := mqttbridge.Connect(mqttbridge.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log,
		}, bus)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		go bridge.Run(ctx)
	}

	go hub.Run(ctx)
	go engine.Run(ctx)
	go preservice.Run(ctx)
	go rotation.RunSweeper(ctx)

	// HTTP server
	srv := api.NewServer(cfg, api.Deps{
		DB:         db,
		Hub:        hub,
		Queues:     queues,
		Dispatcher: dispatcher,
		Bus:        bus,
		Frames:     frames,
		Alerts:     pipeline,
		Rotation:   rotation,
		Signer:     signer,
		Version:    version,
		StartTime:  startTime,
	}, log.With().Str("component", "http").Logger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("relay ready")

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	correlator.Shutdown()
	pipeline.Stop()

	log.Info().Msg("stagewire-relay stopped")
}
