package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"mail-triage/internal/archive"
	"mail-triage/internal/config"
	"mail-triage/internal/inference"
	"mail-triage/internal/logger"
	"mail-triage/internal/mail"
	"mail-triage/internal/notify"
	"mail-triage/internal/queue"
	"mail-triage/internal/store"
	"mail-triage/internal/syncengine"
	"mail-triage/internal/telemetry"
	"mail-triage/internal/worker"
)

func main() {
	_ = godotenv.Load()
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewPostgresQueue(st.Pool())
	mailbox := mail.NewGmailService(cfg.GoogleClientID, cfg.GoogleClientSecret,
		mail.DirTokenProvider{Dir: cfg.GoogleTokenDir})
	inf := inference.NewGateway(cfg.InferenceBaseURL, cfg.InferenceAPIKey, cfg.InferenceTimeout)

	engine := syncengine.New(q, st, st, st, st, syncengine.Options{
		FullSyncWindowDays:  cfg.FullSyncWindowDays,
		FullSyncMaxMessages: cfg.FullSyncMaxMessages,
	})

	archiver, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init archiver")
	}

	pool := worker.NewPool(cfg, q, st, poolArchiver(archiver))
	handlers := worker.NewHandlers(q, st, st, st, st, mailbox, inf, engine)
	handlers.RegisterAll(pool)

	scheduler := notify.NewScheduler(cfg, q, st, st, mailbox)
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	if cfg.PubSubProjectID != "" && cfg.PubSubSubscription != "" {
		subscriber, err := notify.NewSubscriber(ctx, cfg, st, engine)
		if err != nil {
			log.Fatal().Err(err).Msg("init subscriber")
		}
		defer subscriber.Close()
		go func() {
			if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("subscriber stopped")
			}
		}()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}

// poolArchiver keeps a nil *S3Archiver from becoming a non-nil interface.
func poolArchiver(a *archive.S3Archiver) worker.Archiver {
	if a == nil {
		return nil
	}
	return a
}
