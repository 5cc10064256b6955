package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

// Worker consumes reconcile messages and rebuilds session aggregates from the
// durable attendance records after a partial write.
func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var sessions session.Store
	if cfg.SessionBackend == "memory" {
		sessions = session.NewMemStore()
	} else {
		sessions = session.NewRedisStore(redisClient.Client, cfg.StoreTimeout, cfg.StoreRetries)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:reconcile")
	}

	repo := attendance.NewRepository(db.Client)
	recorder := attendance.NewRecorder(repo, sessions, q, cfg.LateGrace, session.SystemClock(), logger)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue consume init failed")
	}

	logger.Info().Msg("worker started, waiting for messages")
	for msg := range messages {
		if msg.Type != "reconcile" {
			continue
		}
		recorder.HandleReconcile(ctx, msg)
	}

	logger.Info().Msg("worker stopped")
}

func newLogger(cfg config.App) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.Env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
