package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/api"
	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/config"
	"github.com/labdesk/lab-reservations/internal/db"
	"github.com/labdesk/lab-reservations/internal/logger"
	"github.com/labdesk/lab-reservations/internal/notify"
	"github.com/labdesk/lab-reservations/internal/payment"
	"github.com/labdesk/lab-reservations/internal/readmodel"
	redisclient "github.com/labdesk/lab-reservations/internal/redis"
	"github.com/labdesk/lab-reservations/internal/reservation"
	"github.com/labdesk/lab-reservations/internal/timeblock"
	"github.com/labdesk/lab-reservations/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreBackend),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := timeblock.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	var (
		repo      reservation.Repository
		storePing api.Pinger
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.EnsureSchema(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pgPool.Close()
		log.Info("connected to Postgres")

		repo = reservation.NewPgRepository(pgPool)
		storePing = pgPool
	default:
		log.Warn("using in-memory store, reservations are lost on restart")
		repo = reservation.NewMemRepository(loc)
	}

	var (
		rdb       *redis.Client
		redisPing api.Pinger
		dedup     payment.Deduper
		locker    redisclient.Locker
	)
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, running without payment dedupe", zap.Error(err))
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					log.Warn("error closing redis", zap.Error(err))
				}
			}()
			log.Info("connected to Redis")
			redisPing = api.PingFunc(redisclient.Ping(rdb))
			dedup = redisclient.NewDeduper(rdb, "payment", cfg.PaymentDedupTTL)
			locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		}
	}

	var sender notify.Sender = notify.NewLogSender(log)
	if cfg.AMQPURL != "" {
		amqpSender := notify.NewAMQPSender(cfg.AMQPURL, cfg.NotifyQueue)
		defer func() { _ = amqpSender.Close() }()
		sender = amqpSender
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyWorkers, cfg.NotifyBuffer, sender, log)
	dispatcher.Start(rootCtx)
	defer dispatcher.Close()

	svc, err := reservation.NewService(repo, dispatcher, cfg, log)
	if err != nil {
		return err
	}

	mirror := readmodel.NewMirror(repo, cfg.MirrorInterval, log)
	go mirror.Run(rootCtx)

	// an in-memory store is invisible to a separate worker process
	if cfg.StoreBackend == config.BackendMemory {
		go worker.NewExpiry(svc, locker, cfg.WorkerInterval, log).Run(rootCtx)
	}

	handler := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Payments:  payment.NewAdapter(repo, svc, dedup, log),
		Mirror:    mirror,
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Store:     storePing,
		Redis:     redisPing,
		Logger:    log,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-rootCtx.Done():
	}

	log.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
