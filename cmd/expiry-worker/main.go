package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/config"
	"github.com/labdesk/lab-reservations/internal/db"
	"github.com/labdesk/lab-reservations/internal/logger"
	"github.com/labdesk/lab-reservations/internal/notify"
	redisclient "github.com/labdesk/lab-reservations/internal/redis"
	"github.com/labdesk/lab-reservations/internal/reservation"
	"github.com/labdesk/lab-reservations/internal/worker"
)

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

	if cfg.StoreBackend != config.BackendPostgres {
		log.Fatal("expiry-worker needs the postgres store; the api-server sweeps its own in-memory store")
	}

	log.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("payment_ttl", cfg.PaymentTTL),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, sweeping without leader lock", zap.Error(err))
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					log.Warn("error closing redis", zap.Error(err))
				}
			}()
			log.Info("connected to Redis")
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

	svc, err := reservation.NewService(reservation.NewPgRepository(pgPool), dispatcher, cfg, log)
	if err != nil {
		log.Fatal("service init error", zap.Error(err))
	}

	worker.NewExpiry(svc, locker, cfg.WorkerInterval, log).Run(rootCtx)
}
