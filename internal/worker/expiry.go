package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	redisclient "github.com/labdesk/lab-reservations/internal/redis"
)

const leaderKey = "expiry-worker"

// PaymentExpirer releases premium reservations whose payment window closed.
type PaymentExpirer interface {
	ExpirePendingPayments(ctx context.Context) (int, error)
}

// Expiry runs the payment expiry sweep on an interval. With a locker only one
// process sweeps at a time; without one every instance sweeps and each
// transition runs in its own transaction.
type Expiry struct {
	svc      PaymentExpirer
	locker   redisclient.Locker
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func NewExpiry(svc PaymentExpirer, locker redisclient.Locker, interval time.Duration, logger *zap.Logger) *Expiry {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expiry{
		svc:      svc,
		locker:   locker,
		interval: interval,
		timeout:  20 * time.Second,
		log:      logger,
	}
}

// Run sweeps once at startup and then every interval until ctx is done.
func (e *Expiry) Run(ctx context.Context) {
	e.RunOnce(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("stopping expiry worker")
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns how many reservations expired.
func (e *Expiry) RunOnce(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	expired := 0
	sweep := func(ctx context.Context) error {
		n, err := e.svc.ExpirePendingPayments(ctx)
		expired = n
		return err
	}

	var err error
	if e.locker != nil {
		err = e.locker.WithLock(runCtx, leaderKey, sweep)
	} else {
		err = sweep(runCtx)
	}

	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		e.log.Debug("expiry run skipped, another instance holds the lock")
	case err != nil:
		e.log.Error("expiry run failed", zap.Error(err))
	default:
		e.log.Info("expiry run complete",
			zap.Int("expired", expired),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return expired
}
