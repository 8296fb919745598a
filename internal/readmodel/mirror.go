package readmodel

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/reservation"
)

const snapshotKey = "reservations"

// Source lists every reservation.
type Source interface {
	ListAll(ctx context.Context) ([]reservation.Reservation, error)
}

// Snapshot is a point-in-time copy of all reservations for dashboards.
type Snapshot struct {
	Reservations []reservation.Reservation `json:"reservations"`
	RefreshedAt  time.Time                 `json:"refreshedAt"`
}

// Mirror keeps a periodically refreshed, eventually consistent copy of the
// reservation set. Admission never reads from it.
type Mirror struct {
	src      Source
	store    *cache.Cache
	interval time.Duration
	log      *zap.Logger
}

// NewMirror creates a mirror whose snapshot expires after three missed refreshes.
func NewMirror(src Source, interval time.Duration, logger *zap.Logger) *Mirror {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		src:      src,
		store:    cache.New(3*interval, 6*interval),
		interval: interval,
		log:      logger,
	}
}

// Refresh replaces the snapshot with the current reservation set.
func (m *Mirror) Refresh(ctx context.Context) error {
	rs, err := m.src.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("refresh mirror: %w", err)
	}
	m.store.Set(snapshotKey, Snapshot{Reservations: rs, RefreshedAt: time.Now()}, cache.DefaultExpiration)
	return nil
}

// Snapshot returns the latest snapshot, if one is still fresh.
func (m *Mirror) Snapshot() (Snapshot, bool) {
	v, ok := m.store.Get(snapshotKey)
	if !ok {
		return Snapshot{}, false
	}
	return v.(Snapshot), true
}

// Current returns the snapshot, refreshing first if none is held.
func (m *Mirror) Current(ctx context.Context) (Snapshot, error) {
	if snap, ok := m.Snapshot(); ok {
		return snap, nil
	}
	if err := m.Refresh(ctx); err != nil {
		return Snapshot{}, err
	}
	snap, _ := m.Snapshot()
	return snap, nil
}

// Run refreshes until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("mirror refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
