package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/reservation"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentFailed     = "payment_intent.payment_failed"
)

// Event is an already-verified payment provider event.
type Event struct {
	ID                    string `json:"id,omitempty"`
	Type                  string `json:"type"`
	ReservationID         string `json:"reservationId"`
	ProviderSessionID     string `json:"providerSessionId,omitempty"`
	ProviderTransactionID string `json:"providerTransactionId,omitempty"`
	FailureReason         string `json:"failureReason,omitempty"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate" // identical state already recorded
	OutcomeStale     Outcome = "stale"     // reservation no longer in a state the event applies to
	OutcomeIgnored   Outcome = "ignored"   // unusable event, acknowledged anyway
)

// Deduper remembers provider event ids across deliveries.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Transactor runs fn against the locked, current state of a reservation,
// retrying lost races within the transaction deadline.
type Transactor interface {
	WithReservation(ctx context.Context, id string, fn func(ctx context.Context, tx reservation.Tx, r *reservation.Reservation) error) error
}

// Adapter maps payment events onto reservation state. Every event is
// acknowledged unless the store itself fails, so the provider only retries
// deliveries that may succeed later.
type Adapter struct {
	repo  reservation.Repository
	txr   Transactor
	dedup Deduper
	log   *zap.Logger
}

// NewAdapter creates an adapter. dedup may be nil.
func NewAdapter(repo reservation.Repository, txr Transactor, dedup Deduper, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{repo: repo, txr: txr, dedup: dedup, log: logger}
}

func (a *Adapter) Handle(ctx context.Context, ev Event) (Outcome, error) {
	log := a.log.With(zap.String("type", ev.Type), zap.String("event_id", ev.ID))

	if ev.ReservationID == "" {
		log.Warn("payment event without reservation id")
		return OutcomeIgnored, nil
	}
	if ev.Type != EventCheckoutCompleted && ev.Type != EventPaymentFailed {
		log.Debug("ignoring payment event type")
		return OutcomeIgnored, nil
	}

	if a.dedup != nil && ev.ID != "" {
		first, err := a.dedup.FirstSeen(ctx, ev.ID)
		if err != nil {
			// dedupe is an optimisation; field level idempotence still holds
			log.Warn("payment dedupe unavailable", zap.Error(err))
		} else if !first {
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := a.apply(ctx, ev)
	if err != nil {
		if a.dedup != nil && ev.ID != "" {
			if ferr := a.dedup.Forget(ctx, ev.ID); ferr != nil {
				log.Warn("failed to forget payment event", zap.Error(ferr))
			}
		}
		if errors.Is(err, reservation.ErrNotFound) {
			log.Warn("payment event for unknown reservation", zap.String("reservation_id", ev.ReservationID))
			return OutcomeIgnored, nil
		}
		log.Error("payment event failed", zap.String("reservation_id", ev.ReservationID), zap.Error(err))
		return "", fmt.Errorf("%w: apply payment event", reservation.ErrInternal)
	}

	log.Info("payment event handled",
		zap.String("reservation_id", ev.ReservationID),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

func (a *Adapter) apply(ctx context.Context, ev Event) (Outcome, error) {
	var outcome Outcome
	err := a.txr.WithReservation(ctx, ev.ReservationID, func(ctx context.Context, tx reservation.Tx, r *reservation.Reservation) error {
		outcome = ""
		if r.Payment == nil {
			r.Payment = &reservation.Payment{Required: true}
		}
		if ev.ProviderSessionID != "" {
			r.Payment.ProviderSessionID = ev.ProviderSessionID
		}

		var changed bool
		switch ev.Type {
		case EventCheckoutCompleted:
			outcome, changed = confirm(r, ev)
		case EventPaymentFailed:
			outcome, changed = fail(r, ev)
		}
		if !changed {
			return nil
		}
		return tx.Update(ctx, r)
	})
	if err != nil {
		return "", err
	}

	if outcome == OutcomeApplied {
		a.logEvent(ctx, ev, outcome)
	}
	return outcome, nil
}

// confirm marks r paid. A cancelled reservation is not revived: its block may
// already belong to someone else.
func confirm(r *reservation.Reservation, ev Event) (Outcome, bool) {
	alreadyPaid := r.Payment.Status == reservation.PaymentPaid && r.Payment.TransactionID == ev.ProviderTransactionID
	if alreadyPaid && (r.Status == reservation.StatusConfirmed || !r.Status.Active()) {
		return OutcomeDuplicate, false
	}

	r.Payment.Status = reservation.PaymentPaid
	r.Payment.TransactionID = ev.ProviderTransactionID
	r.Payment.FailureReason = ""
	if !r.Status.Active() {
		return OutcomeStale, true
	}
	r.Status = reservation.StatusConfirmed
	return OutcomeApplied, true
}

// fail cancels a pending reservation. Any other reservation is left alone.
func fail(r *reservation.Reservation, ev Event) (Outcome, bool) {
	switch r.Status {
	case reservation.StatusPending:
	case reservation.StatusCancelledPaymentFailed:
		return OutcomeDuplicate, false
	default:
		return OutcomeStale, false
	}

	now := time.Now()
	r.Status = reservation.StatusCancelledPaymentFailed
	r.CancelledAt = &now
	r.Payment.Status = reservation.PaymentFailed
	r.Payment.FailureReason = ev.FailureReason
	return OutcomeApplied, true
}

func (a *Adapter) logEvent(ctx context.Context, ev Event, outcome Outcome) {
	eventType := reservation.EventPaymentConfirmed
	if ev.Type == EventPaymentFailed {
		eventType = reservation.EventPaymentFailed
	}
	payload, _ := json.Marshal(map[string]any{
		"provider_event_id":       ev.ID,
		"provider_transaction_id": ev.ProviderTransactionID,
		"failure_reason":          ev.FailureReason,
		"outcome":                 outcome,
	})
	if err := a.repo.InsertEvent(context.WithoutCancel(ctx), reservation.EventLog{
		EventType:     eventType,
		ReservationID: ev.ReservationID,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}); err != nil {
		a.log.Warn("failed to insert payment event log", zap.String("reservation_id", ev.ReservationID), zap.Error(err))
	}
}
