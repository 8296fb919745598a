package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	EventConfirmed      = "reservation.confirmed"
	EventPendingPayment = "reservation.pending_payment"
	EventPreempted      = "reservation.preempted"
	EventPaymentExpired = "reservation.payment_expired"
)

// Message is one email-style notification addressed to a reservation owner.
type Message struct {
	Event          string    `json:"event"`
	ReservationID  string    `json:"reservation_id"`
	UserID         string    `json:"user_id"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	LaboratoryName string    `json:"laboratory_name"`
	Date           string    `json:"date"`
	StartHour      int       `json:"start_hour"`
	EndHour        int       `json:"end_hour"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log. Used when no broker is configured.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{log: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info("notification",
		zap.String("event", msg.Event),
		zap.String("reservation_id", msg.ReservationID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
