package reservation

import (
	"time"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/timeblock"
)

type Status string

const (
	StatusConfirmed              Status = "confirmed"
	StatusPending                Status = "pending"
	StatusCancelled              Status = "cancelled"
	StatusCancelledByPriority    Status = "cancelled_by_priority"
	StatusCancelledPaymentFailed Status = "cancelled_payment_failed"
)

// Active statuses hold their block and take part in overlap checks.
func (s Status) Active() bool {
	return s == StatusConfirmed || s == StatusPending
}

func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusPending, StatusCancelled, StatusCancelledByPriority, StatusCancelledPaymentFailed:
		return true
	}
	return false
}

type Kind string

const (
	KindBasic   Kind = "basic"
	KindPremium Kind = "premium"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type Payment struct {
	Required          bool          `json:"required"`
	ProviderSessionID string        `json:"providerSessionId,omitempty"`
	Status            PaymentStatus `json:"status"`
	AmountCents       int64         `json:"amount"`
	TransactionID     string        `json:"transactionId,omitempty"`
	FailureReason     string        `json:"failureReason,omitempty"`
}

type Reservation struct {
	ID             string     `json:"id"`
	LaboratoryID   string     `json:"laboratoryId"`
	LaboratoryName string     `json:"laboratoryName"`
	Date           time.Time  `json:"date"` // local midnight of the reserved day
	StartHour      int        `json:"startHour"`
	EndHour        int        `json:"endHour"`
	Reason         string     `json:"reason,omitempty"`
	Status         Status     `json:"status"`
	Kind           Kind       `json:"kind"`
	UserID         string     `json:"userId"`
	UserEmail      string     `json:"userEmail"`
	UserRole       auth.Role  `json:"userRole"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	Payment        *Payment   `json:"payment,omitempty"`
}

// Overlaps reports whether r's block intersects [start, end).
func (r *Reservation) Overlaps(start, end int) bool {
	return timeblock.Overlaps(r.StartHour, r.EndHour, start, end)
}

// Day returns the calendar day of r in loc.
func (r *Reservation) Day(loc *time.Location) timeblock.DayRange {
	return timeblock.DayOf(r.Date.In(loc))
}

// PartitionKey is the (laboratory, day) partition r belongs to.
func (r *Reservation) PartitionKey(loc *time.Location) string {
	return timeblock.PartitionKey(r.LaboratoryID, r.Day(loc))
}

func (r *Reservation) clone() Reservation {
	c := *r
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		c.CancelledAt = &t
	}
	if r.Payment != nil {
		p := *r.Payment
		c.Payment = &p
	}
	return c
}

type EventLog struct {
	ID            int64
	EventType     string
	ReservationID string
	Payload       []byte
	CreatedAt     time.Time
}

// SlotAvailability annotates one catalogue slot for a requester.
type SlotAvailability struct {
	timeblock.Slot
	Available           bool `json:"available"`
	OccupiedByProfessor bool `json:"occupiedByProfessor"`
	OccupiedByStudent   bool `json:"occupiedByStudent"`
}

// CreateRequest is the validated input of CreateReservation. Hours are
// pointers so a missing value can be told apart from 0.
type CreateRequest struct {
	LaboratoryID   string
	LaboratoryName string
	Date           string // YYYY-MM-DD in the configured zone
	StartHour      *int
	EndHour        *int
	Reason         string
	Kind           Kind
}

// CreateResult is the outcome of an admitted reservation.
type CreateResult struct {
	Reservation *Reservation
	Preempted   []Reservation // student reservations cancelled by a professor
}

// AdminPatch lists the fields an admin may change. Nil fields are left as is.
type AdminPatch struct {
	Status         *Status
	Reason         *string
	LaboratoryID   *string
	LaboratoryName *string
	Date           *string
	StartHour      *int
	EndHour        *int
}

func (p AdminPatch) touchesSchedule() bool {
	return p.LaboratoryID != nil || p.Date != nil || p.StartHour != nil || p.EndHour != nil
}
