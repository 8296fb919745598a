package api

import (
	"github.com/labdesk/lab-reservations/internal/reservation"
)

// CreateReservationRequest carries hours as numbers so fractional or
// out-of-range values can be rejected instead of silently truncated.
type CreateReservationRequest struct {
	LaboratoryID   string   `json:"laboratoryId"`
	LaboratoryName string   `json:"laboratoryName"`
	Date           string   `json:"date"`
	StartHour      *float64 `json:"startHour"`
	EndHour        *float64 `json:"endHour"`
	Reason         string   `json:"reason"`
	Kind           string   `json:"kind"`
}

type CreateReservationResponse struct {
	*reservation.Reservation
	Preempted []string `json:"preempted,omitempty"`
}

type AdminUpdateRequest struct {
	Status         *string  `json:"status"`
	Reason         *string  `json:"reason"`
	LaboratoryID   *string  `json:"laboratoryId"`
	LaboratoryName *string  `json:"laboratoryName"`
	Date           *string  `json:"date"`
	StartHour      *float64 `json:"startHour"`
	EndHour        *float64 `json:"endHour"`
}

type AvailabilityResponse struct {
	LaboratoryID string                         `json:"laboratoryId"`
	Date         string                         `json:"date"`
	Slots        []reservation.SlotAvailability `json:"slots"`
}

type ReservationListResponse struct {
	Reservations []reservation.Reservation `json:"reservations"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type PaymentEventResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
