package reservation

import (
	"errors"

	"github.com/labdesk/lab-reservations/internal/timeblock"
)

var (
	ErrMissingParameter = errors.New("missing required parameter")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidDate      = timeblock.ErrInvalidDate
	ErrInvalidRange     = errors.New("invalid time range, expected 0 <= start < end <= 24")
	ErrSlotUnavailable  = errors.New("slot unavailable")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("reservation not found")
	ErrInternal         = errors.New("internal error")

	// ErrTxConflict is returned by a store when a transaction lost a race
	// with a concurrent writer and may be retried.
	ErrTxConflict = errors.New("transaction conflict")
)

// isDomainError reports whether err is one callers are expected to handle.
// Anything else surfaces as ErrInternal.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrMissingParameter,
		ErrInvalidParameter,
		ErrInvalidDate,
		ErrInvalidRange,
		ErrSlotUnavailable,
		ErrForbidden,
		ErrNotFound,
		ErrInternal,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
