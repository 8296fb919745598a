package reservation

import (
	"context"
	"sort"
	"time"

	"github.com/labdesk/lab-reservations/internal/timeblock"
)

// Repository contains all store interactions needed by the engine.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Reservation, error)
	ListByLabAndRange(ctx context.Context, laboratoryID string, day timeblock.DayRange) ([]Reservation, error)
	ListByUser(ctx context.Context, userID string) ([]Reservation, error)
	ListAll(ctx context.Context) ([]Reservation, error)
	Delete(ctx context.Context, id string) error

	// Expiry worker
	FindStalePending(ctx context.Context, createdBefore time.Time) ([]Reservation, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error

	// RunInTx runs fn in one transaction. keys name the (laboratory, day)
	// partitions fn will write. Either every write made through tx is
	// committed or none is. A lost race is reported as ErrTxConflict.
	RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view handed to RunInTx callbacks.
type Tx interface {
	// ListActive returns confirmed and pending reservations of the lab on day.
	ListActive(ctx context.Context, laboratoryID string, day timeblock.DayRange) ([]Reservation, error)
	GetByID(ctx context.Context, id string) (*Reservation, error)
	// Insert stores r, assigning its ID.
	Insert(ctx context.Context, r *Reservation) error
	// Update overwrites the stored reservation with r.
	Update(ctx context.Context, r *Reservation) error
}

// normalizeKeys sorts and dedupes keys so locks are always taken in the same order.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortByDateAndHour(rs []Reservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].Date.Equal(rs[j].Date) {
			return rs[i].Date.Before(rs[j].Date)
		}
		return rs[i].StartHour < rs[j].StartHour
	})
}
