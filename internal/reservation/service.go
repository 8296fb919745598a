package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/config"
	"github.com/labdesk/lab-reservations/internal/notify"
	"github.com/labdesk/lab-reservations/internal/timeblock"
)

const (
	EventReservationCreated   = "RESERVATION_CREATED"
	EventReservationPreempted = "RESERVATION_PREEMPTED"
	EventReservationCancelled = "RESERVATION_CANCELLED"
	EventReservationUpdated   = "RESERVATION_UPDATED"
	EventReservationDeleted   = "RESERVATION_DELETED"
	EventPaymentConfirmed     = "PAYMENT_CONFIRMED"
	EventPaymentFailed        = "PAYMENT_FAILED"
	EventPaymentExpired       = "PAYMENT_EXPIRED"
)

const paymentExpiredReason = "payment window expired"

// Notifier receives post-commit notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

type Service struct {
	repo     Repository
	notifier Notifier
	cfg      config.Config
	loc      *time.Location
	slots    timeblock.Catalogue
	log      *zap.Logger
	now      func() time.Time
}

// NewService resolves the configured zone and slot catalogue. notifier may be nil.
func NewService(repo Repository, notifier Notifier, cfg config.Config, logger *zap.Logger) (*Service, error) {
	loc, err := timeblock.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	slots, err := timeblock.LoadCatalogue(cfg.SlotCatalogue)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTxAttempts < 1 {
		cfg.MaxTxAttempts = 1
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		notifier: notifier,
		cfg:      cfg,
		loc:      loc,
		slots:    slots,
		log:      logger,
		now:      time.Now,
	}, nil
}

// Location is the zone reservation days are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// Slots returns the slot catalogue.
func (s *Service) Slots() timeblock.Catalogue { return s.slots }

// GetAvailability annotates every catalogue slot of the lab on isoDate for
// a requester with the given role. It only reads.
func (s *Service) GetAvailability(ctx context.Context, laboratoryID, isoDate string, role auth.Role) ([]SlotAvailability, error) {
	if laboratoryID == "" {
		return nil, fmt.Errorf("%w: laboratoryId", ErrMissingParameter)
	}
	if isoDate == "" {
		return nil, fmt.Errorf("%w: date", ErrMissingParameter)
	}
	day, err := timeblock.ParseDay(isoDate, s.loc)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.ListByLabAndRange(ctx, laboratoryID, day)
	if err != nil {
		s.log.Error("availability read failed",
			zap.String("laboratory_id", laboratoryID),
			zap.String("date", isoDate),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: list reservations", ErrInternal)
	}

	active := existing[:0]
	for _, r := range existing {
		if r.Status.Active() {
			active = append(active, r)
		}
	}

	out := make([]SlotAvailability, 0, len(s.slots))
	for _, slot := range s.slots {
		a := SlotAvailability{Slot: slot}
		conflicts := 0
		for i := range active {
			if !active[i].Overlaps(slot.StartHour, slot.EndHour) {
				continue
			}
			conflicts++
			if active[i].UserRole == auth.RoleProfessor {
				a.OccupiedByProfessor = true
			} else {
				a.OccupiedByStudent = true
			}
		}
		if role == auth.RoleProfessor {
			a.Available = !a.OccupiedByProfessor
		} else {
			a.Available = conflicts == 0
		}
		out = append(out, a)
	}
	return out, nil
}

// CreateReservation admits a reservation for requester. Students and admins
// need a free block; a professor may take a block held only by
// non-professors, cancelling those reservations in the same transaction.
func (s *Service) CreateReservation(ctx context.Context, req CreateRequest, requester auth.Identity) (*CreateResult, error) {
	if requester.UserID == "" || !requester.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown requester", ErrForbidden)
	}
	day, start, end, kind, err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}

	key := timeblock.PartitionKey(req.LaboratoryID, day)
	var result *CreateResult

	err = s.runTx(ctx, []string{key}, func(ctx context.Context, tx Tx) error {
		result = nil

		active, err := tx.ListActive(ctx, req.LaboratoryID, day)
		if err != nil {
			return fmt.Errorf("list active reservations: %w", err)
		}

		var conflicts []Reservation
		for _, r := range active {
			if r.Overlaps(start, end) {
				conflicts = append(conflicts, r)
			}
		}

		if len(conflicts) > 0 {
			if !requester.IsProfessor() {
				return fmt.Errorf("%w: a reservation already occupies this block", ErrSlotUnavailable)
			}
			for _, c := range conflicts {
				if c.UserRole == auth.RoleProfessor {
					return fmt.Errorf("%w: another professor already holds this block", ErrSlotUnavailable)
				}
			}
		}

		now := s.now()
		for i := range conflicts {
			conflicts[i].Status = StatusCancelledByPriority
			conflicts[i].CancelledAt = &now
			if err := tx.Update(ctx, &conflicts[i]); err != nil {
				return fmt.Errorf("cancel reservation %s by priority: %w", conflicts[i].ID, err)
			}
		}

		r := &Reservation{
			LaboratoryID:   req.LaboratoryID,
			LaboratoryName: req.LaboratoryName,
			Date:           day.Start,
			StartHour:      start,
			EndHour:        end,
			Reason:         req.Reason,
			Status:         StatusConfirmed,
			Kind:           kind,
			UserID:         requester.UserID,
			UserEmail:      requester.Email,
			UserRole:       requester.Role,
			CreatedAt:      now,
		}
		if kind == KindPremium {
			r.Status = StatusPending
			r.Payment = &Payment{
				Required:    true,
				Status:      PaymentPending,
				AmountCents: s.cfg.PremiumAmount,
			}
		}
		if err := tx.Insert(ctx, r); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		result = &CreateResult{Reservation: r, Preempted: conflicts}
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "create reservation",
			zap.String("laboratory_id", req.LaboratoryID),
			zap.String("date", req.Date),
			zap.String("requester", requester.UserID),
		)
	}

	r := result.Reservation
	s.logEvent(ctx, r.ID, EventReservationCreated, map[string]any{
		"laboratory_id": r.LaboratoryID,
		"date":          req.Date,
		"start_hour":    r.StartHour,
		"end_hour":      r.EndHour,
		"user_id":       r.UserID,
		"status":        r.Status,
	})

	if r.Status == StatusPending {
		s.notify(ctx, r, notify.EventPendingPayment, "Reservation awaiting payment",
			fmt.Sprintf("Your reservation of %s on %s from %02d:00 to %02d:00 is held until payment completes.",
				r.LaboratoryName, req.Date, r.StartHour, r.EndHour))
	} else {
		s.notify(ctx, r, notify.EventConfirmed, "Reservation confirmed",
			fmt.Sprintf("Your reservation of %s on %s from %02d:00 to %02d:00 is confirmed.",
				r.LaboratoryName, req.Date, r.StartHour, r.EndHour))
	}

	for i := range result.Preempted {
		p := &result.Preempted[i]
		s.logEvent(ctx, p.ID, EventReservationPreempted, map[string]any{
			"preempted_by":  r.ID,
			"professor_id":  r.UserID,
			"laboratory_id": p.LaboratoryID,
			"start_hour":    p.StartHour,
			"end_hour":      p.EndHour,
		})
		s.notify(ctx, p, notify.EventPreempted, "Reservation cancelled",
			fmt.Sprintf("Your reservation of %s on %s from %02d:00 to %02d:00 was cancelled because a professor booked the laboratory.",
				p.LaboratoryName, req.Date, p.StartHour, p.EndHour))
	}

	return result, nil
}

func (s *Service) validateCreate(req CreateRequest) (day timeblock.DayRange, start, end int, kind Kind, err error) {
	switch {
	case req.LaboratoryID == "":
		err = fmt.Errorf("%w: laboratoryId", ErrMissingParameter)
	case req.LaboratoryName == "":
		err = fmt.Errorf("%w: laboratoryName", ErrMissingParameter)
	case req.Date == "":
		err = fmt.Errorf("%w: date", ErrMissingParameter)
	case req.StartHour == nil:
		err = fmt.Errorf("%w: startHour", ErrMissingParameter)
	case req.EndHour == nil:
		err = fmt.Errorf("%w: endHour", ErrMissingParameter)
	}
	if err != nil {
		return
	}

	day, err = timeblock.ParseDay(req.Date, s.loc)
	if err != nil {
		return
	}

	start, end = *req.StartHour, *req.EndHour
	if !timeblock.ValidHours(start, end) {
		err = fmt.Errorf("%w: got %d-%d", ErrInvalidRange, start, end)
		return
	}

	kind = req.Kind
	switch kind {
	case "":
		kind = KindBasic
	case KindBasic, KindPremium:
	default:
		err = fmt.Errorf("%w: kind %q", ErrInvalidParameter, req.Kind)
	}
	return
}

// Get returns a reservation visible to requester.
func (s *Service) Get(ctx context.Context, id string, requester auth.Identity) (*Reservation, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.surface(err, "get reservation", zap.String("reservation_id", id))
	}
	if r.UserID != requester.UserID && !requester.IsAdmin() {
		return nil, ErrForbidden
	}
	return r, nil
}

// ListByUser returns the user's reservations ordered by day and start hour.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Reservation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId", ErrMissingParameter)
	}
	rs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.surface(err, "list reservations by user", zap.String("user_id", userID))
	}
	return rs, nil
}

// ListAll feeds read-side projections.
func (s *Service) ListAll(ctx context.Context) ([]Reservation, error) {
	rs, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, s.surface(err, "list reservations")
	}
	return rs, nil
}

// Cancel cancels a reservation on behalf of its owner or an admin.
// Cancelling a reservation that is no longer active is a no-op.
func (s *Service) Cancel(ctx context.Context, id string, requester auth.Identity) (*Reservation, error) {
	var (
		cancelled *Reservation
		changed   bool
	)
	err := s.runOnReservation(ctx, id, nil, func(ctx context.Context, tx Tx, r *Reservation) error {
		cancelled, changed = nil, false
		if r.UserID != requester.UserID && !requester.IsAdmin() {
			return ErrForbidden
		}
		cancelled = r
		if !r.Status.Active() {
			return nil
		}
		now := s.now()
		r.Status = StatusCancelled
		r.CancelledAt = &now
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "cancel reservation", zap.String("reservation_id", id))
	}
	if !changed {
		return cancelled, nil
	}

	s.logEvent(ctx, id, EventReservationCancelled, map[string]any{
		"cancelled_by": requester.UserID,
		"role":         requester.Role,
	})
	return cancelled, nil
}

// AdminUpdate applies patch. When the result is active and its block or
// status changed, it is re-checked against every other active reservation
// of its lab and day. Admin edits never pre-empt.
func (s *Service) AdminUpdate(ctx context.Context, id string, patch AdminPatch) (*Reservation, error) {
	if err := s.validatePatch(patch); err != nil {
		return nil, err
	}

	// the destination partition is locked along with the origin
	destination := func(cur *Reservation) ([]string, error) {
		target, err := s.applyPatch(*cur, patch)
		if err != nil {
			return nil, err
		}
		return []string{target.PartitionKey(s.loc)}, nil
	}

	var updated *Reservation
	err := s.runOnReservation(ctx, id, destination, func(ctx context.Context, tx Tx, cur *Reservation) error {
		next, err := s.applyPatch(*cur, patch)
		if err != nil {
			return err
		}

		scheduleChanged := next.LaboratoryID != cur.LaboratoryID ||
			!next.Date.Equal(cur.Date) ||
			next.StartHour != cur.StartHour ||
			next.EndHour != cur.EndHour
		statusChanged := next.Status != cur.Status

		if next.Status.Active() && (scheduleChanged || statusChanged) {
			active, err := tx.ListActive(ctx, next.LaboratoryID, next.Day(s.loc))
			if err != nil {
				return fmt.Errorf("list active reservations: %w", err)
			}
			for _, other := range active {
				if other.ID != id && other.Overlaps(next.StartHour, next.EndHour) {
					return fmt.Errorf("%w: overlaps reservation %s", ErrSlotUnavailable, other.ID)
				}
			}
		}

		if statusChanged {
			if next.Status.Active() {
				next.CancelledAt = nil
			} else {
				now := s.now()
				next.CancelledAt = &now
			}
		}

		if err := tx.Update(ctx, &next); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "admin update", zap.String("reservation_id", id))
	}

	s.logEvent(ctx, id, EventReservationUpdated, patchPayload(patch))
	return updated, nil
}

func (s *Service) validatePatch(p AdminPatch) error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidParameter, *p.Status)
	}
	if p.LaboratoryID != nil && *p.LaboratoryID == "" {
		return fmt.Errorf("%w: laboratoryId", ErrMissingParameter)
	}
	if p.LaboratoryName != nil && *p.LaboratoryName == "" {
		return fmt.Errorf("%w: laboratoryName", ErrMissingParameter)
	}
	if p.Date != nil {
		if _, err := timeblock.ParseDay(*p.Date, s.loc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyPatch(r Reservation, p AdminPatch) (Reservation, error) {
	r = r.clone()
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Reason != nil {
		r.Reason = *p.Reason
	}
	if p.LaboratoryID != nil {
		r.LaboratoryID = *p.LaboratoryID
	}
	if p.LaboratoryName != nil {
		r.LaboratoryName = *p.LaboratoryName
	}
	if p.Date != nil {
		day, err := timeblock.ParseDay(*p.Date, s.loc)
		if err != nil {
			return Reservation{}, err
		}
		r.Date = day.Start
	}
	if p.StartHour != nil {
		r.StartHour = *p.StartHour
	}
	if p.EndHour != nil {
		r.EndHour = *p.EndHour
	}
	if p.touchesSchedule() && !timeblock.ValidHours(r.StartHour, r.EndHour) {
		return Reservation{}, fmt.Errorf("%w: got %d-%d", ErrInvalidRange, r.StartHour, r.EndHour)
	}
	return r, nil
}

func patchPayload(p AdminPatch) map[string]any {
	out := map[string]any{}
	if p.Status != nil {
		out["status"] = *p.Status
	}
	if p.Reason != nil {
		out["reason"] = *p.Reason
	}
	if p.LaboratoryID != nil {
		out["laboratory_id"] = *p.LaboratoryID
	}
	if p.LaboratoryName != nil {
		out["laboratory_name"] = *p.LaboratoryName
	}
	if p.Date != nil {
		out["date"] = *p.Date
	}
	if p.StartHour != nil {
		out["start_hour"] = *p.StartHour
	}
	if p.EndHour != nil {
		out["end_hour"] = *p.EndHour
	}
	return out
}

// Delete permanently removes a reservation.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.surface(err, "delete reservation", zap.String("reservation_id", id))
	}
	s.logEvent(ctx, id, EventReservationDeleted, map[string]any{})
	return nil
}

// ExpirePendingPayments cancels premium reservations whose payment did not
// complete within the payment window. Intended to be called periodically.
func (s *Service) ExpirePendingPayments(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PaymentTTL)
	candidates, err := s.repo.FindStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale pending reservations: %w", err)
	}

	expired := 0
	for i := range candidates {
		c := &candidates[i]
		var changed *Reservation
		err := s.runOnReservation(ctx, c.ID, nil, func(ctx context.Context, tx Tx, r *Reservation) error {
			changed = nil
			if r.Status != StatusPending {
				return nil
			}
			now := s.now()
			r.Status = StatusCancelledPaymentFailed
			r.CancelledAt = &now
			if r.Payment == nil {
				r.Payment = &Payment{Required: true}
			}
			r.Payment.Status = PaymentFailed
			r.Payment.FailureReason = paymentExpiredReason
			if err := tx.Update(ctx, r); err != nil {
				return err
			}
			changed = r
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.log.Warn("failed to expire reservation", zap.String("reservation_id", c.ID), zap.Error(err))
			continue
		}
		if changed == nil {
			continue
		}

		expired++
		s.logEvent(ctx, changed.ID, EventPaymentExpired, map[string]any{"reason": paymentExpiredReason})
		s.notify(ctx, changed, notify.EventPaymentExpired, "Reservation payment expired",
			fmt.Sprintf("Your reservation of %s on %s was released because payment was not completed.",
				changed.LaboratoryName, changed.Day(s.loc).ISODate()))
	}
	return expired, nil
}

// runTx runs fn under the configured deadline, retrying lost races.
func (s *Service) runTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= s.cfg.MaxTxAttempts; attempt++ {
		err = s.repo.RunInTx(ctx, keys, fn)
		if !errors.Is(err, ErrTxConflict) {
			return err
		}
		s.log.Debug("transaction conflict, retrying", zap.Int("attempt", attempt), zap.Strings("keys", keys))

		if attempt == s.cfg.MaxTxAttempts {
			break
		}
		backoff := time.Duration(attempt)*10*time.Millisecond + rand.N(10*time.Millisecond)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}
	return fmt.Errorf("%w: transaction retries exhausted: %v", ErrInternal, err)
}

// errMoved reports that a reservation left the partition locked for it.
var errMoved = errors.New("reservation moved to another partition")

// runOnReservation loads reservation id, locks its partition plus any keys
// extra derives from it, and runs fn on the copy read under the lock. If the
// reservation moved between the load and the lock, the load is repeated.
func (s *Service) runOnReservation(
	ctx context.Context,
	id string,
	extra func(cur *Reservation) ([]string, error),
	fn func(ctx context.Context, tx Tx, r *Reservation) error,
) error {
	for attempt := 1; ; attempt++ {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		origin := current.PartitionKey(s.loc)
		keys := []string{origin}
		if extra != nil {
			more, err := extra(current)
			if err != nil {
				return err
			}
			keys = append(keys, more...)
		}

		err = s.runTx(ctx, keys, func(ctx context.Context, tx Tx) error {
			r, err := tx.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if r.PartitionKey(s.loc) != origin {
				return errMoved
			}
			return fn(ctx, tx, r)
		})
		if !errors.Is(err, errMoved) {
			return err
		}
		if attempt >= s.cfg.MaxTxAttempts {
			return fmt.Errorf("%w: reservation %s kept moving", ErrInternal, id)
		}
		s.log.Debug("reservation moved, reloading",
			zap.String("reservation_id", id),
			zap.Int("attempt", attempt),
		)
	}
}

// WithReservation runs fn on the current state of reservation id inside a
// transaction holding its partition lock, with the configured deadline and
// conflict retry.
func (s *Service) WithReservation(ctx context.Context, id string, fn func(ctx context.Context, tx Tx, r *Reservation) error) error {
	return s.runOnReservation(ctx, id, nil, fn)
}

// surface passes domain errors through and logs anything else as internal.
func (s *Service) surface(err error, op string, fields ...zap.Field) error {
	internal := errors.Is(err, ErrInternal)
	if isDomainError(err) && !internal {
		return err
	}
	s.log.Error(op+" failed", append(fields, zap.Error(err))...)
	if internal {
		return err
	}
	return fmt.Errorf("%w: %s", ErrInternal, op)
}

func (s *Service) notify(ctx context.Context, r *Reservation, event, subject, body string) {
	if s.notifier == nil || r.UserEmail == "" {
		return
	}
	s.notifier.Notify(ctx, notify.Message{
		Event:          event,
		ReservationID:  r.ID,
		UserID:         r.UserID,
		To:             r.UserEmail,
		Subject:        subject,
		Body:           body,
		LaboratoryName: r.LaboratoryName,
		Date:           r.Day(s.loc).ISODate(),
		StartHour:      r.StartHour,
		EndHour:        r.EndHour,
		OccurredAt:     s.now(),
	})
}

func (s *Service) logEvent(ctx context.Context, reservationID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		ReservationID: reservationID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event", eventType),
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
	}
}
