package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/lab-reservations/internal/timeblock"
)

const reservationColumns = `id, laboratory_id, laboratory_name, reservation_day, start_hour, end_hour,
	reason, status, kind, user_id, user_email, user_role, payment, created_at, updated_at, cancelled_at`

// PgRepository stores reservations in PostgreSQL. Every transaction first
// takes a transaction-scoped advisory lock per partition key, so writers of
// the same (laboratory, day) run one after another. Transactions are READ
// COMMITTED so statements after the lock see everything the previous holder
// committed; a SERIALIZABLE snapshot would be taken before the wait.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Helpers

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var payment []byte

	err := row.Scan(
		&r.ID,
		&r.LaboratoryID,
		&r.LaboratoryName,
		&r.Date,
		&r.StartHour,
		&r.EndHour,
		&r.Reason,
		&r.Status,
		&r.Kind,
		&r.UserID,
		&r.UserEmail,
		&r.UserRole,
		&payment,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(payment) > 0 {
		var p Payment
		if err := json.Unmarshal(payment, &p); err != nil {
			return nil, fmt.Errorf("decode payment of %s: %w", r.ID, err)
		}
		r.Payment = &p
	}
	return &r, nil
}

func collectReservations(rows pgx.Rows, err error) ([]Reservation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func encodePayment(p *Payment) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payment: %w", err)
	}
	return data, nil
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// Interface methods

func (r *PgRepository) GetByID(ctx context.Context, id string) (*Reservation, error) {
	return getByID(ctx, r.pool, id, false)
}

func getByID(ctx context.Context, q querier, id string, forUpdate bool) (*Reservation, error) {
	sql := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanReservation(q.QueryRow(ctx, sql, id))
}

func (r *PgRepository) ListByLabAndRange(ctx context.Context, laboratoryID string, day timeblock.DayRange) ([]Reservation, error) {
	return collectReservations(r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE laboratory_id = $1
		  AND reservation_day >= $2
		  AND reservation_day < $3
		ORDER BY start_hour
	`, laboratoryID, day.Start, day.End))
}

func (r *PgRepository) ListByUser(ctx context.Context, userID string) ([]Reservation, error) {
	return collectReservations(r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE user_id = $1
		ORDER BY reservation_day, start_hour
	`, userID))
}

func (r *PgRepository) ListAll(ctx context.Context) ([]Reservation, error) {
	return collectReservations(r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		ORDER BY reservation_day, start_hour
	`))
}

func (r *PgRepository) FindStalePending(ctx context.Context, createdBefore time.Time) ([]Reservation, error) {
	return collectReservations(r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'pending'
		  AND kind = 'premium'
		  AND created_at < $1
	`, createdBefore))
}

func (r *PgRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var reservationID *string
	if ev.ReservationID != "" {
		reservationID = &ev.ReservationID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, reservation_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, reservationID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
		if err != nil && isRetryable(err) {
			err = fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
	}()

	for _, key := range normalizeKeys(keys) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("lock partition %s: %w", key, err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ListActive(ctx context.Context, laboratoryID string, day timeblock.DayRange) ([]Reservation, error) {
	return collectReservations(t.tx.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE laboratory_id = $1
		  AND reservation_day >= $2
		  AND reservation_day < $3
		  AND status IN ('confirmed', 'pending')
		ORDER BY start_hour
	`, laboratoryID, day.Start, day.End))
}

func (t *pgTx) GetByID(ctx context.Context, id string) (*Reservation, error) {
	return getByID(ctx, t.tx, id, true)
}

func (t *pgTx) Insert(ctx context.Context, r *Reservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	payment, err := encodePayment(r.Payment)
	if err != nil {
		return err
	}

	row := t.tx.QueryRow(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, now()), now(), $15)
		RETURNING `+reservationColumns,
		r.ID, r.LaboratoryID, r.LaboratoryName, r.Date, r.StartHour, r.EndHour,
		r.Reason, r.Status, r.Kind, r.UserID, r.UserEmail, r.UserRole, payment,
		nullableTime(r.CreatedAt), r.CancelledAt,
	)
	stored, err := scanReservation(row)
	if err != nil {
		return err
	}
	*r = *stored
	return nil
}

func (t *pgTx) Update(ctx context.Context, r *Reservation) error {
	payment, err := encodePayment(r.Payment)
	if err != nil {
		return err
	}

	row := t.tx.QueryRow(ctx, `
		UPDATE reservations
		SET laboratory_id = $2,
		    laboratory_name = $3,
		    reservation_day = $4,
		    start_hour = $5,
		    end_hour = $6,
		    reason = $7,
		    status = $8,
		    kind = $9,
		    payment = $10,
		    cancelled_at = $11,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+reservationColumns,
		r.ID, r.LaboratoryID, r.LaboratoryName, r.Date, r.StartHour, r.EndHour,
		r.Reason, r.Status, r.Kind, payment, r.CancelledAt,
	)
	stored, err := scanReservation(row)
	if err != nil {
		return err
	}
	*r = *stored
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
