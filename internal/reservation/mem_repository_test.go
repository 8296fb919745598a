package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/lab-reservations/internal/timeblock"
)

func newMemFixture(t *testing.T) (*MemRepository, timeblock.DayRange) {
	t.Helper()
	repo := NewMemRepository(time.UTC)
	day, err := timeblock.ParseDay(testDate, time.UTC)
	require.NoError(t, err)
	return repo, day
}

func insert(t *testing.T, repo *MemRepository, r *Reservation) {
	t.Helper()
	require.NoError(t, repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, r)
	}))
}

func TestMemRepository_ConflictOnConcurrentPartitionWrite(t *testing.T) {
	repo, day := newMemFixture(t)

	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		active, err := tx.ListActive(ctx, testLab, day)
		require.NoError(t, err)
		require.Empty(t, active)

		// a competing transaction commits into the partition we just read
		insert(t, repo, &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11, Status: StatusConfirmed})

		return tx.Insert(ctx, &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 10, EndHour: 12, Status: StatusConfirmed})
	})
	assert.ErrorIs(t, err, ErrTxConflict)

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 9, all[0].StartHour)
}

func TestMemRepository_OtherPartitionDoesNotConflict(t *testing.T) {
	repo, day := newMemFixture(t)

	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		_, err := tx.ListActive(ctx, testLab, day)
		require.NoError(t, err)

		insert(t, repo, &Reservation{LaboratoryID: "lab-202", Date: day.Start, StartHour: 9, EndHour: 11, Status: StatusConfirmed})

		return tx.Insert(ctx, &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11, Status: StatusConfirmed})
	})
	assert.NoError(t, err)
}

func TestMemRepository_ConflictOnDocumentChange(t *testing.T) {
	repo, day := newMemFixture(t)
	r := &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11, Status: StatusPending}
	insert(t, repo, r)

	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetByID(ctx, r.ID)
		require.NoError(t, err)

		require.NoError(t, repo.RunInTx(ctx, nil, func(ctx context.Context, other Tx) error {
			c, err := other.GetByID(ctx, r.ID)
			if err != nil {
				return err
			}
			c.Status = StatusCancelled
			return other.Update(ctx, c)
		}))

		cur.Status = StatusConfirmed
		return tx.Update(ctx, cur)
	})
	assert.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, StatusCancelled, statusOf(t, repo, r.ID))
}

func TestMemRepository_ReadYourWrites(t *testing.T) {
	repo, day := newMemFixture(t)
	existing := &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11, Status: StatusConfirmed}
	insert(t, repo, existing)

	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetByID(ctx, existing.ID)
		require.NoError(t, err)
		cur.Status = StatusCancelledByPriority
		require.NoError(t, tx.Update(ctx, cur))

		added := &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 14, EndHour: 16, Status: StatusConfirmed}
		require.NoError(t, tx.Insert(ctx, added))

		active, err := tx.ListActive(ctx, testLab, day)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, added.ID, active[0].ID)

		// nothing visible outside before commit
		outside, err := repo.GetByID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, outside.Status)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByPriority, statusOf(t, repo, existing.ID))
}

func TestMemRepository_ErrorDiscardsWrites(t *testing.T) {
	repo, day := newMemFixture(t)

	boom := errors.New("boom")
	err := repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Insert(ctx, &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemRepository_ReturnsCopies(t *testing.T) {
	repo, day := newMemFixture(t)
	r := &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11, Payment: &Payment{Status: PaymentPending}}
	insert(t, repo, r)

	got, err := repo.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	got.Payment.Status = PaymentPaid
	got.StartHour = 7

	again, err := repo.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, again.Payment.Status)
	assert.Equal(t, 9, again.StartHour)
}

func TestMemRepository_Queries(t *testing.T) {
	repo, day := newMemFixture(t)
	old := time.Now().Add(-time.Hour)

	insert(t, repo, &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 14, EndHour: 16, UserID: "u1", Status: StatusConfirmed})
	insert(t, repo, &Reservation{LaboratoryID: testLab, Date: day.Start, StartHour: 9, EndHour: 11, UserID: "u1", Status: StatusPending, Kind: KindPremium, CreatedAt: old})
	insert(t, repo, &Reservation{LaboratoryID: testLab, Date: day.End, StartHour: 9, EndHour: 11, UserID: "u2", Status: StatusConfirmed})

	inDay, err := repo.ListByLabAndRange(context.Background(), testLab, day)
	require.NoError(t, err)
	require.Len(t, inDay, 2)
	assert.Equal(t, 9, inDay[0].StartHour)

	mine, err := repo.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	stale, err := repo.FindStalePending(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 9, stale[0].StartHour)

	_, err = repo.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(context.Background(), "nope"), ErrNotFound)
}

func TestNormalizeKeys(t *testing.T) {
	assert.Equal(t, []string{"a|1", "b|2"}, normalizeKeys([]string{"b|2", "a|1", "b|2"}))
	assert.Empty(t, normalizeKeys(nil))
}
