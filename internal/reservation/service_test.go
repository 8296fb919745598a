package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/config"
	"github.com/labdesk/lab-reservations/internal/notify"
	"github.com/labdesk/lab-reservations/internal/timeblock"
)

const (
	testLab  = "lab-101"
	testDate = "2024-05-10"
)

var (
	student1  = auth.Identity{UserID: "s1", Email: "s1@uni.edu", Role: auth.RoleStudent}
	student2  = auth.Identity{UserID: "s2", Email: "s2@uni.edu", Role: auth.RoleStudent}
	professor = auth.Identity{UserID: "p1", Email: "p1@uni.edu", Role: auth.RoleProfessor}
	colleague = auth.Identity{UserID: "p2", Email: "p2@uni.edu", Role: auth.RoleProfessor}
	admin     = auth.Identity{UserID: "a1", Email: "a1@uni.edu", Role: auth.RoleAdmin}
)

// recordingNotifier collects messages instead of sending them.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Event+":"+m.UserID)
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		Timezone:      timeblock.DefaultZone,
		TxTimeout:     2 * time.Second,
		MaxTxAttempts: 3,
		PaymentTTL:    30 * time.Minute,
		PremiumAmount: 500,
	}
}

func newTestService(t *testing.T) (*Service, *MemRepository, *recordingNotifier) {
	t.Helper()
	return newTestServiceWithRepo(t, nil)
}

func newTestServiceWithRepo(t *testing.T, repo Repository) (*Service, *MemRepository, *recordingNotifier) {
	t.Helper()
	loc, err := timeblock.LoadLocation(timeblock.DefaultZone)
	require.NoError(t, err)

	mem := NewMemRepository(loc)
	if repo == nil {
		repo = mem
	}
	n := &recordingNotifier{}
	svc, err := NewService(repo, n, testConfig(), zap.NewNop())
	require.NoError(t, err)
	return svc, mem, n
}

func hours(h int) *int { return &h }

func request(start, end int) CreateRequest {
	return CreateRequest{
		LaboratoryID:   testLab,
		LaboratoryName: "Networks Lab",
		Date:           testDate,
		StartHour:      hours(start),
		EndHour:        hours(end),
	}
}

func mustCreate(t *testing.T, svc *Service, who auth.Identity, start, end int) *Reservation {
	t.Helper()
	res, err := svc.CreateReservation(context.Background(), request(start, end), who)
	require.NoError(t, err)
	return res.Reservation
}

// seed stores r as is, bypassing admission.
func seed(t *testing.T, svc *Service, repo Repository, who auth.Identity, start, end int, status Status) *Reservation {
	t.Helper()
	day, err := timeblock.ParseDay(testDate, svc.Location())
	require.NoError(t, err)

	r := &Reservation{
		LaboratoryID:   testLab,
		LaboratoryName: "Networks Lab",
		Date:           day.Start,
		StartHour:      start,
		EndHour:        end,
		Status:         status,
		Kind:           KindBasic,
		UserID:         who.UserID,
		UserEmail:      who.Email,
		UserRole:       who.Role,
	}
	err = repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx Tx) error {
		return tx.Insert(ctx, r)
	})
	require.NoError(t, err)
	return r
}

func statusOf(t *testing.T, repo Repository, id string) Status {
	t.Helper()
	r, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func TestCreateReservation_FreeBlock(t *testing.T) {
	svc, repo, n := newTestService(t)

	res, err := svc.CreateReservation(context.Background(), request(9, 11), student1)
	require.NoError(t, err)

	r := res.Reservation
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, KindBasic, r.Kind)
	assert.Equal(t, auth.RoleStudent, r.UserRole)
	assert.Nil(t, r.Payment)
	assert.Empty(t, res.Preempted)

	// stored at local midnight
	assert.Equal(t, time.Date(2024, 5, 10, 5, 0, 0, 0, time.UTC), r.Date.UTC())

	assert.Equal(t, []string{notify.EventConfirmed + ":s1"}, n.events())
	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventReservationCreated, events[0].EventType)
	assert.Equal(t, r.ID, events[0].ReservationID)
}

func TestCreateReservation_Validation(t *testing.T) {
	svc, repo, _ := newTestService(t)

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr error
	}{
		{"missing lab", func(r *CreateRequest) { r.LaboratoryID = "" }, ErrMissingParameter},
		{"missing lab name", func(r *CreateRequest) { r.LaboratoryName = "" }, ErrMissingParameter},
		{"missing date", func(r *CreateRequest) { r.Date = "" }, ErrMissingParameter},
		{"missing start", func(r *CreateRequest) { r.StartHour = nil }, ErrMissingParameter},
		{"missing end", func(r *CreateRequest) { r.EndHour = nil }, ErrMissingParameter},
		{"bad date", func(r *CreateRequest) { r.Date = "10-05-2024" }, ErrInvalidDate},
		{"empty range", func(r *CreateRequest) { r.StartHour, r.EndHour = hours(10), hours(10) }, ErrInvalidRange},
		{"reversed range", func(r *CreateRequest) { r.StartHour, r.EndHour = hours(12), hours(10) }, ErrInvalidRange},
		{"past midnight", func(r *CreateRequest) { r.EndHour = hours(25) }, ErrInvalidRange},
		{"negative start", func(r *CreateRequest) { r.StartHour = hours(-1) }, ErrInvalidRange},
		{"unknown kind", func(r *CreateRequest) { r.Kind = "gold" }, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(9, 11)
			tt.mutate(&req)
			_, err := svc.CreateReservation(context.Background(), req, student1)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "validation failures must not write")
}

func TestCreateReservation_RequiresKnownRequester(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateReservation(context.Background(), request(9, 11), auth.Identity{UserID: "x", Role: "guest"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateReservation_StudentExclusivity(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreate(t, svc, student1, 9, 11)

	_, err := svc.CreateReservation(context.Background(), request(9, 11), student2)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = svc.CreateReservation(context.Background(), request(10, 12), student2)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	// admins follow the same rule as students
	_, err = svc.CreateReservation(context.Background(), request(8, 10), admin)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	r := mustCreate(t, svc, student2, 11, 13)
	assert.Equal(t, StatusConfirmed, r.Status)
}

func TestCreateReservation_ProfessorPreemptsStudents(t *testing.T) {
	svc, repo, n := newTestService(t)
	a := seed(t, svc, repo, student1, 9, 11, StatusConfirmed)
	b := seed(t, svc, repo, student2, 9, 10, StatusConfirmed)
	other := seed(t, svc, repo, student2, 14, 16, StatusConfirmed)

	res, err := svc.CreateReservation(context.Background(), request(9, 11), professor)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, res.Reservation.Status)
	assert.Len(t, res.Preempted, 2)
	assert.Equal(t, StatusCancelledByPriority, statusOf(t, repo, a.ID))
	assert.Equal(t, StatusCancelledByPriority, statusOf(t, repo, b.ID))
	assert.Equal(t, StatusConfirmed, statusOf(t, repo, other.ID))

	cancelled, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.NotNil(t, cancelled.CancelledAt)

	assert.ElementsMatch(t, []string{
		notify.EventConfirmed + ":p1",
		notify.EventPreempted + ":s1",
		notify.EventPreempted + ":s2",
	}, n.events())
}

func TestCreateReservation_ProfessorVsProfessor(t *testing.T) {
	svc, repo, _ := newTestService(t)
	held := mustCreate(t, svc, professor, 9, 11)
	student := mustCreate(t, svc, student1, 11, 12)

	_, err := svc.CreateReservation(context.Background(), request(10, 12), colleague)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	assert.Equal(t, StatusConfirmed, statusOf(t, repo, held.ID))
	assert.Equal(t, StatusConfirmed, statusOf(t, repo, student.ID), "no pre-emption when the block is refused")
}

func TestCreateReservation_ProfessorOnFreeBlock(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreate(t, svc, professor, 7, 9)

	r := mustCreate(t, svc, colleague, 9, 11)
	assert.Equal(t, StatusConfirmed, r.Status)
}

func TestCreateReservation_PremiumIsPending(t *testing.T) {
	svc, _, n := newTestService(t)

	req := request(14, 16)
	req.Kind = KindPremium
	res, err := svc.CreateReservation(context.Background(), req, student1)
	require.NoError(t, err)

	r := res.Reservation
	assert.Equal(t, StatusPending, r.Status)
	require.NotNil(t, r.Payment)
	assert.True(t, r.Payment.Required)
	assert.Equal(t, PaymentPending, r.Payment.Status)
	assert.Equal(t, int64(500), r.Payment.AmountCents)
	assert.Equal(t, []string{notify.EventPendingPayment + ":s1"}, n.events())

	// pending holds the block
	_, err = svc.CreateReservation(context.Background(), request(15, 16), student2)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestCreateReservation_AtomicPreemption(t *testing.T) {
	svc, repo, n := newTestService(t)
	a := seed(t, svc, repo, student1, 9, 11, StatusConfirmed)
	b := seed(t, svc, repo, student2, 9, 10, StatusConfirmed)

	// fail the second write of the pre-emption
	var writes atomic.Int32
	repo.InjectWriteFailure(func(Reservation) error {
		if writes.Add(1) == 2 {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := svc.CreateReservation(context.Background(), request(9, 11), professor)
	assert.ErrorIs(t, err, ErrInternal)

	assert.Equal(t, StatusConfirmed, statusOf(t, repo, a.ID))
	assert.Equal(t, StatusConfirmed, statusOf(t, repo, b.ID))
	mine, err := repo.ListByUser(context.Background(), professor.UserID)
	require.NoError(t, err)
	assert.Empty(t, mine)
	assert.Empty(t, n.events())
}

func TestCreateReservation_RetriesLostRace(t *testing.T) {
	loc, err := timeblock.LoadLocation(timeblock.DefaultZone)
	require.NoError(t, err)
	mem := NewMemRepository(loc)
	racer := &racingRepo{MemRepository: mem}
	svc, _, _ := newTestServiceWithRepo(t, racer)
	racer.svc = svc

	// the first attempt loses to a concurrent student booking the same block,
	// the retry sees it and refuses
	_, err = svc.CreateReservation(context.Background(), request(9, 11), student1)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	// first attempt, the competing booking, the retry
	assert.Equal(t, int32(3), racer.calls.Load())

	all, err := mem.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, student2.UserID, all[0].UserID)
}

// racingRepo commits a competing reservation in the middle of the first transaction.
type racingRepo struct {
	*MemRepository
	svc   *Service
	calls atomic.Int32
}

func (r *racingRepo) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	if r.calls.Add(1) != 1 {
		return r.MemRepository.RunInTx(ctx, keys, fn)
	}
	return r.MemRepository.RunInTx(ctx, keys, func(ctx context.Context, tx Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		_, err := r.svc.CreateReservation(ctx, request(10, 11), student2)
		return err
	})
}

func TestCreateReservation_RetriesExhausted(t *testing.T) {
	svc, _, _ := newTestServiceWithRepo(t, conflictRepo{})

	_, err := svc.CreateReservation(context.Background(), request(9, 11), student1)
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrTxConflict)
}

// conflictRepo loses every race.
type conflictRepo struct{ Repository }

func (conflictRepo) RunInTx(context.Context, []string, func(context.Context, Tx) error) error {
	return ErrTxConflict
}

func (conflictRepo) InsertEvent(context.Context, EventLog) error { return nil }

func TestCreateReservation_Timeout(t *testing.T) {
	svc, repo, n := newTestServiceWithRepo(t, nil)
	svc.cfg.TxTimeout = 20 * time.Millisecond

	repo.InjectWriteFailure(func(Reservation) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	_, err := svc.CreateReservation(context.Background(), request(9, 11), student1)
	assert.ErrorIs(t, err, ErrInternal)

	all, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "a timed out transaction must not commit")
	assert.Empty(t, n.events())
}

func TestCreateReservation_NotificationFailureDoesNotFail(t *testing.T) {
	loc, err := timeblock.LoadLocation(timeblock.DefaultZone)
	require.NoError(t, err)
	repo := NewMemRepository(loc)

	d := notify.NewDispatcher(1, 1, failingSender{}, zap.NewNop())
	d.Start(context.Background())
	svc, err := NewService(repo, d, testConfig(), zap.NewNop())
	require.NoError(t, err)

	res, err := svc.CreateReservation(context.Background(), request(9, 11), student1)
	d.Close()

	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, statusOf(t, repo, res.Reservation.ID))
}

type failingSender struct{}

func (failingSender) Send(context.Context, notify.Message) error { return errors.New("smtp unreachable") }

func TestCreateReservation_ConcurrentSingleWinner(t *testing.T) {
	svc, repo, _ := newTestService(t)
	svc.cfg.MaxTxAttempts = 50
	svc.cfg.TxTimeout = 10 * time.Second

	const callers = 16
	var wg sync.WaitGroup
	var wins, refused atomic.Int32
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			who := auth.Identity{UserID: string(rune('a' + i)), Email: "x@uni.edu", Role: auth.RoleStudent}
			_, err := svc.CreateReservation(context.Background(), request(9, 11), who)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrSlotUnavailable):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), refused.Load())

	day, err := timeblock.ParseDay(testDate, svc.Location())
	require.NoError(t, err)
	all, err := repo.ListByLabAndRange(context.Background(), testLab, day)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetAvailability(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, svc, repo, student1, 9, 10, StatusConfirmed)
	seed(t, svc, repo, professor, 14, 16, StatusConfirmed)
	seed(t, svc, repo, student2, 7, 9, StatusCancelled)
	seed(t, svc, repo, student2, 16, 17, StatusPending)

	byLabel := func(slots []SlotAvailability) map[int]SlotAvailability {
		out := map[int]SlotAvailability{}
		for _, s := range slots {
			out[s.StartHour] = s
		}
		return out
	}

	studentView, err := svc.GetAvailability(context.Background(), testLab, testDate, auth.RoleStudent)
	require.NoError(t, err)
	require.Len(t, studentView, 5)
	sv := byLabel(studentView)

	assert.True(t, sv[7].Available, "cancelled reservations free the block")
	assert.False(t, sv[9].Available)
	assert.True(t, sv[9].OccupiedByStudent)
	assert.False(t, sv[9].OccupiedByProfessor)
	assert.True(t, sv[11].Available)
	assert.False(t, sv[14].Available)
	assert.True(t, sv[14].OccupiedByProfessor)
	assert.False(t, sv[16].Available, "pending reservations hold the block")

	profView, err := svc.GetAvailability(context.Background(), testLab, testDate, auth.RoleProfessor)
	require.NoError(t, err)
	pv := byLabel(profView)

	assert.True(t, pv[9].Available, "professors may take blocks held by students")
	assert.False(t, pv[14].Available)
	assert.True(t, pv[16].Available)

	// ordered as the catalogue
	for i, slot := range svc.Slots() {
		assert.Equal(t, slot.Label, studentView[i].Label)
	}
}

func TestGetAvailability_Idempotent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seed(t, svc, repo, student1, 9, 11, StatusConfirmed)

	first, err := svc.GetAvailability(context.Background(), testLab, testDate, auth.RoleStudent)
	require.NoError(t, err)
	second, err := svc.GetAvailability(context.Background(), testLab, testDate, auth.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Empty(t, repo.Events(), "availability must not write")
}

func TestGetAvailability_Errors(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetAvailability(context.Background(), "", testDate, auth.RoleStudent)
	assert.ErrorIs(t, err, ErrMissingParameter)
	_, err = svc.GetAvailability(context.Background(), testLab, "", auth.RoleStudent)
	assert.ErrorIs(t, err, ErrMissingParameter)
	_, err = svc.GetAvailability(context.Background(), testLab, "2024-5-1x", auth.RoleStudent)
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestGetAvailability_OtherDayAndLabIgnored(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreate(t, svc, student1, 9, 11)

	slots, err := svc.GetAvailability(context.Background(), testLab, "2024-05-11", auth.RoleStudent)
	require.NoError(t, err)
	for _, s := range slots {
		assert.True(t, s.Available)
	}

	slots, err = svc.GetAvailability(context.Background(), "lab-202", testDate, auth.RoleStudent)
	require.NoError(t, err)
	for _, s := range slots {
		assert.True(t, s.Available)
	}
}

func TestCancel(t *testing.T) {
	svc, repo, _ := newTestService(t)
	r := mustCreate(t, svc, student1, 9, 11)

	_, err := svc.Cancel(context.Background(), "missing", student1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Cancel(context.Background(), r.ID, student2)
	assert.ErrorIs(t, err, ErrForbidden)

	cancelled, err := svc.Cancel(context.Background(), r.ID, student1)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	again, err := svc.Cancel(context.Background(), r.ID, student1)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)

	// the block is free again
	mustCreate(t, svc, student2, 9, 11)
	assert.Equal(t, StatusCancelled, statusOf(t, repo, r.ID))
}

func TestCancel_ByAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := mustCreate(t, svc, student1, 9, 11)

	cancelled, err := svc.Cancel(context.Background(), r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestAdminUpdate_Revalidates(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := mustCreate(t, svc, student1, 7, 9)
	b := mustCreate(t, svc, student2, 9, 11)

	// overlapping B is refused, and never pre-empts
	_, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{StartHour: hours(8), EndHour: hours(10)})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, StatusConfirmed, statusOf(t, repo, b.ID))

	// overlapping only itself is fine
	updated, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{StartHour: hours(7), EndHour: hours(8)})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.StartHour)
	assert.Equal(t, 8, updated.EndHour)

	moved, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{StartHour: hours(11), EndHour: hours(13)})
	require.NoError(t, err)
	assert.Equal(t, 11, moved.StartHour)

	stored, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 13, stored.EndHour)
}

func TestAdminUpdate_StatusChangeRevalidates(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := mustCreate(t, svc, student1, 9, 11)
	_, err := svc.Cancel(context.Background(), a.ID, student1)
	require.NoError(t, err)
	mustCreate(t, svc, student2, 10, 12)

	confirmed := StatusConfirmed
	_, err = svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Status: &confirmed})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, StatusCancelled, statusOf(t, repo, a.ID))
}

func TestAdminUpdate_ReactivateClearsCancelledAt(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := mustCreate(t, svc, student1, 9, 11)
	_, err := svc.Cancel(context.Background(), a.ID, student1)
	require.NoError(t, err)

	confirmed := StatusConfirmed
	r, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Status: &confirmed})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Nil(t, r.CancelledAt)
}

func TestAdminUpdate_MoveToOtherDay(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := mustCreate(t, svc, student1, 9, 11)

	// the next day is busy at 9-10
	nextDay := "2024-05-11"
	_, err := svc.CreateReservation(context.Background(), CreateRequest{
		LaboratoryID: testLab, LaboratoryName: "Networks Lab", Date: nextDay,
		StartHour: hours(9), EndHour: hours(10),
	}, student2)
	require.NoError(t, err)

	_, err = svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Date: &nextDay})
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	otherLab := "lab-202"
	moved, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{LaboratoryID: &otherLab})
	require.NoError(t, err)
	assert.Equal(t, otherLab, moved.LaboratoryID)
}

func TestAdminUpdate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := mustCreate(t, svc, student1, 9, 11)

	bogus := Status("archived")
	_, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	badDate := "yesterday"
	_, err = svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Date: &badDate})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = svc.AdminUpdate(context.Background(), a.ID, AdminPatch{EndHour: hours(9)})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.AdminUpdate(context.Background(), "missing", AdminPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminUpdate_ReasonOnlySkipsOverlapCheck(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := seed(t, svc, repo, student1, 9, 11, StatusConfirmed)
	seed(t, svc, repo, student2, 9, 10, StatusConfirmed)

	reason := "thesis work"
	r, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, reason, r.Reason)
}

func TestAdminUpdate_ReloadsWhenMovedConcurrently(t *testing.T) {
	loc, err := timeblock.LoadLocation(timeblock.DefaultZone)
	require.NoError(t, err)
	mem := NewMemRepository(loc)
	mover := &movingRepo{MemRepository: mem, to: "2024-05-11"}
	svc, _, _ := newTestServiceWithRepo(t, mover)
	a := mustCreate(t, svc, student1, 9, 11)
	mover.target = a.ID
	mover.calls.Store(0)

	reason := "thesis work"
	r, err := svc.AdminUpdate(context.Background(), a.ID, AdminPatch{Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, reason, r.Reason)
	assert.Equal(t, "2024-05-11", r.Day(loc).ISODate())
	// the stale attempt and the reloaded one
	assert.Equal(t, int32(2), mover.calls.Load())
}

func TestCancel_ReloadsWhenMovedConcurrently(t *testing.T) {
	loc, err := timeblock.LoadLocation(timeblock.DefaultZone)
	require.NoError(t, err)
	mem := NewMemRepository(loc)
	mover := &movingRepo{MemRepository: mem, to: "2024-05-11"}
	svc, _, _ := newTestServiceWithRepo(t, mover)
	a := mustCreate(t, svc, student1, 9, 11)
	mover.target = a.ID
	mover.calls.Store(0)

	cancelled, err := svc.Cancel(context.Background(), a.ID, student1)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int32(2), mover.calls.Load())
}

// movingRepo relocates target to another day just before the first
// transaction that follows arming it.
type movingRepo struct {
	*MemRepository
	target string
	to     string
	calls  atomic.Int32
}

func (m *movingRepo) RunInTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	if m.calls.Add(1) == 1 && m.target != "" {
		day, err := timeblock.ParseDay(m.to, m.MemRepository.loc)
		if err != nil {
			return err
		}
		err = m.MemRepository.RunInTx(ctx, nil, func(ctx context.Context, tx Tx) error {
			r, err := tx.GetByID(ctx, m.target)
			if err != nil {
				return err
			}
			r.Date = day.Start
			return tx.Update(ctx, r)
		})
		if err != nil {
			return err
		}
	}
	return m.MemRepository.RunInTx(ctx, keys, fn)
}

func TestDelete(t *testing.T) {
	svc, repo, _ := newTestService(t)
	a := mustCreate(t, svc, student1, 9, 11)

	require.NoError(t, svc.Delete(context.Background(), a.ID))
	_, err := repo.GetByID(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, svc.Delete(context.Background(), a.ID), ErrNotFound)
}

func TestGetAndListByUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	late := mustCreate(t, svc, student1, 14, 16)
	early := mustCreate(t, svc, student1, 7, 9)
	mustCreate(t, svc, student2, 9, 11)

	mine, err := svc.ListByUser(context.Background(), student1.UserID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, early.ID, mine[0].ID)
	assert.Equal(t, late.ID, mine[1].ID)

	_, err = svc.Get(context.Background(), early.ID, student2)
	assert.ErrorIs(t, err, ErrForbidden)
	got, err := svc.Get(context.Background(), early.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, early.ID, got.ID)
}

func TestExpirePendingPayments(t *testing.T) {
	svc, repo, n := newTestService(t)

	req := request(9, 11)
	req.Kind = KindPremium
	res, err := svc.CreateReservation(context.Background(), req, student1)
	require.NoError(t, err)

	fresh := request(14, 16)
	fresh.Kind = KindPremium

	// not stale yet
	count, err := svc.ExpirePendingPayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.CreateReservation(context.Background(), fresh, student2)
	require.NoError(t, err)

	count, err = svc.ExpirePendingPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	r, err := repo.GetByID(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledPaymentFailed, r.Status)
	assert.Equal(t, PaymentFailed, r.Payment.Status)
	assert.Equal(t, "payment window expired", r.Payment.FailureReason)
	assert.Contains(t, n.events(), notify.EventPaymentExpired+":s1")

	// block is free again
	mustCreate(t, svc, student2, 9, 11)
}
