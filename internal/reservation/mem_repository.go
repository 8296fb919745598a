package reservation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labdesk/lab-reservations/internal/timeblock"
)

// MemRepository is an in-process store with optimistic transactions. Every
// document and every (laboratory, day) partition carries a version; a
// transaction records the versions it read and its commit fails with
// ErrTxConflict if any of them moved.
type MemRepository struct {
	loc *time.Location

	mu       sync.Mutex
	docs     map[string]Reservation
	docVer   map[string]uint64
	partVer  map[string]uint64
	events   []EventLog
	nextEvID int64

	writeHook func(Reservation) error
}

func NewMemRepository(loc *time.Location) *MemRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &MemRepository{
		loc:     loc,
		docs:    make(map[string]Reservation),
		docVer:  make(map[string]uint64),
		partVer: make(map[string]uint64),
	}
}

// InjectWriteFailure makes every staged Insert or Update consult fn first.
// A non-nil error aborts the write and with it the transaction.
func (m *MemRepository) InjectWriteFailure(fn func(Reservation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = fn
}

func (m *MemRepository) GetByID(_ context.Context, id string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.clone()
	return &c, nil
}

func (m *MemRepository) ListByLabAndRange(_ context.Context, laboratoryID string, day timeblock.DayRange) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reservation
	for _, r := range m.docs {
		if r.LaboratoryID == laboratoryID && day.Contains(r.Date) {
			out = append(out, r.clone())
		}
	}
	sortByDateAndHour(out)
	return out, nil
}

func (m *MemRepository) ListByUser(_ context.Context, userID string) ([]Reservation, error) {
	return m.filter(func(r *Reservation) bool { return r.UserID == userID }), nil
}

func (m *MemRepository) ListAll(_ context.Context) ([]Reservation, error) {
	return m.filter(func(*Reservation) bool { return true }), nil
}

func (m *MemRepository) FindStalePending(_ context.Context, createdBefore time.Time) ([]Reservation, error) {
	return m.filter(func(r *Reservation) bool {
		return r.Status == StatusPending && r.Kind == KindPremium && r.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *MemRepository) filter(keep func(*Reservation) bool) []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reservation
	for _, r := range m.docs {
		if keep(&r) {
			out = append(out, r.clone())
		}
	}
	sortByDateAndHour(out)
	return out
}

func (m *MemRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	m.docVer[id]++
	m.partVer[r.PartitionKey(m.loc)]++
	return nil
}

func (m *MemRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvID++
	ev.ID = m.nextEvID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (m *MemRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventLog(nil), m.events...)
}

// RunInTx stages writes in a private transaction and validates the read set
// at commit. keys are not needed for locking here; conflicts are detected.
func (m *MemRepository) RunInTx(ctx context.Context, _ []string, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		repo:      m,
		readDocs:  make(map[string]uint64),
		readParts: make(map[string]uint64),
		staged:    make(map[string]Reservation),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemRepository) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, v := range tx.readDocs {
		if m.docVer[id] != v {
			return fmt.Errorf("%w: reservation %s changed", ErrTxConflict, id)
		}
	}
	for key, v := range tx.readParts {
		if m.partVer[key] != v {
			return fmt.Errorf("%w: partition %s changed", ErrTxConflict, key)
		}
	}

	for _, id := range tx.order {
		r := tx.staged[id]
		if old, ok := m.docs[id]; ok {
			m.partVer[old.PartitionKey(m.loc)]++
		} else if tx.inserted[id] && m.docVer[id] != 0 {
			return fmt.Errorf("%w: duplicate id %s", ErrTxConflict, id)
		}
		m.docs[id] = r
		m.docVer[id]++
		m.partVer[r.PartitionKey(m.loc)]++
	}
	return nil
}

type memTx struct {
	repo      *MemRepository
	readDocs  map[string]uint64
	readParts map[string]uint64
	staged    map[string]Reservation
	inserted  map[string]bool
	order     []string
}

func (t *memTx) ListActive(_ context.Context, laboratoryID string, day timeblock.DayRange) ([]Reservation, error) {
	key := timeblock.PartitionKey(laboratoryID, day)

	t.repo.mu.Lock()
	if _, seen := t.readParts[key]; !seen {
		t.readParts[key] = t.repo.partVer[key]
	}
	var base []Reservation
	for _, r := range t.repo.docs {
		if r.LaboratoryID == laboratoryID && day.Contains(r.Date) {
			base = append(base, r.clone())
		}
	}
	t.repo.mu.Unlock()

	// read-your-writes: staged versions replace what the store holds
	var out []Reservation
	for _, r := range base {
		if _, ok := t.staged[r.ID]; ok {
			continue
		}
		if r.Status.Active() {
			out = append(out, r)
		}
	}
	for _, id := range t.order {
		r := t.staged[id]
		if r.LaboratoryID == laboratoryID && day.Contains(r.Date) && r.Status.Active() {
			out = append(out, r.clone())
		}
	}
	sortByDateAndHour(out)
	return out, nil
}

func (t *memTx) GetByID(_ context.Context, id string) (*Reservation, error) {
	if r, ok := t.staged[id]; ok {
		c := r.clone()
		return &c, nil
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	r, ok := t.repo.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if _, seen := t.readDocs[id]; !seen {
		t.readDocs[id] = t.repo.docVer[id]
	}
	c := r.clone()
	return &c, nil
}

func (t *memTx) Insert(_ context.Context, r *Reservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	if err := t.checkHook(r); err != nil {
		return err
	}
	if t.inserted == nil {
		t.inserted = make(map[string]bool)
	}
	t.inserted[r.ID] = true
	t.stage(r)
	return nil
}

func (t *memTx) Update(ctx context.Context, r *Reservation) error {
	if _, ok := t.staged[r.ID]; !ok {
		if _, err := t.GetByID(ctx, r.ID); err != nil {
			return err
		}
	}
	r.UpdatedAt = time.Now()

	if err := t.checkHook(r); err != nil {
		return err
	}
	t.stage(r)
	return nil
}

func (t *memTx) checkHook(r *Reservation) error {
	t.repo.mu.Lock()
	hook := t.repo.writeHook
	t.repo.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(r.clone())
}

func (t *memTx) stage(r *Reservation) {
	if _, ok := t.staged[r.ID]; !ok {
		t.order = append(t.order, r.ID)
	}
	t.staged[r.ID] = r.clone()
}
