package reservation

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/platform/metrics"
)

// =========== In-memory store ===========

// memStore backs all four repositories. WithTx holds the store mutex for the
// whole unit of work and restores a snapshot on error, which gives the same
// all-or-nothing semantics the database provides.
//
// Every transaction is fully serialized, so concurrency tests on this store
// check the engine's logic (one winner, coupling, rollback) but cannot catch
// a repository whose claim is not atomic in SQL. The conditional UPDATE and
// the lock statements of the pgx repositories are pinned by repo_pg_test.go.
type memStore struct {
	mu        sync.Mutex
	slots     map[uuid.UUID]Slot
	bookings  map[uuid.UUID]Booking
	ratings   map[uuid.UUID]Rating
	providers map[uuid.UUID]ProviderScore
	seq       int
	base      time.Time

	// recomputeErrs are returned, in order, by RecomputeMean before it
	// starts succeeding.
	recomputeErrs []error
	// beforeStaleDelete runs inside DeleteIfStale before the guard is checked.
	beforeStaleDelete func(id uuid.UUID)
	txCount           int
}

func newMemStore() *memStore {
	return &memStore{
		slots:     make(map[uuid.UUID]Slot),
		bookings:  make(map[uuid.UUID]Booking),
		ratings:   make(map[uuid.UUID]Rating),
		providers: make(map[uuid.UUID]ProviderScore),
		base:      time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

type memTxKey struct{}

type memSnapshot struct {
	slots     map[uuid.UUID]Slot
	bookings  map[uuid.UUID]Booking
	ratings   map[uuid.UUID]Rating
	providers map[uuid.UUID]ProviderScore
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	snap := memSnapshot{
		slots:     copyMap(s.slots),
		bookings:  copyMap(s.bookings),
		ratings:   copyMap(s.ratings),
		providers: copyMap(s.providers),
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.slots, s.bookings, s.ratings, s.providers = snap.slots, snap.bookings, snap.ratings, snap.providers
		return err
	}
	return nil
}

// lock takes the mutex unless ctx is already inside WithTx.
func (s *memStore) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) nextTime() time.Time {
	s.seq++
	return s.base.Add(time.Duration(s.seq) * time.Second)
}

func uuidLess(a, b uuid.UUID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// cursorAfter orders ascending by (At, ID).
func cursorAfter(c Cursor, at time.Time, id uuid.UUID) bool {
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return uuidLess(c.ID, id)
}

// =========== Slots ===========

type memSlots struct{ s *memStore }

func (m memSlots) LockProvider(ctx context.Context, providerID uuid.UUID) error { return nil }

func (m memSlots) HasOverlap(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error) {
	defer m.s.lock(ctx)()
	for _, sl := range m.s.slots {
		if sl.ProviderID == providerID && sl.Overlaps(start, end) {
			return true, nil
		}
	}
	return false, nil
}

func (m memSlots) Create(ctx context.Context, sl *Slot) error {
	defer m.s.lock(ctx)()
	if _, ok := m.s.providers[sl.ProviderID]; !ok {
		return ErrProviderNotFound
	}
	sl.ID = uuid.New()
	sl.Reserved = false
	sl.CreatedAt = m.s.nextTime()
	sl.UpdatedAt = sl.CreatedAt
	m.s.slots[sl.ID] = *sl
	return nil
}

func (m memSlots) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer m.s.lock(ctx)()
	sl, ok := m.s.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &sl, nil
}

func (m memSlots) hasBooking(id uuid.UUID) bool {
	for _, b := range m.s.bookings {
		if b.SlotID == id {
			return true
		}
	}
	return false
}

func (m memSlots) ListByProvider(ctx context.Context, providerID uuid.UUID, f SlotFilter, after *Cursor, limit int) ([]*Slot, error) {
	defer m.s.lock(ctx)()
	var out []*Slot
	for _, sl := range m.s.slots {
		if sl.ProviderID != providerID || sl.Start.Before(f.From) || (f.OnlyFree && sl.Reserved) {
			continue
		}
		if f.NeverBooked && m.hasBooking(sl.ID) {
			continue
		}
		if after != nil && !cursorAfter(*after, sl.Start, sl.ID) {
			continue
		}
		sl := sl
		out = append(out, &sl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return uuidLess(out[i].ID, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memSlots) Claim(ctx context.Context, id uuid.UUID) error {
	defer m.s.lock(ctx)()
	sl, ok := m.s.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	if sl.Reserved {
		return ErrAlreadyReserved
	}
	sl.Reserved = true
	m.s.slots[id] = sl
	return nil
}

func (m memSlots) Release(ctx context.Context, id uuid.UUID) error {
	defer m.s.lock(ctx)()
	sl, ok := m.s.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	sl.Reserved = false
	m.s.slots[id] = sl
	return nil
}

// deleteSlot removes the slot and cascades to its bookings and their ratings.
func (m memSlots) deleteSlot(id uuid.UUID) {
	delete(m.s.slots, id)
	for bid, b := range m.s.bookings {
		if b.SlotID != id {
			continue
		}
		delete(m.s.bookings, bid)
		for rid, r := range m.s.ratings {
			if r.BookingID == bid {
				delete(m.s.ratings, rid)
			}
		}
	}
}

func (m memSlots) DeleteIfStale(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	if hook := m.s.beforeStaleDelete; hook != nil {
		hook(id)
	}
	defer m.s.lock(ctx)()
	sl, ok := m.s.slots[id]
	if !ok || !sl.Stale(now) {
		return false, nil
	}
	m.deleteSlot(id)
	return true, nil
}

func (m memSlots) DeleteUnreserved(ctx context.Context, id, providerID uuid.UUID) error {
	defer m.s.lock(ctx)()
	sl, ok := m.s.slots[id]
	switch {
	case !ok:
		return ErrSlotNotFound
	case sl.ProviderID != providerID:
		return ErrForbidden
	case sl.Reserved:
		return ErrAlreadyReserved
	}
	m.deleteSlot(id)
	return nil
}

func (m memSlots) ListStale(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	defer m.s.lock(ctx)()
	var stale []Slot
	for _, sl := range m.s.slots {
		if sl.Stale(now) {
			stale = append(stale, sl)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].End.Equal(stale[j].End) {
			return stale[i].End.Before(stale[j].End)
		}
		return uuidLess(stale[i].ID, stale[j].ID)
	})
	var ids []uuid.UUID
	for i := 0; i < len(stale) && i < limit; i++ {
		ids = append(ids, stale[i].ID)
	}
	return ids, nil
}

// =========== Bookings ===========

type memBookings struct{ s *memStore }

// view joins a stored booking with its slot, as the SQL repository does.
func (m memBookings) view(b Booking) *Booking {
	sl := m.s.slots[b.SlotID]
	b.ProviderID = sl.ProviderID
	b.SlotStart = sl.Start
	b.SlotEnd = sl.End
	return &b
}

func (m memBookings) Create(ctx context.Context, b *Booking) error {
	defer m.s.lock(ctx)()
	if _, ok := m.s.slots[b.SlotID]; !ok {
		return ErrSlotNotFound
	}
	for _, other := range m.s.bookings {
		if other.SlotID == b.SlotID && other.Status != StatusCancelled {
			return ErrSlotConflict
		}
	}
	b.ID = uuid.New()
	b.CreatedAt = m.s.nextTime()
	b.UpdatedAt = b.CreatedAt
	m.s.bookings[b.ID] = *b
	*b = *m.view(*b)
	return nil
}

func (m memBookings) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	defer m.s.lock(ctx)()
	b, ok := m.s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return m.view(b), nil
}

func (m memBookings) LockForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return m.GetByID(ctx, id)
}

func (m memBookings) LockForShare(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return m.GetByID(ctx, id)
}

func (m memBookings) SetStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (time.Time, error) {
	defer m.s.lock(ctx)()
	b, ok := m.s.bookings[id]
	if !ok {
		return time.Time{}, ErrBookingNotFound
	}
	b.Status = status
	b.UpdatedAt = m.s.nextTime()
	m.s.bookings[id] = b
	return b.UpdatedAt, nil
}

func (m memBookings) ExistsForSlot(ctx context.Context, slotID uuid.UUID) (bool, error) {
	defer m.s.lock(ctx)()
	for _, b := range m.s.bookings {
		if b.SlotID == slotID {
			return true, nil
		}
	}
	return false, nil
}

func (m memBookings) list(ctx context.Context, match func(*Booking) bool, after *Cursor, limit int) ([]*Booking, error) {
	defer m.s.lock(ctx)()
	var out []*Booking
	for _, b := range m.s.bookings {
		v := m.view(b)
		if !match(v) {
			continue
		}
		if after != nil && !cursorAfter(Cursor{At: v.CreatedAt, ID: v.ID}, after.At, after.ID) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return uuidLess(out[j].ID, out[i].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memBookings) ListByClient(ctx context.Context, clientID uuid.UUID, after *Cursor, limit int) ([]*Booking, error) {
	return m.list(ctx, func(b *Booking) bool { return b.ClientID == clientID }, after, limit)
}

func (m memBookings) ListByProvider(ctx context.Context, providerID uuid.UUID, after *Cursor, limit int) ([]*Booking, error) {
	return m.list(ctx, func(b *Booking) bool { return b.ProviderID == providerID }, after, limit)
}

// =========== Ratings ===========

type memRatings struct{ s *memStore }

func (m memRatings) Create(ctx context.Context, r *Rating) error {
	defer m.s.lock(ctx)()
	for _, other := range m.s.ratings {
		if other.BookingID == r.BookingID {
			return ErrConflict
		}
	}
	if r.Score < MinScore || r.Score > MaxScore {
		return ErrInvalidInput
	}
	r.ID = uuid.New()
	r.CreatedAt = m.s.nextTime()
	m.s.ratings[r.ID] = *r
	return nil
}

func (m memRatings) ExistsForBooking(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	defer m.s.lock(ctx)()
	for _, r := range m.s.ratings {
		if r.BookingID == bookingID {
			return true, nil
		}
	}
	return false, nil
}

func (m memRatings) ListByProvider(ctx context.Context, providerID uuid.UUID, after *Cursor, limit int) ([]*Rating, error) {
	defer m.s.lock(ctx)()
	var out []*Rating
	for _, r := range m.s.ratings {
		if r.ProviderID != providerID {
			continue
		}
		if after != nil && !cursorAfter(Cursor{At: r.CreatedAt, ID: r.ID}, after.At, after.ID) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return uuidLess(out[j].ID, out[i].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =========== Providers ===========

type memProviders struct{ s *memStore }

func (m memProviders) Ensure(ctx context.Context, id uuid.UUID) error {
	defer m.s.lock(ctx)()
	if _, ok := m.s.providers[id]; !ok {
		m.s.providers[id] = ProviderScore{ProviderID: id, UpdatedAt: m.s.nextTime()}
	}
	return nil
}

func (m memProviders) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	defer m.s.lock(ctx)()
	if _, ok := m.s.providers[id]; !ok {
		return ErrProviderNotFound
	}
	return nil
}

func (m memProviders) GetScore(ctx context.Context, id uuid.UUID) (*ProviderScore, error) {
	defer m.s.lock(ctx)()
	p, ok := m.s.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m memProviders) RecomputeMean(ctx context.Context, id uuid.UUID) (*ProviderScore, error) {
	defer m.s.lock(ctx)()
	if len(m.s.recomputeErrs) > 0 {
		err := m.s.recomputeErrs[0]
		m.s.recomputeErrs = m.s.recomputeErrs[1:]
		return nil, err
	}
	p, ok := m.s.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	sum, n := 0, 0
	for _, r := range m.s.ratings {
		if r.ProviderID == id {
			sum += r.Score
			n++
		}
	}
	p.MeanScore = 0
	if n > 0 {
		p.MeanScore = math.Round(float64(sum)/float64(n)*100) / 100
	}
	p.RatingCount = n
	p.UpdatedAt = m.s.nextTime()
	m.s.providers[id] = p
	return &p, nil
}

// =========== Engine fixture ===========

type engine struct {
	store     *memStore
	slots     *SlotStore
	bookings  *BookingManager
	ratings   *RatingAggregator
	reclaimer *Reclaimer
	svc       *Service
	reg       *prometheus.Registry
}

func newEngine(t *testing.T, policy RebookPolicy) *engine {
	t.Helper()
	store := newMemStore()
	reg := prometheus.NewRegistry()
	m := metrics.NewReservationMetrics(reg)
	logger := zerolog.Nop()

	slots := NewSlotStore(store, memSlots{store}, memProviders{store}, policy)
	slots.pageSize = 2
	bookings := NewBookingManager(store, slots, memBookings{store}, policy, m, logger)
	bookings.pageSize = 2
	ratings := NewRatingAggregator(store, memBookings{store}, memRatings{store}, memProviders{store}, m, logger)
	ratings.pageSize = 2
	reclaimer := NewReclaimer(slots, 2, m, logger)

	return &engine{
		store:     store,
		slots:     slots,
		bookings:  bookings,
		ratings:   ratings,
		reclaimer: reclaimer,
		svc:       NewService(slots, bookings, ratings),
		reg:       reg,
	}
}

// at returns a fixed wall-clock instant on 2025-08-11.
func at(hour, minute int) time.Time {
	return time.Date(2025, 8, 11, hour, minute, 0, 0, time.UTC)
}

func (e *engine) mustSlot(t *testing.T, providerID uuid.UUID, start, end time.Time) *Slot {
	t.Helper()
	sl, err := e.slots.CreateSlot(context.Background(), providerID, start, end)
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	return sl
}

func (e *engine) mustBook(t *testing.T, slotID, clientID uuid.UUID) *Booking {
	t.Helper()
	b, err := e.bookings.Create(context.Background(), slotID, clientID, nil)
	if err != nil {
		t.Fatalf("Create booking: %v", err)
	}
	return b
}

func (e *engine) slot(t *testing.T, id uuid.UUID) Slot {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	sl, ok := e.store.slots[id]
	if !ok {
		t.Fatalf("slot %s not found", id)
	}
	return sl
}

// assertCoupling checks that every slot is reserved exactly when it has one
// Confirmed or Completed booking.
func (e *engine) assertCoupling(t *testing.T) {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	active := make(map[uuid.UUID]int)
	for _, b := range e.store.bookings {
		if b.Status.Active() {
			active[b.SlotID]++
		}
	}
	for id, sl := range e.store.slots {
		if active[id] > 1 {
			t.Errorf("slot %s has %d active bookings", id, active[id])
		}
		if sl.Reserved != (active[id] == 1) {
			t.Errorf("slot %s reserved=%v but has %d active bookings", id, sl.Reserved, active[id])
		}
	}
}

func zeroLogger() zerolog.Logger { return zerolog.Nop() }
