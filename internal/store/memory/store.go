package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"appointly/internal/domain"
	"appointly/internal/store"
)

// Store keeps everything in process. Calendar transactions are serialized by calMu and
// staged until fn returns, so a failing fn leaves no partial state behind.
type Store struct {
	calMu sync.Mutex

	mu           sync.RWMutex
	appointments map[uuid.UUID]domain.Appointment
	services     map[uuid.UUID]domain.Service
	overrides    map[string]domain.CalendarOverride
}

func New() *Store {
	return &Store{
		appointments: make(map[uuid.UUID]domain.Appointment),
		services:     make(map[uuid.UUID]domain.Service),
		overrides:    make(map[string]domain.CalendarOverride),
	}
}

var (
	_ store.AppointmentRepository      = (*Store)(nil)
	_ store.ServiceCatalog             = (*Store)(nil)
	_ store.CalendarOverrideRepository = (*Store)(nil)
)

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) InCalendarTransaction(ctx context.Context, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	s.calMu.Lock()
	defer s.calMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &calendarTx{s: s, staged: make(map[uuid.UUID]staged)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *calendarTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range tx.staged {
		cur, exists := s.appointments[id]
		if st.insert && exists {
			return store.ErrConflict
		}
		if !st.insert && (!exists || cur.Version != st.baseVersion) {
			return store.ErrVersionConflict
		}
	}

	merged := maps.Clone(s.appointments)
	for id, st := range tx.staged {
		merged[id] = st.appt
	}
	for id := range tx.staged {
		a := merged[id]
		if !a.Status.IsActive() {
			continue
		}
		for otherID, b := range merged {
			if otherID == id || !b.Status.IsActive() {
				continue
			}
			if a.Window().Overlaps(b.Window()) {
				return store.ErrConflict
			}
		}
	}

	for id, st := range tx.staged {
		s.appointments[id] = clone(st.appt)
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return clone(a), nil
}

func (s *Store) UpdateAppointment(ctx context.Context, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(expectedVersion, appt)
}

func (s *Store) updateLocked(expectedVersion int64, appt domain.Appointment) (domain.Appointment, error) {
	cur, ok := s.appointments[appt.ID]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return domain.Appointment{}, store.ErrVersionConflict
	}
	next := prepareUpdate(cur, appt, expectedVersion)
	if next.Status.IsActive() {
		for id, other := range s.appointments {
			if id != next.ID && other.Status.IsActive() && other.Window().Overlaps(next.Window()) {
				return domain.Appointment{}, store.ErrConflict
			}
		}
	}
	s.appointments[next.ID] = clone(next)
	return clone(next), nil
}

func (s *Store) ListActiveBetween(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	span := domain.TimeWindow{Start: windowStart, End: windowEnd}
	return s.filter(func(a domain.Appointment) bool {
		return a.Status.IsActive() && a.BufferedWindow().Overlaps(span)
	}), nil
}

func (s *Store) ListBetween(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	span := domain.TimeWindow{Start: windowStart, End: windowEnd}
	return s.filter(func(a domain.Appointment) bool {
		return a.Window().Overlaps(span)
	}), nil
}

func (s *Store) FindDueReminders(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.Appointment, error) {
	limit := now.Add(horizon)
	return s.filter(func(a domain.Appointment) bool {
		return a.Status.IsActive() && a.StartTime.After(now) && !a.StartTime.After(limit)
	}), nil
}

func (s *Store) MarkReminderSent(ctx context.Context, id uuid.UUID, tier domain.ReminderTier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.ReminderSent(tier) {
		return false, nil
	}
	a.RemindersSent = append(slices.Clone(a.RemindersSent), string(tier))
	a.UpdatedAt = time.Now().UTC()
	s.appointments[id] = a
	return true, nil
}

func (s *Store) RecordReminderFailure(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return store.ErrNotFound
	}
	a.ReminderFailures++
	s.appointments[id] = a
	return nil
}

func (s *Store) filter(keep func(domain.Appointment) bool) []domain.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Appointment, 0)
	for _, a := range s.appointments {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	sortByStart(out)
	return out
}

func (s *Store) GetService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return domain.Service{}, store.ErrNotFound
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context, activeOnly bool) ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Service, 0, len(s.services))
	for _, svc := range s.services {
		if activeOnly && !svc.Active {
			continue
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) PutService(ctx context.Context, svc domain.Service) (domain.Service, error) {
	if svc.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Service{}, err
		}
		svc.ID = id
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.services[svc.ID]; ok {
		svc.CreatedAt = prev.CreatedAt
	} else if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	s.services[svc.ID] = svc
	return svc, nil
}

func (s *Store) ListCalendarOverrides(ctx context.Context, from, to time.Time) ([]domain.CalendarOverride, error) {
	fromKey, toKey := from.Format(domain.DateLayout), to.Format(domain.DateLayout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CalendarOverride, 0)
	for key, o := range s.overrides {
		if key >= fromKey && key <= toKey {
			o.Intervals = slices.Clone(o.Intervals)
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) UpsertCalendarOverride(ctx context.Context, o domain.CalendarOverride) (domain.CalendarOverride, error) {
	now := time.Now().UTC()
	o.Intervals = slices.Clone(o.Intervals)
	if o.Intervals == nil {
		o.Intervals = []domain.ClockRange{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.overrides[o.DateKey()]; ok {
		o.CreatedAt = prev.CreatedAt
	} else {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.overrides[o.DateKey()] = o
	return o, nil
}

type staged struct {
	appt        domain.Appointment
	insert      bool
	baseVersion int64
}

type calendarTx struct {
	s      *Store
	staged map[uuid.UUID]staged
}

func (t *calendarTx) view() map[uuid.UUID]domain.Appointment {
	t.s.mu.RLock()
	out := maps.Clone(t.s.appointments)
	t.s.mu.RUnlock()
	for id, st := range t.staged {
		out[id] = st.appt
	}
	return out
}

func (t *calendarTx) FindActiveAppointmentsOverlapping(ctx context.Context, window domain.TimeWindow, excludeID uuid.UUID) ([]domain.Appointment, error) {
	out := make([]domain.Appointment, 0)
	for id, a := range t.view() {
		if id == excludeID || !a.Status.IsActive() {
			continue
		}
		if a.BufferedWindow().Overlaps(window) {
			out = append(out, clone(a))
		}
	}
	sortByStart(out)
	return out, nil
}

func (t *calendarTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if _, exists := t.view()[appt.ID]; exists {
		return domain.Appointment{}, store.ErrConflict
	}
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	appt.UpdatedAt = now
	appt.Version = 1
	if appt.RemindersSent == nil {
		appt.RemindersSent = []string{}
	}
	if appt.Notes == nil {
		appt.Notes = []domain.Note{}
	}
	appt = clone(appt)
	t.staged[appt.ID] = staged{appt: appt, insert: true}
	return clone(appt), nil
}

func (t *calendarTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	a, ok := t.view()[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return clone(a), nil
}

func (t *calendarTx) UpdateAppointment(ctx context.Context, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error) {
	cur, ok := t.view()[appt.ID]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return domain.Appointment{}, store.ErrVersionConflict
	}
	next := clone(prepareUpdate(cur, appt, expectedVersion))
	if prev, ok := t.staged[appt.ID]; ok {
		t.staged[appt.ID] = staged{appt: next, insert: prev.insert, baseVersion: prev.baseVersion}
	} else {
		t.staged[appt.ID] = staged{appt: next, baseVersion: expectedVersion}
	}
	return clone(next), nil
}

// prepareUpdate keeps the columns an update never touches.
func prepareUpdate(cur, next domain.Appointment, expectedVersion int64) domain.Appointment {
	next.CreatedAt = cur.CreatedAt
	next.RemindersSent = cur.RemindersSent
	next.ReminderFailures = cur.ReminderFailures
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	return next
}

func clone(a domain.Appointment) domain.Appointment {
	a.RemindersSent = slices.Clone(a.RemindersSent)
	a.Notes = slices.Clone(a.Notes)
	a.Metadata = maps.Clone(a.Metadata)
	if a.CancelledAt != nil {
		t := *a.CancelledAt
		a.CancelledAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		a.CompletedAt = &t
	}
	if a.Consents.AcceptedAt != nil {
		t := *a.Consents.AcceptedAt
		a.Consents.AcceptedAt = &t
	}
	return a
}

func sortByStart(as []domain.Appointment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].StartTime.Equal(as[j].StartTime) {
			return as[i].ID.String() < as[j].ID.String()
		}
		return as[i].StartTime.Before(as[j].StartTime)
	})
}
