package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"appointly/internal/domain"
	"appointly/internal/store"
)

func appt(start time.Time, d time.Duration) domain.Appointment {
	return domain.Appointment{
		ID:        uuid.New(),
		ServiceID: uuid.New(),
		StartTime: start,
		EndTime:   start.Add(d),
		Status:    domain.StatusScheduled,
	}
}

func insert(t *testing.T, s *Store, a domain.Appointment) domain.Appointment {
	t.Helper()
	var out domain.Appointment
	err := s.InCalendarTransaction(context.Background(), func(ctx context.Context, tx store.CalendarTx) error {
		var err error
		out, err = tx.InsertAppointment(ctx, a)
		return err
	})
	if err != nil {
		t.Fatalf("insert error: %v", err)
	}
	return out
}

func TestInCalendarTransaction_RollsBackOnError(t *testing.T) {
	s := New()
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := s.InCalendarTransaction(context.Background(), func(ctx context.Context, tx store.CalendarTx) error {
		if _, err := tx.InsertAppointment(ctx, appt(start, time.Hour)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	rows, _ := s.ListBetween(context.Background(), start.Add(-time.Hour), start.Add(2*time.Hour))
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rollback, got %d", len(rows))
	}
}

func TestInCalendarTransaction_OverlapBackstop(t *testing.T) {
	s := New()
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	insert(t, s, appt(start, time.Hour))

	err := s.InCalendarTransaction(context.Background(), func(ctx context.Context, tx store.CalendarTx) error {
		_, err := tx.InsertAppointment(ctx, appt(start.Add(30*time.Minute), time.Hour))
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want %v", err, store.ErrConflict)
	}

	adjacent := appt(start.Add(time.Hour), time.Hour)
	insert(t, s, adjacent)

	cancelled := appt(start, time.Hour)
	cancelled.Status = domain.StatusCancelled
	insert(t, s, cancelled)
}

func TestFindActiveAppointmentsOverlapping(t *testing.T) {
	s := New()
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	a := appt(start, time.Hour)
	a.BufferAfterMinutes = 15
	a = insert(t, s, a)

	err := s.InCalendarTransaction(context.Background(), func(ctx context.Context, tx store.CalendarTx) error {
		got, err := tx.FindActiveAppointmentsOverlapping(ctx, domain.TimeWindow{Start: start.Add(time.Hour), End: start.Add(2 * time.Hour)}, uuid.Nil)
		if err != nil {
			return err
		}
		if len(got) != 1 {
			t.Fatalf("buffer should block, got %d", len(got))
		}
		got, _ = tx.FindActiveAppointmentsOverlapping(ctx, a.Window(), a.ID)
		if len(got) != 0 {
			t.Fatalf("excluded id still returned")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func TestUpdateAppointment_Version(t *testing.T) {
	s := New()
	a := insert(t, s, appt(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), time.Hour))
	if a.Version != 1 {
		t.Fatalf("version = %d, want 1", a.Version)
	}

	a.Status = domain.StatusConfirmed
	updated, err := s.UpdateAppointment(context.Background(), 1, a)
	if err != nil {
		t.Fatalf("UpdateAppointment error: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}

	a.Status = domain.StatusCancelled
	if _, err := s.UpdateAppointment(context.Background(), 1, a); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("err = %v, want %v", err, store.ErrVersionConflict)
	}

	missing := appt(time.Now(), time.Hour)
	if _, err := s.UpdateAppointment(context.Background(), 1, missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestMarkReminderSent_ExactlyOnceUnderContention(t *testing.T) {
	s := New()
	a := insert(t, s, appt(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC), time.Hour))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkReminderSent(context.Background(), a.ID, domain.ReminderTwoDays)
			if err != nil {
				t.Errorf("MarkReminderSent error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}

	got, _ := s.GetAppointment(context.Background(), a.ID)
	if len(got.RemindersSent) != 1 || got.Version != a.Version {
		t.Fatalf("reminders=%v version=%d", got.RemindersSent, got.Version)
	}
}

func TestFindDueReminders(t *testing.T) {
	s := New()
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	soon := insert(t, s, appt(now.Add(time.Hour), time.Hour))
	insert(t, s, appt(now.Add(72*time.Hour), time.Hour))
	past := appt(now.Add(-3*time.Hour), time.Hour)
	insert(t, s, past)

	due, err := s.FindDueReminders(context.Background(), now, domain.ReminderHorizon)
	if err != nil {
		t.Fatalf("FindDueReminders error: %v", err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Fatalf("due = %+v", due)
	}
}

func TestCalendarOverrides(t *testing.T) {
	s := New()
	ctx := context.Background()
	day := time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC)
	if _, err := s.UpsertCalendarOverride(ctx, domain.CalendarOverride{Date: day, Intervals: []domain.ClockRange{{StartMinute: 600, EndMinute: 720}}}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if _, err := s.UpsertCalendarOverride(ctx, domain.CalendarOverride{Date: day, Closed: true}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	got, err := s.ListCalendarOverrides(ctx, day.AddDate(0, 0, -1), day)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 1 || !got[0].Closed {
		t.Fatalf("overrides = %+v", got)
	}
}
