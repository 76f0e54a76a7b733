package reminders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"appointly/internal/domain"
	"appointly/internal/store"
	"appointly/internal/store/memory"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	sent  map[string]int
	fail  func(appt domain.Appointment, tier domain.ReminderTier) error
	delay time.Duration
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(map[string]int)}
}

func (d *fakeDispatcher) SendReminder(ctx context.Context, appt domain.Appointment, svc domain.Service, tier domain.ReminderTier) error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(appt, tier); err != nil {
			return err
		}
	}
	d.sent[appt.ID.String()+":"+string(tier)]++
	return nil
}

func (d *fakeDispatcher) count(id uuid.UUID, tier domain.ReminderTier) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[id.String()+":"+string(tier)]
}

type harness struct {
	store      *memory.Store
	service    domain.Service
	dispatcher *fakeDispatcher
	scheduler  *Scheduler
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	svc, err := st.PutService(context.Background(), domain.Service{Name: "Call", ConsultationDurationMinutes: 60, Active: true})
	if err != nil {
		t.Fatalf("PutService error: %v", err)
	}
	h := &harness{
		store:      st,
		service:    svc,
		dispatcher: newFakeDispatcher(),
		now:        time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	h.scheduler = NewScheduler(st, st, h.dispatcher, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Clock: func() time.Time { return h.now },
	})
	return h
}

func (h *harness) book(t *testing.T, start time.Time) domain.Appointment {
	t.Helper()
	var out domain.Appointment
	err := h.store.InCalendarTransaction(context.Background(), func(ctx context.Context, tx store.CalendarTx) error {
		var err error
		out, err = tx.InsertAppointment(ctx, domain.Appointment{
			ServiceID: h.service.ID,
			Client:    domain.ClientSnapshot{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
			StartTime: start,
			EndTime:   start.Add(time.Hour),
			Status:    domain.StatusScheduled,
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert error: %v", err)
	}
	return out
}

func TestDueForReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	soon := h.book(t, h.now.Add(90*time.Minute))
	tomorrow := h.book(t, h.now.Add(24*time.Hour))
	h.book(t, h.now.Add(72*time.Hour))
	cancelled := h.book(t, h.now.Add(30*time.Hour))
	cancelled.Status = domain.StatusCancelled
	if _, err := h.store.UpdateAppointment(ctx, cancelled.Version, cancelled); err != nil {
		t.Fatalf("UpdateAppointment error: %v", err)
	}

	due, err := h.scheduler.DueForReminders(ctx, h.now)
	if err != nil {
		t.Fatalf("DueForReminders error: %v", err)
	}
	want := map[uuid.UUID]domain.ReminderTier{soon.ID: domain.ReminderTwoHours, tomorrow.ID: domain.ReminderTwoDays}
	if len(due) != len(want) {
		t.Fatalf("due = %+v", due)
	}
	for _, d := range due {
		if want[d.Appointment.ID] != d.Tier {
			t.Fatalf("due %s tier %q, want %q", d.Appointment.ID, d.Tier, want[d.Appointment.ID])
		}
	}
}

func TestRunOnce_DispatchFailureIsNotRecordedAndRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.book(t, h.now.Add(24*time.Hour))

	h.dispatcher.fail = func(domain.Appointment, domain.ReminderTier) error { return errors.New("smtp down") }
	res, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res != (Result{SentCount: 0, FailedCount: 1, TotalDue: 1}) {
		t.Fatalf("result = %+v", res)
	}
	got, err := h.store.GetAppointment(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAppointment error: %v", err)
	}
	if len(got.RemindersSent) != 0 || got.ReminderFailures != 1 {
		t.Fatalf("after failure: sent=%v failures=%d", got.RemindersSent, got.ReminderFailures)
	}
	if n := h.scheduler.Failures(a.ID); n != 1 {
		t.Fatalf("Failures = %d, want 1", n)
	}

	h.dispatcher.fail = nil
	res, err = h.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res != (Result{SentCount: 1, FailedCount: 0, TotalDue: 1}) {
		t.Fatalf("retry result = %+v", res)
	}

	res, err = h.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res.TotalDue != 0 {
		t.Fatalf("third run due = %d, want 0", res.TotalDue)
	}
	if n := h.dispatcher.count(a.ID, domain.ReminderTwoDays); n != 1 {
		t.Fatalf("dispatches = %d, want 1", n)
	}
}

func TestRunOnce_EachTierExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.now.Add(40 * time.Hour)
	a := h.book(t, start)

	for i := 0; i < 3; i++ {
		if _, err := h.scheduler.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce error: %v", err)
		}
	}
	h.now = start.Add(-90 * time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := h.scheduler.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce error: %v", err)
		}
	}

	if n := h.dispatcher.count(a.ID, domain.ReminderTwoDays); n != 1 {
		t.Fatalf("2-days dispatches = %d, want 1", n)
	}
	if n := h.dispatcher.count(a.ID, domain.ReminderTwoHours); n != 1 {
		t.Fatalf("2-hours dispatches = %d, want 1", n)
	}
	got, err := h.store.GetAppointment(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAppointment error: %v", err)
	}
	if len(got.RemindersSent) != 2 {
		t.Fatalf("reminders sent = %v", got.RemindersSent)
	}
}

func TestRunOnce_OverlappingRunsDispatchOnce(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.delay = 2 * time.Millisecond

	var booked []domain.Appointment
	for i := 0; i < 8; i++ {
		booked = append(booked, h.book(t, h.now.Add(time.Duration(3+i)*time.Hour)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.scheduler.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce error: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, a := range booked {
		if n := h.dispatcher.count(a.ID, domain.ReminderTwoDays); n != 1 {
			t.Fatalf("appointment %s dispatched %d times, want 1", a.ID, n)
		}
	}
}

func TestRunOnce_FailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := h.book(t, h.now.Add(5*time.Hour))
	h.book(t, h.now.Add(6*time.Hour))
	h.book(t, h.now.Add(7*time.Hour))

	h.dispatcher.fail = func(appt domain.Appointment, _ domain.ReminderTier) error {
		if appt.ID == bad.ID {
			return errors.New("mailbox unavailable")
		}
		return nil
	}
	res, err := h.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res != (Result{SentCount: 2, FailedCount: 1, TotalDue: 3}) {
		t.Fatalf("result = %+v", res)
	}
}

func TestLocalClaimer(t *testing.T) {
	ctx := context.Background()
	c := NewLocalClaimer(time.Minute)
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ok, err := c.Claim(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ := c.Claim(ctx, "k"); ok {
		t.Fatalf("second claim should fail while held")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := c.Claim(ctx, "k"); !ok {
		t.Fatalf("expired claim should be reclaimable")
	}
	if err := c.Release(ctx, "k"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if ok, _ := c.Claim(ctx, "k"); !ok {
		t.Fatalf("released claim should be reclaimable")
	}
}
