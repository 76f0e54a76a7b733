package domain

import (
	"errors"
	"testing"
	"time"
)

func newScheduled(t *testing.T) Appointment {
	t.Helper()
	a := Appointment{
		Status:    StatusScheduled,
		StartTime: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC),
	}
	if err := a.IssueTokens(); err != nil {
		t.Fatalf("IssueTokens error: %v", err)
	}
	return a
}

func TestIssueTokens_DistinctAndLongEnough(t *testing.T) {
	a := newScheduled(t)
	toks := []string{a.ConfirmationToken, a.CancellationToken, a.RescheduleToken}
	seen := map[string]bool{}
	for _, tok := range toks {
		if len(tok) < 22 {
			t.Fatalf("token %q too short for 128 bits", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestTokenMatches(t *testing.T) {
	if TokenMatches("", "") {
		t.Fatalf("empty tokens must never match")
	}
	if TokenMatches("abc", "abd") {
		t.Fatalf("different tokens matched")
	}
	if !TokenMatches("abc", "abc") {
		t.Fatalf("equal tokens did not match")
	}
}

func TestConfirm_ClearsTokenAndRejectsReplay(t *testing.T) {
	a := newScheduled(t)
	tok := a.ConfirmationToken

	if err := a.Confirm(tok); err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if a.Status != StatusConfirmed {
		t.Fatalf("status = %q, want %q", a.Status, StatusConfirmed)
	}
	if a.ConfirmationToken != "" {
		t.Fatalf("confirmation token not cleared")
	}
	if err := a.Confirm(tok); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("replay err = %v, want %v", err, ErrTokenMismatch)
	}
}

func TestConfirm_CancelledIsInvalidTransition(t *testing.T) {
	a := newScheduled(t)
	tok := a.ConfirmationToken
	if err := a.Cancel(a.CancellationToken, "", time.Now()); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if err := a.Confirm(tok); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want %v", err, ErrInvalidTransition)
	}
}

func TestCancel_TwiceIsInvalidTransition(t *testing.T) {
	a := newScheduled(t)
	now := time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)

	if err := a.Cancel(a.CancellationToken, "travel", now); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if a.Status != StatusCancelled || a.CancelledAt == nil {
		t.Fatalf("status = %q cancelled_at = %v", a.Status, a.CancelledAt)
	}
	if len(a.Notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(a.Notes))
	}
	if err := a.Cancel(a.CancellationToken, "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want %v", err, ErrInvalidTransition)
	}
}

func TestCancel_WrongToken(t *testing.T) {
	a := newScheduled(t)
	if err := a.Cancel("nope", "", time.Now()); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("err = %v, want %v", err, ErrTokenMismatch)
	}
	if a.Status != StatusScheduled {
		t.Fatalf("status changed to %q", a.Status)
	}
}

func TestReschedule_ReturnsToScheduledWithFreshConfirmationToken(t *testing.T) {
	a := newScheduled(t)
	if err := a.Confirm(a.ConfirmationToken); err != nil {
		t.Fatalf("Confirm error: %v", err)
	}

	w := TimeWindow{
		Start: time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC),
	}
	if err := a.Reschedule(w, "client", time.Now()); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if a.Status != StatusScheduled {
		t.Fatalf("status = %q, want %q", a.Status, StatusScheduled)
	}
	if a.ConfirmationToken == "" {
		t.Fatalf("expected a fresh confirmation token")
	}
	if !a.StartTime.Equal(w.Start) || !a.EndTime.Equal(w.End) {
		t.Fatalf("window = %v-%v, want %v-%v", a.StartTime, a.EndTime, w.Start, w.End)
	}
	if a.RescheduleCount != 1 {
		t.Fatalf("reschedule count = %d, want 1", a.RescheduleCount)
	}
}

func TestReschedule_Rejections(t *testing.T) {
	t.Run("terminal", func(t *testing.T) {
		a := newScheduled(t)
		a.Status = StatusCompleted
		w := TimeWindow{Start: a.StartTime, End: a.EndTime}
		if err := a.Reschedule(w, "", time.Now()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want %v", err, ErrInvalidTransition)
		}
	})
	t.Run("too short", func(t *testing.T) {
		a := newScheduled(t)
		w := TimeWindow{Start: a.StartTime, End: a.StartTime.Add(10 * time.Minute)}
		if err := a.Reschedule(w, "", time.Now()); !errors.Is(err, ErrWindowTooShort) {
			t.Fatalf("err = %v, want %v", err, ErrWindowTooShort)
		}
	})
}

func TestComplete(t *testing.T) {
	a := newScheduled(t)

	if err := a.Complete("", a.EndTime.Add(-time.Minute)); !errors.Is(err, ErrWindowNotEnded) {
		t.Fatalf("early complete err = %v, want %v", err, ErrWindowNotEnded)
	}
	if err := a.Complete("went well", a.EndTime); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if a.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", a.Status, StatusCompleted)
	}
	if a.CancellationToken != "" || a.RescheduleToken != "" {
		t.Fatalf("tokens must be cleared on completion")
	}
	if err := a.MarkNoShow(a.EndTime.Add(time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("no-show after completion err = %v, want %v", err, ErrInvalidTransition)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusConfirmed, true},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusConfirmed, StatusCompleted, true},
		{StatusRescheduled, StatusScheduled, true},
		{StatusCancelled, StatusScheduled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusNoShow, StatusConfirmed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
