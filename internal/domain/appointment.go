package domain

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusRescheduled Status = "rescheduled"
	StatusCancelled   Status = "cancelled"
	StatusCompleted   Status = "completed"
	StatusNoShow      Status = "no_show"
)

// ActiveStatuses are the statuses that occupy the calendar.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed}

func (s Status) IsActive() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

var transitions = map[Status][]Status{
	StatusScheduled:   {StatusConfirmed, StatusRescheduled, StatusCancelled, StatusCompleted, StatusNoShow},
	StatusConfirmed:   {StatusCompleted, StatusRescheduled, StatusCancelled, StatusNoShow},
	StatusRescheduled: {StatusScheduled},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

var (
	ErrTokenMismatch     = errors.New("token mismatch")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrWindowNotEnded    = errors.New("appointment window has not ended")
	ErrWindowTooShort    = errors.New("appointment window shorter than minimum duration")
)

type ClientSnapshot struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

func (c ClientSnapshot) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type Consents struct {
	GDPRAccepted      bool       `json:"gdprAccepted"`
	MarketingAccepted bool       `json:"marketingAccepted"`
	AcceptedAt        *time.Time `json:"acceptedAt,omitempty"`
}

// ProjectIntake is the closed set of intake answers collected at booking time.
type ProjectIntake struct {
	ProjectType      string `json:"projectType,omitempty"`
	BudgetRange      string `json:"budgetRange,omitempty"`
	Timeline         string `json:"timeline,omitempty"`
	Company          string `json:"company,omitempty"`
	Website          string `json:"website,omitempty"`
	PreferredContact string `json:"preferredContact,omitempty"`
}

type Note struct {
	Content string    `json:"content"`
	AddedAt time.Time `json:"addedAt"`
	AddedBy string    `json:"addedBy,omitempty"`
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                  uuid.UUID         `bun:"id,pk,type:uuid" json:"id"`
	ServiceID           uuid.UUID         `bun:"service_id,notnull,type:uuid" json:"serviceId"`
	Client              ClientSnapshot    `bun:"client,type:jsonb,notnull" json:"client"`
	StartTime           time.Time         `bun:"start_time,notnull" json:"startTime"`
	EndTime             time.Time         `bun:"end_time,notnull" json:"endTime"`
	BufferBeforeMinutes int               `bun:"buffer_before_minutes,notnull" json:"-"`
	BufferAfterMinutes  int               `bun:"buffer_after_minutes,notnull" json:"-"`
	Status              Status            `bun:"status,notnull" json:"status"`
	ConfirmationToken   string            `bun:"confirmation_token,nullzero" json:"-"`
	CancellationToken   string            `bun:"cancellation_token,nullzero" json:"-"`
	RescheduleToken     string            `bun:"reschedule_token,nullzero" json:"-"`
	RemindersSent       []string          `bun:"reminders_sent,array,notnull" json:"remindersSent"`
	ReminderFailures    int               `bun:"reminder_failures,notnull" json:"-"`
	Notes               []Note            `bun:"notes,type:jsonb,notnull" json:"notes"`
	Consents            Consents          `bun:"consents,type:jsonb,notnull" json:"consents"`
	Intake              ProjectIntake     `bun:"intake,type:jsonb,notnull" json:"intake"`
	Metadata            map[string]string `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	RescheduleCount     int               `bun:"reschedule_count,notnull" json:"rescheduleCount"`
	Version             int64             `bun:"version,notnull" json:"version"`
	CancelledAt         *time.Time        `bun:"cancelled_at" json:"cancelledAt,omitempty"`
	CompletedAt         *time.Time        `bun:"completed_at" json:"completedAt,omitempty"`
	CreatedAt           time.Time         `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt           time.Time         `bun:"updated_at,notnull" json:"updatedAt"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
		if a.RemindersSent == nil {
			a.RemindersSent = []string{}
		}
		if a.Notes == nil {
			a.Notes = []Note{}
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

func (a Appointment) Window() TimeWindow {
	return TimeWindow{Start: a.StartTime, End: a.EndTime}
}

// BufferedWindow is the window padded by the service buffers captured at booking time.
func (a Appointment) BufferedWindow() TimeWindow {
	return a.Window().Expand(
		time.Duration(a.BufferBeforeMinutes)*time.Minute,
		time.Duration(a.BufferAfterMinutes)*time.Minute,
	)
}

func (a Appointment) ReminderSent(tier ReminderTier) bool {
	return slices.Contains(a.RemindersSent, string(tier))
}

// IssueTokens fills all three tokens. Called once at creation.
func (a *Appointment) IssueTokens() error {
	for _, dst := range []*string{&a.ConfirmationToken, &a.CancellationToken, &a.RescheduleToken} {
		tok, err := NewToken()
		if err != nil {
			return err
		}
		*dst = tok
	}
	return nil
}

func (a *Appointment) AddNote(content, addedBy string, at time.Time) {
	a.Notes = append(a.Notes, Note{Content: content, AddedAt: at.UTC(), AddedBy: addedBy})
}

func (a *Appointment) transitionTo(to Status) error {
	if !CanTransition(a.Status, to) {
		return ErrInvalidTransition
	}
	a.Status = to
	return nil
}

// Confirm consumes the confirmation token.
func (a *Appointment) Confirm(token string) error {
	if !TokenMatches(a.ConfirmationToken, token) {
		return ErrTokenMismatch
	}
	if a.Status != StatusScheduled {
		return ErrInvalidTransition
	}
	a.Status = StatusConfirmed
	a.ConfirmationToken = ""
	return nil
}

// Cancel keeps the cancellation token so a replay is answered with an invalid transition
// rather than an unknown appointment.
func (a *Appointment) Cancel(token, reason string, now time.Time) error {
	if !TokenMatches(a.CancellationToken, token) {
		return ErrTokenMismatch
	}
	if err := a.transitionTo(StatusCancelled); err != nil {
		return err
	}
	t := now.UTC()
	a.CancelledAt = &t
	a.RescheduleToken = ""
	if reason != "" {
		a.AddNote("Cancellation reason: "+reason, "client", now)
	}
	return nil
}

// Reschedule moves the appointment and re-enters scheduled. The caller has already
// verified the new window against the calendar.
func (a *Appointment) Reschedule(w TimeWindow, actor string, now time.Time) error {
	if a.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	if w.Duration() < MinAppointmentDuration {
		return ErrWindowTooShort
	}
	if err := a.transitionTo(StatusRescheduled); err != nil {
		return err
	}
	prev := a.Window()
	a.StartTime = w.Start.UTC()
	a.EndTime = w.End.UTC()
	a.RescheduleCount++
	a.AddNote("Rescheduled from "+prev.Start.Format(time.RFC3339)+" to "+a.StartTime.Format(time.RFC3339), actor, now)

	tok, err := NewToken()
	if err != nil {
		return err
	}
	a.ConfirmationToken = tok
	return a.transitionTo(StatusScheduled)
}

func (a *Appointment) Complete(outcome string, now time.Time) error {
	if !a.Status.IsActive() {
		return ErrInvalidTransition
	}
	if now.Before(a.EndTime) {
		return ErrWindowNotEnded
	}
	if err := a.transitionTo(StatusCompleted); err != nil {
		return err
	}
	a.finish(now)
	if outcome != "" {
		a.AddNote("Outcome: "+outcome, "", now)
	}
	return nil
}

func (a *Appointment) MarkNoShow(now time.Time) error {
	if !a.Status.IsActive() {
		return ErrInvalidTransition
	}
	if now.Before(a.EndTime) {
		return ErrWindowNotEnded
	}
	if err := a.transitionTo(StatusNoShow); err != nil {
		return err
	}
	a.finish(now)
	return nil
}

func (a *Appointment) finish(now time.Time) {
	t := now.UTC()
	a.CompletedAt = &t
	a.ConfirmationToken = ""
	a.CancellationToken = ""
	a.RescheduleToken = ""
}

// SameBooking reports whether b describes the same request as a. Used to answer a
// replayed idempotent create.
func (a Appointment) SameBooking(b Appointment) bool {
	return a.ServiceID == b.ServiceID &&
		a.Client.Email == b.Client.Email &&
		a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime)
}
