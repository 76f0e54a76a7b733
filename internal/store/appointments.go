package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"appointly/internal/domain"
)

type AppointmentRepository interface {
	// InCalendarTransaction serializes fn against every other calendar transaction.
	InCalendarTransaction(ctx context.Context, fn func(ctx context.Context, tx CalendarTx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	// UpdateAppointment persists appt when the stored version equals expectedVersion and
	// returns it with the version bumped. A stale version yields ErrVersionConflict.
	UpdateAppointment(ctx context.Context, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error)
	ListActiveBetween(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	ListBetween(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Appointment, error)

	// FindDueReminders returns active appointments starting in (now, now+horizon].
	FindDueReminders(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.Appointment, error)
	// MarkReminderSent appends tier unless already present and reports whether it did.
	MarkReminderSent(ctx context.Context, id uuid.UUID, tier domain.ReminderTier) (bool, error)
	RecordReminderFailure(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
}

type ServiceCatalog interface {
	GetService(ctx context.Context, id uuid.UUID) (domain.Service, error)
	ListServices(ctx context.Context, activeOnly bool) ([]domain.Service, error)
	PutService(ctx context.Context, svc domain.Service) (domain.Service, error)
}

type CalendarOverrideRepository interface {
	ListCalendarOverrides(ctx context.Context, from, to time.Time) ([]domain.CalendarOverride, error)
	UpsertCalendarOverride(ctx context.Context, o domain.CalendarOverride) (domain.CalendarOverride, error)
}
