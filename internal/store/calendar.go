package store

import (
	"context"

	"github.com/google/uuid"

	"appointly/internal/domain"
)

// CalendarTx is the view of the store inside the calendar-wide critical section.
// Everything read through it is consistent with what gets written through it.
type CalendarTx interface {
	FindActiveAppointmentsOverlapping(ctx context.Context, window domain.TimeWindow, excludeID uuid.UUID) ([]domain.Appointment, error)
	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error)
}
