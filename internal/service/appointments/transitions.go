package appointments

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"appointly/internal/domain"
	"appointly/internal/notify"
	"appointly/internal/store"
)

// Actor identifies who drives a reschedule. Clients must present the reschedule token;
// admins may move an appointment outside business hours.
type Actor string

const (
	ActorClient Actor = "client"
	ActorAdmin  Actor = "admin"
)

// mutate applies fn to a fresh copy of the appointment and persists it only if nobody
// else changed the row in between. Losing that race surfaces as ErrInvalidState.
func (s *Service) mutate(ctx context.Context, op string, id uuid.UUID, fn func(a *domain.Appointment) error) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, ErrAppointmentNotFound
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	a, err := s.repo.GetAppointment(sctx, id)
	if err != nil {
		return domain.Appointment{}, appointmentError(op, err)
	}
	version := a.Version
	if err := fn(&a); err != nil {
		return domain.Appointment{}, appointmentError(op, err)
	}
	updated, err := s.repo.UpdateAppointment(sctx, version, a)
	if err != nil {
		return domain.Appointment{}, appointmentError(op, err)
	}
	return updated, nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID, token string) (appt domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "Confirm", attribute.String("appointment.id", id.String()))
	defer func() { endSpan(span, err) }()

	appt, err = s.mutate(ctx, "confirm appointment", id, func(a *domain.Appointment) error {
		return a.Confirm(token)
	})
	if err != nil {
		s.logRejection("confirm rejected", err, slog.String("appointment_id", id.String()))
		return domain.Appointment{}, err
	}
	s.log.Info("appointment confirmed", slog.String("appointment_id", id.String()))
	s.publish(ctx, notify.EventConfirmed, appt, "")
	return appt, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, token, reason string) (appt domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "Cancel", attribute.String("appointment.id", id.String()))
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if len(reason) > maxNoteLength {
		return domain.Appointment{}, validationError("reason too long")
	}
	appt, err = s.mutate(ctx, "cancel appointment", id, func(a *domain.Appointment) error {
		return a.Cancel(token, reason, s.clock())
	})
	if err != nil {
		s.logRejection("cancel rejected", err, slog.String("appointment_id", id.String()))
		return domain.Appointment{}, err
	}
	s.log.Info("appointment cancelled", slog.String("appointment_id", id.String()))
	s.publish(ctx, notify.EventCancelled, appt, reason)
	return appt, nil
}

type RescheduleInput struct {
	AppointmentID uuid.UUID
	Actor         Actor
	// Token is the reschedule token. Ignored for admins.
	Token        string
	NewStartTime time.Time
	// NewDurationMinutes keeps the current length when zero.
	NewDurationMinutes int
}

// Reschedule moves a non-terminal appointment. The guard excludes the appointment's own
// slot and runs in the same calendar transaction as the update.
func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (appt domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "Reschedule",
		attribute.String("appointment.id", in.AppointmentID.String()),
		attribute.String("actor", string(in.Actor)),
	)
	defer func() { endSpan(span, err) }()

	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, ErrAppointmentNotFound
	}
	if in.Actor != ActorClient && in.Actor != ActorAdmin {
		return domain.Appointment{}, validationError("unknown actor")
	}
	if in.NewStartTime.IsZero() {
		return domain.Appointment{}, validationError("new start time is required")
	}
	if in.NewDurationMinutes < 0 {
		return domain.Appointment{}, validationError("duration must not be negative")
	}
	now := s.clock()
	if !in.NewStartTime.After(now) {
		return domain.Appointment{}, validationError("new start time must be in the future")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.repo.InCalendarTransaction(sctx, func(ctx context.Context, tx store.CalendarTx) error {
		a, err := tx.GetAppointment(ctx, in.AppointmentID)
		if err != nil {
			return err
		}
		if in.Actor == ActorClient && !domain.TokenMatches(a.RescheduleToken, in.Token) {
			return domain.ErrTokenMismatch
		}
		if a.Status.IsTerminal() {
			return domain.ErrInvalidTransition
		}

		length := a.Window().Duration()
		if in.NewDurationMinutes > 0 {
			length = time.Duration(in.NewDurationMinutes) * time.Minute
		}
		if length < domain.MinAppointmentDuration {
			return domain.ErrWindowTooShort
		}
		window, err := domain.NewTimeWindow(in.NewStartTime, in.NewStartTime.Add(length))
		if err != nil {
			return validationError("invalid window")
		}
		if in.Actor == ActorClient {
			if err := s.ensureWithinBusinessHours(ctx, window); err != nil {
				return err
			}
		}

		busy, err := tx.FindActiveAppointmentsOverlapping(ctx, window, a.ID)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return ErrSlotUnavailable
		}

		version := a.Version
		if err := a.Reschedule(window, string(in.Actor), now); err != nil {
			return err
		}
		appt, err = tx.UpdateAppointment(ctx, version, a)
		return err
	})
	if err != nil {
		err = appointmentError("reschedule appointment", err)
		s.logRejection("reschedule rejected", err, slog.String("appointment_id", in.AppointmentID.String()))
		return domain.Appointment{}, err
	}

	s.log.Info("appointment rescheduled",
		slog.String("appointment_id", appt.ID.String()),
		slog.Time("start", appt.StartTime),
		slog.Int("reschedule_count", appt.RescheduleCount),
	)
	s.publish(ctx, notify.EventRescheduled, appt, "")
	return appt, nil
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, outcome string) (appt domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "Complete", attribute.String("appointment.id", id.String()))
	defer func() { endSpan(span, err) }()

	outcome = strings.TrimSpace(outcome)
	if len(outcome) > maxNoteLength {
		return domain.Appointment{}, validationError("outcome too long")
	}
	appt, err = s.mutate(ctx, "complete appointment", id, func(a *domain.Appointment) error {
		return a.Complete(outcome, s.clock())
	})
	if err != nil {
		s.logRejection("complete rejected", err, slog.String("appointment_id", id.String()))
		return domain.Appointment{}, err
	}
	s.log.Info("appointment completed", slog.String("appointment_id", id.String()))
	s.publish(ctx, notify.EventCompleted, appt, "")
	return appt, nil
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (appt domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "MarkNoShow", attribute.String("appointment.id", id.String()))
	defer func() { endSpan(span, err) }()

	appt, err = s.mutate(ctx, "mark no-show", id, func(a *domain.Appointment) error {
		return a.MarkNoShow(s.clock())
	})
	if err != nil {
		s.logRejection("no-show rejected", err, slog.String("appointment_id", id.String()))
		return domain.Appointment{}, err
	}
	s.log.Info("appointment marked no-show", slog.String("appointment_id", id.String()))
	s.publish(ctx, notify.EventNoShow, appt, "")
	return appt, nil
}

// AddNote appends to the notes of an appointment in any status.
func (s *Service) AddNote(ctx context.Context, id uuid.UUID, content, addedBy string) (domain.Appointment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Appointment{}, validationError("note content is required")
	}
	if len(content) > maxNoteLength {
		return domain.Appointment{}, validationError("note too long")
	}
	appt, err := s.mutate(ctx, "add note", id, func(a *domain.Appointment) error {
		a.AddNote(content, strings.TrimSpace(addedBy), s.clock())
		return nil
	})
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		s.logRejection("add note rejected", err, slog.String("appointment_id", id.String()))
	}
	return appt, err
}
