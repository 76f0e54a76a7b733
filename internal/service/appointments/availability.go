package appointments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"appointly/internal/availability"
	"appointly/internal/domain"
	"appointly/internal/store"
)

// calendarFor loads the overrides covering [from, to) and builds the business calendar.
func (s *Service) calendarFor(ctx context.Context, from, to time.Time) (domain.Calendar, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	overrides, err := s.overrides.ListCalendarOverrides(sctx, from.In(s.loc), to.In(s.loc))
	if err != nil {
		return domain.Calendar{}, storageError("list calendar overrides", err)
	}
	return domain.NewCalendar(s.loc, s.template, overrides), nil
}

// ensureWithinBusinessHours requires w to sit inside a single working interval.
func (s *Service) ensureWithinBusinessHours(ctx context.Context, w domain.TimeWindow) error {
	cal, err := s.calendarFor(ctx, w.Start, w.End)
	if err != nil {
		return err
	}
	for _, iv := range cal.Day(w.Start).WorkingIntervals {
		if iv.Contains(w) {
			return nil
		}
	}
	return ErrSlotUnavailable
}

// IsWindowFree reports whether no active appointment, padded by its buffers, overlaps w.
// excludeID may be uuid.Nil.
func (s *Service) IsWindowFree(ctx context.Context, w domain.TimeWindow, excludeID uuid.UUID) (bool, error) {
	if !w.End.After(w.Start) {
		return false, validationError("end_time must be after start_time")
	}
	free := false
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err := s.repo.InCalendarTransaction(sctx, func(ctx context.Context, tx store.CalendarTx) error {
		busy, err := tx.FindActiveAppointmentsOverlapping(ctx, w, excludeID)
		if err != nil {
			return err
		}
		free = len(busy) == 0
		return nil
	})
	if err != nil {
		return false, storageError("check window", err)
	}
	return free, nil
}

// ComputeFreeWindows returns the bookable windows of the given length inside
// [rangeStart, rangeEnd) given current bookings and the business calendar.
func (s *Service) ComputeFreeWindows(ctx context.Context, rangeStart, rangeEnd time.Time, durationMinutes int) (out []domain.TimeWindow, err error) {
	ctx, span := s.startSpan(ctx, "ComputeFreeWindows", attribute.Int("duration_minutes", durationMinutes))
	defer func() { endSpan(span, err) }()

	from, to := rangeStart.UTC(), rangeEnd.UTC()
	if durationMinutes < domain.MinConsultationMinutes {
		return nil, validationError("duration must be at least 15 minutes")
	}
	if !to.After(from) {
		return nil, validationError("range end must be after range start")
	}
	if to.Sub(from) > maxQueryRange {
		return nil, validationError("range too long")
	}

	cal, err := s.calendarFor(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	active, err := s.repo.ListActiveBetween(sctx, from, to)
	if err != nil {
		return nil, storageError("list active appointments", err)
	}
	bookings := make([]availability.Booking, 0, len(active))
	for _, a := range active {
		bookings = append(bookings, availability.BookingFromAppointment(a))
	}

	free, err := availability.ComputeFreeWindows(from, to, time.Duration(durationMinutes)*time.Minute, cal.Days(from, to), bookings, s.step)
	if err != nil {
		return nil, validationError(err.Error())
	}
	return free, nil
}

// AvailableSlots lists the free windows of one calendar day, given as YYYY-MM-DD in the
// calendar timezone. Windows starting in the past are left out.
func (s *Service) AvailableSlots(ctx context.Context, date string, durationMinutes int) ([]domain.TimeWindow, error) {
	day, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(date), s.loc)
	if err != nil {
		return nil, validationError("date must be formatted as YYYY-MM-DD")
	}
	cal := domain.NewCalendar(s.loc, s.template, nil)
	from, to := cal.DayBounds(day)
	if now := s.clock(); now.After(from) {
		from = now
	}
	if !to.After(from) {
		return []domain.TimeWindow{}, nil
	}
	return s.ComputeFreeWindows(ctx, from, to, durationMinutes)
}

// SuggestedSlots ranks free windows for a service between its earliest bookable start
// and the suggestion horizon.
func (s *Service) SuggestedSlots(ctx context.Context, serviceID uuid.UUID, pref availability.Preference) ([]domain.TimeWindow, error) {
	svc, err := s.lookupService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	from, latest := svc.BookableRange(now)
	to := now.Add(s.suggestHorizon)
	if !latest.IsZero() && latest.Before(to) {
		// latest bounds the start, the window may run past it
		to = latest.Add(svc.Duration())
	}
	if !to.After(from) {
		return []domain.TimeWindow{}, nil
	}
	free, err := s.ComputeFreeWindows(ctx, from, to, svc.ConsultationDurationMinutes)
	if err != nil {
		return nil, err
	}
	return availability.Suggest(free, pref, s.loc), nil
}

type OverrideInput struct {
	Date      string
	Closed    bool
	Intervals []domain.ClockRange
	Reason    string
}

// SetCalendarOverride replaces the weekly template for one date. Days already over
// cannot be changed.
func (s *Service) SetCalendarOverride(ctx context.Context, in OverrideInput) (domain.CalendarOverride, error) {
	day, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(in.Date), s.loc)
	if err != nil {
		return domain.CalendarOverride{}, validationError("date must be formatted as YYYY-MM-DD")
	}
	o := domain.CalendarOverride{
		Date:      time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		Closed:    in.Closed,
		Intervals: in.Intervals,
		Reason:    strings.TrimSpace(in.Reason),
	}
	if !o.Closed && len(o.Intervals) == 0 {
		return domain.CalendarOverride{}, validationError("an open day needs at least one working interval")
	}
	cal := domain.NewCalendar(s.loc, s.template, nil)
	if err := cal.ValidateOverride(o, s.clock()); err != nil {
		return domain.CalendarOverride{}, validationError(err.Error())
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	saved, err := s.overrides.UpsertCalendarOverride(sctx, o)
	if err != nil {
		return domain.CalendarOverride{}, storageError("upsert calendar override", err)
	}
	s.log.Info("calendar override saved", "date", saved.DateKey(), "closed", saved.Closed)
	return saved, nil
}

func (s *Service) ListCalendarOverrides(ctx context.Context, from, to string) ([]domain.CalendarOverride, error) {
	start, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(from), s.loc)
	if err != nil {
		return nil, validationError("from must be formatted as YYYY-MM-DD")
	}
	end, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(to), s.loc)
	if err != nil {
		return nil, validationError("to must be formatted as YYYY-MM-DD")
	}
	if end.Before(start) {
		return nil, validationError("to must not be before from")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rows, err := s.overrides.ListCalendarOverrides(sctx, start, end)
	if err != nil {
		return nil, storageError("list calendar overrides", err)
	}
	return rows, nil
}
