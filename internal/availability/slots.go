package availability

import (
	"errors"
	"sort"
	"time"

	"appointly/internal/domain"
)

// DefaultStep is the spacing between candidate start times.
const DefaultStep = 30 * time.Minute

var (
	ErrDurationTooShort = errors.New("duration must be at least 15 minutes")
	ErrInvalidRange     = errors.New("range end must be after range start")
)

// Booking is an occupied window plus the padding its service requires around it.
type Booking struct {
	Window       domain.TimeWindow
	BufferBefore time.Duration
	BufferAfter  time.Duration
}

func (b Booking) blocked() domain.TimeWindow {
	return b.Window.Expand(b.BufferBefore, b.BufferAfter)
}

// BookingFromAppointment captures the appointment window and its buffer snapshot.
func BookingFromAppointment(a domain.Appointment) Booking {
	return Booking{
		Window:       a.Window(),
		BufferBefore: time.Duration(a.BufferBeforeMinutes) * time.Minute,
		BufferAfter:  time.Duration(a.BufferAfterMinutes) * time.Minute,
	}
}

// ComputeFreeWindows returns every window of length duration that starts on a step
// boundary of a working interval, fits inside that interval and inside
// [rangeStart, rangeEnd), and does not intersect any buffered booking.
// The result is freshly allocated and sorted by start time.
func ComputeFreeWindows(rangeStart, rangeEnd time.Time, duration time.Duration, days []domain.BusinessCalendarDay, bookings []Booking, step time.Duration) ([]domain.TimeWindow, error) {
	if duration < domain.MinAppointmentDuration {
		return nil, ErrDurationTooShort
	}
	if !rangeEnd.After(rangeStart) {
		return nil, ErrInvalidRange
	}
	if step <= 0 {
		step = DefaultStep
	}

	blocked := make([]domain.TimeWindow, 0, len(bookings))
	for _, b := range bookings {
		blocked = append(blocked, b.blocked())
	}

	out := make([]domain.TimeWindow, 0)
	for _, day := range days {
		if day.IsClosed() {
			continue
		}
		for _, iv := range day.WorkingIntervals {
			if iv.Duration() < duration {
				continue
			}
			for t := iv.Start; !t.Add(duration).After(iv.End); t = t.Add(step) {
				candidate := domain.TimeWindow{Start: t, End: t.Add(duration)}
				if t.Before(rangeStart) || candidate.End.After(rangeEnd) {
					continue
				}
				if overlapsAny(candidate, blocked) {
					continue
				}
				out = append(out, candidate)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func overlapsAny(w domain.TimeWindow, busy []domain.TimeWindow) bool {
	for _, b := range busy {
		if w.Overlaps(b) {
			return true
		}
	}
	return false
}
