package domain

import (
	"errors"
	"time"
)

// MinAppointmentDuration is the shortest window an appointment may ever occupy.
const MinAppointmentDuration = 15 * time.Minute

var ErrInvalidWindow = errors.New("end_time must be after start_time")

// TimeWindow is the half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"startTime"`
	End   time.Time `json:"endTime"`
}

func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	if !end.After(start) {
		return TimeWindow{}, ErrInvalidWindow
	}
	return TimeWindow{Start: start.UTC(), End: end.UTC()}, nil
}

func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps reports whether the windows intersect. Touching endpoints do not overlap.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether o lies fully inside w.
func (w TimeWindow) Contains(o TimeWindow) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

// Expand pads the window on both sides.
func (w TimeWindow) Expand(before, after time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(-before), End: w.End.Add(after)}
}

func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}
