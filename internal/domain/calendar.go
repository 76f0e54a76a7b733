package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const DateLayout = "2006-01-02"

// ClockRange is a span of wall-clock time in minutes after local midnight.
type ClockRange struct {
	StartMinute int `json:"startMinute"`
	EndMinute   int `json:"endMinute"`
}

func (r ClockRange) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", r.StartMinute/60, r.StartMinute%60, r.EndMinute/60, r.EndMinute%60)
}

// ParseClockRanges parses "09:00-12:00,14:00-18:00". Ranges must be ordered and disjoint.
func ParseClockRanges(raw string) ([]ClockRange, error) {
	var out []ClockRange
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("invalid working interval %q", part)
		}
		start, err := parseClock(from)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(to)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("invalid working interval %q", part)
		}
		if len(out) > 0 && start < out[len(out)-1].EndMinute {
			return nil, fmt.Errorf("working interval %q overlaps or is out of order", part)
		}
		out = append(out, ClockRange{StartMinute: start, EndMinute: end})
	}
	return out, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// CalendarOverride replaces the weekly template for a single date.
type CalendarOverride struct {
	bun.BaseModel `bun:"table:calendar_overrides"`

	Date      time.Time    `bun:"date,pk,type:date" json:"date"`
	Closed    bool         `bun:"closed,notnull" json:"closed"`
	Intervals []ClockRange `bun:"intervals,type:jsonb,notnull" json:"intervals"`
	Reason    string       `bun:"reason" json:"reason,omitempty"`
	CreatedAt time.Time    `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt time.Time    `bun:"updated_at,notnull" json:"updatedAt"`
}

func (o *CalendarOverride) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = now
		if o.Intervals == nil {
			o.Intervals = []ClockRange{}
		}
	case *bun.UpdateQuery:
		o.UpdatedAt = now
	}
	return nil
}

func (o CalendarOverride) DateKey() string {
	return o.Date.Format(DateLayout)
}

type BusinessCalendarDay struct {
	Date             time.Time    `json:"date"`
	DayOfWeek        time.Weekday `json:"dayOfWeek"`
	WorkingIntervals []TimeWindow `json:"workingIntervals"`
	IsSpecialDay     bool         `json:"isSpecialDay"`
	Timezone         string       `json:"timezone"`
}

func (d BusinessCalendarDay) IsClosed() bool {
	return len(d.WorkingIntervals) == 0
}

// Calendar generates business days from a weekly template plus per-date overrides.
type Calendar struct {
	Location  *time.Location
	Template  map[time.Weekday][]ClockRange
	Overrides map[string]CalendarOverride
}

// DefaultTemplate is Monday to Saturday, 09:00-12:00 and 14:00-18:00.
func DefaultTemplate() map[time.Weekday][]ClockRange {
	hours := []ClockRange{{StartMinute: 9 * 60, EndMinute: 12 * 60}, {StartMinute: 14 * 60, EndMinute: 18 * 60}}
	tpl := make(map[time.Weekday][]ClockRange, 6)
	for wd := time.Monday; wd <= time.Saturday; wd++ {
		tpl[wd] = hours
	}
	return tpl
}

func NewCalendar(loc *time.Location, template map[time.Weekday][]ClockRange, overrides []CalendarOverride) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if template == nil {
		template = DefaultTemplate()
	}
	byDate := make(map[string]CalendarOverride, len(overrides))
	for _, o := range overrides {
		byDate[o.DateKey()] = o
	}
	return Calendar{Location: loc, Template: template, Overrides: byDate}
}

// Day builds the business day containing t in the calendar location.
// Sunday never inherits template hours; only an override opens it.
func (c Calendar) Day(t time.Time) BusinessCalendarDay {
	local := t.In(c.Location)
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location)

	day := BusinessCalendarDay{
		Date:      date,
		DayOfWeek: date.Weekday(),
		Timezone:  c.Location.String(),
	}

	ranges := c.Template[date.Weekday()]
	if date.Weekday() == time.Sunday {
		ranges = nil
	}
	if o, ok := c.Overrides[date.Format(DateLayout)]; ok {
		day.IsSpecialDay = true
		ranges = o.Intervals
		if o.Closed {
			ranges = nil
		}
	}

	day.WorkingIntervals = make([]TimeWindow, 0, len(ranges))
	for _, r := range ranges {
		day.WorkingIntervals = append(day.WorkingIntervals, TimeWindow{
			Start: clockOn(date, r.StartMinute, c.Location),
			End:   clockOn(date, r.EndMinute, c.Location),
		})
	}
	sort.Slice(day.WorkingIntervals, func(i, j int) bool {
		return day.WorkingIntervals[i].Start.Before(day.WorkingIntervals[j].Start)
	})
	return day
}

// Days returns every business day intersecting [from, to).
func (c Calendar) Days(from, to time.Time) []BusinessCalendarDay {
	if !to.After(from) {
		return nil
	}
	var out []BusinessCalendarDay
	cursor := c.Day(from).Date
	for cursor.Before(to) {
		out = append(out, c.Day(cursor))
		cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day()+1, 0, 0, 0, 0, c.Location)
	}
	return out
}

// DayBounds returns local midnight of the date containing t and the following midnight.
func (c Calendar) DayBounds(t time.Time) (time.Time, time.Time) {
	start := c.Day(t).Date
	return start, time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, c.Location)
}

func clockOn(date time.Time, minute int, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), minute/60, minute%60, 0, 0, loc).UTC()
}

var ErrOverridePast = errors.New("cannot override a day that has already passed")

// ValidateOverride rejects overrides for days already over in the calendar location.
func (c Calendar) ValidateOverride(o CalendarOverride, now time.Time) error {
	today, _ := c.DayBounds(now)
	local := o.Date
	d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location)
	if d.Before(today) {
		return ErrOverridePast
	}
	if o.Closed && len(o.Intervals) > 0 {
		return errors.New("a closed day cannot carry working intervals")
	}
	for i, r := range o.Intervals {
		if r.EndMinute <= r.StartMinute || r.StartMinute < 0 || r.EndMinute > 24*60 {
			return fmt.Errorf("invalid interval %s", r)
		}
		if i > 0 && r.StartMinute < o.Intervals[i-1].EndMinute {
			return fmt.Errorf("interval %s overlaps or is out of order", r)
		}
	}
	return nil
}
