package availability

import (
	"strings"
	"time"

	"appointly/internal/domain"
)

type PreferenceKind string

const (
	PreferenceFirstAvailable PreferenceKind = "first-available"
	PreferenceMorning        PreferenceKind = "morning"
	PreferenceAfternoon      PreferenceKind = "afternoon"
	PreferenceCustom         PreferenceKind = "custom"
	PreferenceDefault        PreferenceKind = "default"
)

const (
	filteredCap = 5
	defaultCap  = 10
)

// Preference selects how free windows are ranked. FromHour/ToHour are only read for
// custom preferences and bound the local start hour as [FromHour, ToHour).
type Preference struct {
	Kind     PreferenceKind
	FromHour int
	ToHour   int
}

// ParsePreference maps unknown values to the default policy.
func ParsePreference(raw string) Preference {
	switch PreferenceKind(strings.ToLower(strings.TrimSpace(raw))) {
	case PreferenceFirstAvailable:
		return Preference{Kind: PreferenceFirstAvailable}
	case PreferenceMorning:
		return Preference{Kind: PreferenceMorning}
	case PreferenceAfternoon:
		return Preference{Kind: PreferenceAfternoon}
	case PreferenceCustom:
		return Preference{Kind: PreferenceCustom}
	default:
		return Preference{Kind: PreferenceDefault}
	}
}

// Suggest ranks free windows. Hours are evaluated in loc.
func Suggest(free []domain.TimeWindow, pref Preference, loc *time.Location) []domain.TimeWindow {
	if loc == nil {
		loc = time.UTC
	}
	switch pref.Kind {
	case PreferenceFirstAvailable:
		return take(free, 1)
	case PreferenceMorning:
		return take(filterHours(free, 9, 12, loc), filteredCap)
	case PreferenceAfternoon:
		return take(filterHours(free, 14, 18, loc), filteredCap)
	case PreferenceCustom:
		if pref.ToHour > pref.FromHour {
			return take(filterHours(free, pref.FromHour, pref.ToHour, loc), filteredCap)
		}
		return take(free, defaultCap)
	default:
		return take(free, defaultCap)
	}
}

func filterHours(free []domain.TimeWindow, from, to int, loc *time.Location) []domain.TimeWindow {
	out := make([]domain.TimeWindow, 0, len(free))
	for _, w := range free {
		h := w.Start.In(loc).Hour()
		if h >= from && h < to {
			out = append(out, w)
		}
	}
	return out
}

func take(ws []domain.TimeWindow, n int) []domain.TimeWindow {
	if len(ws) > n {
		ws = ws[:n]
	}
	out := make([]domain.TimeWindow, len(ws))
	copy(out, ws)
	return out
}
