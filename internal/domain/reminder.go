package domain

import "time"

type ReminderTier string

const (
	ReminderTwoDays  ReminderTier = "2-days"
	ReminderTwoHours ReminderTier = "2-hours"
)

const (
	twoDaysLead  = 48 * time.Hour
	twoHoursLead = 2 * time.Hour
)

// ReminderHorizon is the furthest lead time at which any tier becomes due.
const ReminderHorizon = twoDaysLead

// TierFor returns the tier whose window contains start-now.
func TierFor(start, now time.Time) (ReminderTier, bool) {
	lead := start.Sub(now)
	switch {
	case lead <= 0:
		return "", false
	case lead <= twoHoursLead:
		return ReminderTwoHours, true
	case lead <= twoDaysLead:
		return ReminderTwoDays, true
	default:
		return "", false
	}
}
