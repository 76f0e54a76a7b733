package notify

import (
	"fmt"
	"strings"
	"time"

	"appointly/internal/domain"
)

const icsTimeLayout = "20060102T150405Z"

// RenderICS builds a single-event VCALENDAR. A cancelled appointment yields a
// METHOD:CANCEL calendar so clients remove the entry.
func RenderICS(appt domain.Appointment, svc domain.Service, organizer string, now time.Time) []byte {
	method, status := "REQUEST", "CONFIRMED"
	if appt.Status == domain.StatusCancelled {
		method, status = "CANCEL", "CANCELLED"
	}

	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString(foldICSLine(fmt.Sprintf(format, args...)))
		b.WriteString("\r\n")
	}
	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:-//appointly//scheduling//EN")
	line("METHOD:%s", method)
	line("BEGIN:VEVENT")
	line("UID:%s@appointly", appt.ID)
	line("SEQUENCE:%d", appt.RescheduleCount)
	line("DTSTAMP:%s", now.UTC().Format(icsTimeLayout))
	line("DTSTART:%s", appt.StartTime.UTC().Format(icsTimeLayout))
	line("DTEND:%s", appt.EndTime.UTC().Format(icsTimeLayout))
	line("SUMMARY:%s", escapeICSText(svc.Name))
	line("STATUS:%s", status)
	if organizer != "" {
		line("ORGANIZER:mailto:%s", organizer)
	}
	if appt.Client.Email != "" {
		line("ATTENDEE;CN=%s:mailto:%s", escapeICSText(appt.Client.FullName()), appt.Client.Email)
	}
	line("END:VEVENT")
	line("END:VCALENDAR")
	return []byte(b.String())
}

func escapeICSText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)
	return r.Replace(s)
}

// foldICSLine wraps content lines at 75 octets, counting the leading space of each
// continuation line.
func foldICSLine(s string) string {
	const limit = 75
	if len(s) <= limit {
		return s
	}
	var b strings.Builder
	width := limit
	for len(s) > width {
		cut := width
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		b.WriteString(s[:cut])
		b.WriteString("\r\n ")
		s = s[cut:]
		width = limit - 1
	}
	b.WriteString(s)
	return b.String()
}

func isRuneStart(c byte) bool {
	return c&0xC0 != 0x80
}
