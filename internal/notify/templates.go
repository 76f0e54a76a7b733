package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"appointly/internal/domain"
)

type mailView struct {
	ClientName  string
	ServiceName string
	Start       string
	End         string
	Reason      string
	ConfirmURL  string
	CancelURL   string
	ManageURL   string
	Tier        string
}

var mailTemplates = template.Must(template.New("mail").Parse(`
{{define "appointment.created"}}Hello {{.ClientName}},

your {{.ServiceName}} is booked for {{.Start}} - {{.End}}.
{{if .ConfirmURL}}
Please confirm it here: {{.ConfirmURL}}
{{end}}{{if .ManageURL}}Need another time? {{.ManageURL}}
{{end}}{{if .CancelURL}}Cancel: {{.CancelURL}}
{{end}}{{end}}
{{define "appointment.confirmed"}}Hello {{.ClientName}},

your {{.ServiceName}} on {{.Start}} is confirmed.
{{if .CancelURL}}Cancel: {{.CancelURL}}
{{end}}{{end}}
{{define "appointment.rescheduled"}}Hello {{.ClientName}},

your {{.ServiceName}} has moved to {{.Start}} - {{.End}}.
{{if .ConfirmURL}}
Please confirm the new time: {{.ConfirmURL}}
{{end}}{{end}}
{{define "appointment.cancelled"}}Hello {{.ClientName}},

your {{.ServiceName}} on {{.Start}} has been cancelled.{{if .Reason}}
Reason: {{.Reason}}{{end}}
{{end}}
{{define "appointment.completed"}}Hello {{.ClientName}},

thank you for your time during the {{.ServiceName}} on {{.Start}}.
{{end}}
{{define "appointment.no_show"}}Hello {{.ClientName}},

we missed you at your {{.ServiceName}} on {{.Start}}. Reply to this email to book a new time.
{{end}}
{{define "reminder"}}Hello {{.ClientName}},

{{if eq .Tier "2-hours"}}your {{.ServiceName}} starts soon, at {{.Start}}.{{else}}a reminder that your {{.ServiceName}} is coming up on {{.Start}}.{{end}}
{{if .CancelURL}}Can't make it? {{.CancelURL}}
{{end}}{{end}}
`))

var subjects = map[string]string{
	string(EventCreated):     "Your appointment request",
	string(EventConfirmed):   "Appointment confirmed",
	string(EventRescheduled): "Appointment rescheduled",
	string(EventCancelled):   "Appointment cancelled",
	string(EventCompleted):   "Thank you",
	string(EventNoShow):      "We missed you",
	"reminder":               "Appointment reminder",
}

func render(name string, v mailView) (string, string, error) {
	var buf bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&buf, name, v); err != nil {
		return "", "", err
	}
	subject, ok := subjects[name]
	if !ok {
		return "", "", fmt.Errorf("no subject for template %q", name)
	}
	return subject, buf.String(), nil
}

func formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Mon 2 Jan 2006 15:04 MST")
}

func (m *Mailer) view(appt domain.Appointment, svc domain.Service) mailView {
	v := mailView{
		ClientName:  appt.Client.FirstName,
		ServiceName: svc.Name,
		Start:       formatWhen(appt.StartTime, m.loc),
		End:         appt.EndTime.In(m.loc).Format("15:04"),
	}
	if v.ServiceName == "" {
		v.ServiceName = "appointment"
	}
	if m.baseURL != "" {
		id := appt.ID.String()
		if appt.ConfirmationToken != "" {
			v.ConfirmURL = m.baseURL + "/appointments/" + id + "/confirm?token=" + appt.ConfirmationToken
		}
		if appt.CancellationToken != "" {
			v.CancelURL = m.baseURL + "/appointments/" + id + "/cancel?token=" + appt.CancellationToken
		}
		if appt.RescheduleToken != "" {
			v.ManageURL = m.baseURL + "/appointments/" + id + "/reschedule?token=" + appt.RescheduleToken
		}
	}
	return v
}
