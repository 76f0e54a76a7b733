package notify

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"appointly/internal/domain"
)

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// PublicBaseURL prefixes the confirm/cancel/reschedule links.
	PublicBaseURL string
}

// Mailer renders lifecycle and reminder emails and delivers them over SMTP.
type Mailer struct {
	sender  mailSender
	from    string
	baseURL string
	loc     *time.Location
	now     func() time.Time
}

func NewMailer(cfg MailerConfig, loc *time.Location) *Mailer {
	if loc == nil {
		loc = time.UTC
	}
	return &Mailer{
		sender:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		loc:     loc,
		now:     time.Now,
	}
}

func (m *Mailer) Handle(ctx context.Context, ev Event) error {
	if ev.Appointment.Client.Email == "" {
		return errors.New("appointment has no client email")
	}
	v := m.view(ev.Appointment, ev.Service)
	v.Reason = ev.Reason
	subject, body, err := render(string(ev.Type), v)
	if err != nil {
		return err
	}

	msg := m.message(ev.Appointment.Client, subject, body)
	switch ev.Type {
	case EventCreated, EventRescheduled, EventCancelled:
		attachICS(msg, RenderICS(ev.Appointment, ev.Service, m.from, m.now()))
	}
	return m.send(ctx, msg)
}

// SendReminder delivers synchronously so the caller only records the tier once the
// SMTP server accepted the message.
func (m *Mailer) SendReminder(ctx context.Context, appt domain.Appointment, svc domain.Service, tier domain.ReminderTier) error {
	if appt.Client.Email == "" {
		return errors.New("appointment has no client email")
	}
	v := m.view(appt, svc)
	v.Tier = string(tier)
	subject, body, err := render("reminder", v)
	if err != nil {
		return err
	}
	return m.send(ctx, m.message(appt.Client, subject, body))
}

func (m *Mailer) message(to domain.ClientSnapshot, subject, body string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetAddressHeader("To", to.Email, to.FullName())
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return msg
}

func attachICS(msg *gomail.Message, ics []byte) {
	msg.Attach("invite.ics",
		gomail.SetHeader(map[string][]string{"Content-Type": {"text/calendar; charset=utf-8"}}),
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(ics)
			return err
		}),
	)
}

func (m *Mailer) send(ctx context.Context, msg *gomail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.sender.DialAndSend(msg)
}
