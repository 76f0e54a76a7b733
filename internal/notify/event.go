package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"appointly/internal/domain"
)

type EventType string

const (
	EventCreated     EventType = "appointment.created"
	EventConfirmed   EventType = "appointment.confirmed"
	EventCancelled   EventType = "appointment.cancelled"
	EventRescheduled EventType = "appointment.rescheduled"
	EventCompleted   EventType = "appointment.completed"
	EventNoShow      EventType = "appointment.no_show"
)

// Event is a lifecycle change. Appointment is the state after the change and still
// carries its tokens, which only the mailer may render.
type Event struct {
	ID          uuid.UUID
	Type        EventType
	Appointment domain.Appointment
	Service     domain.Service
	Reason      string
	OccurredAt  time.Time
}

func NewEvent(t EventType, appt domain.Appointment, svc domain.Service, at time.Time) Event {
	return Event{
		ID:          uuid.New(),
		Type:        t,
		Appointment: appt,
		Service:     svc,
		OccurredAt:  at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
