package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	MinConsultationMinutes = 15
	MaxConsultationMinutes = 240
)

// Service is a bookable offering. The scheduling core only reads it.
type Service struct {
	bun.BaseModel `bun:"table:services"`

	ID                          uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name                        string    `bun:"name,notnull" json:"name"`
	ConsultationDurationMinutes int       `bun:"consultation_duration_minutes,notnull" json:"consultationDurationMinutes"`
	BufferBeforeMinutes         int       `bun:"buffer_before_minutes,notnull" json:"bufferBeforeMinutes"`
	BufferAfterMinutes          int       `bun:"buffer_after_minutes,notnull" json:"bufferAfterMinutes"`
	AdvanceBookingMinMinutes    int       `bun:"advance_booking_min_minutes,notnull" json:"advanceBookingMinMinutes"`
	AdvanceBookingMaxMinutes    int       `bun:"advance_booking_max_minutes,notnull" json:"advanceBookingMaxMinutes"`
	Active                      bool      `bun:"active,notnull" json:"active"`
	CreatedAt                   time.Time `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt                   time.Time `bun:"updated_at,notnull" json:"updatedAt"`
}

func (s *Service) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

func (s Service) Validate() error {
	if s.ConsultationDurationMinutes < MinConsultationMinutes || s.ConsultationDurationMinutes > MaxConsultationMinutes {
		return errors.New("consultation duration must be between 15 and 240 minutes")
	}
	if s.BufferBeforeMinutes < 0 || s.BufferAfterMinutes < 0 {
		return errors.New("buffer times must not be negative")
	}
	if s.AdvanceBookingMinMinutes < 0 || s.AdvanceBookingMaxMinutes < 0 {
		return errors.New("advance booking bounds must not be negative")
	}
	if s.AdvanceBookingMaxMinutes > 0 && s.AdvanceBookingMinMinutes > s.AdvanceBookingMaxMinutes {
		return errors.New("advance booking minimum exceeds maximum")
	}
	return nil
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.ConsultationDurationMinutes) * time.Minute
}

func (s Service) BufferBefore() time.Duration {
	return time.Duration(s.BufferBeforeMinutes) * time.Minute
}

func (s Service) BufferAfter() time.Duration {
	return time.Duration(s.BufferAfterMinutes) * time.Minute
}

// BookableRange returns the earliest and latest allowed start relative to now.
// A zero maximum means no upper bound.
func (s Service) BookableRange(now time.Time) (time.Time, time.Time) {
	earliest := now.Add(time.Duration(s.AdvanceBookingMinMinutes) * time.Minute)
	if s.AdvanceBookingMaxMinutes == 0 {
		return earliest, time.Time{}
	}
	return earliest, now.Add(time.Duration(s.AdvanceBookingMaxMinutes) * time.Minute)
}
