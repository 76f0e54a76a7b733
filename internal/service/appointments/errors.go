package appointments

import (
	"context"
	"errors"
	"fmt"

	"appointly/internal/domain"
	"appointly/internal/store"
)

var (
	ErrConsentRequired     = errors.New("gdpr consent is required")
	ErrSlotUnavailable     = errors.New("the requested time slot is not available")
	ErrServiceNotFound     = errors.New("service not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidState        = errors.New("appointment state does not allow this operation")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// StorageError wraps infrastructure failures so callers can tell them apart from
// business rule rejections.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

const (
	KindConsentRequired     = "consent_required"
	KindSlotUnavailable     = "slot_unavailable"
	KindServiceNotFound     = "service_not_found"
	KindAppointmentNotFound = "appointment_not_found"
	KindInvalidState        = "invalid_state"
	KindValidation          = "validation_error"
	KindStorage             = "storage_error"
	KindInternal            = "internal"
)

// ErrorKind returns the stable machine-readable kind for err.
func ErrorKind(err error) string {
	var vErr *ValidationError
	var sErr *StorageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConsentRequired):
		return KindConsentRequired
	case errors.Is(err, ErrSlotUnavailable):
		return KindSlotUnavailable
	case errors.Is(err, ErrServiceNotFound):
		return KindServiceNotFound
	case errors.Is(err, ErrAppointmentNotFound):
		return KindAppointmentNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.As(err, &vErr):
		return KindValidation
	case errors.As(err, &sErr):
		return KindStorage
	default:
		return KindInternal
	}
}

// appointmentError translates store and domain errors raised while handling a
// single appointment.
func appointmentError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, domain.ErrTokenMismatch):
		return ErrAppointmentNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrSlotUnavailable
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrWindowNotEnded):
		return ErrInvalidState
	case errors.Is(err, domain.ErrWindowTooShort):
		return validationError("appointment must last at least 15 minutes")
	case errors.Is(err, store.ErrIdempotencyConflict):
		return validationError("idempotency key was already used for a different booking")
	case isBusiness(err):
		return err
	default:
		return &StorageError{Op: op, Err: err}
	}
}

func isBusiness(err error) bool {
	var vErr *ValidationError
	return errors.Is(err, ErrConsentRequired) ||
		errors.Is(err, ErrSlotUnavailable) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.As(err, &vErr)
}

func storageError(op string, err error) error {
	if err == nil || isBusiness(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
