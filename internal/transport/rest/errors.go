package rest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"appointly/internal/service/appointments"
)

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func errorBody(kind, msg string) errorResponse {
	return errorResponse{Error: errorDetail{Kind: kind, Message: msg}}
}

func statusFor(kind string) int {
	switch kind {
	case appointments.KindValidation:
		return http.StatusBadRequest
	case appointments.KindConsentRequired:
		return http.StatusUnprocessableEntity
	case appointments.KindSlotUnavailable, appointments.KindInvalidState:
		return http.StatusConflict
	case appointments.KindServiceNotFound, appointments.KindAppointmentNotFound:
		return http.StatusNotFound
	case appointments.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its stable kind. Storage and internal messages are not
// exposed to clients.
func writeError(c echo.Context, err error) error {
	kind := appointments.ErrorKind(err)
	msg := err.Error()
	switch kind {
	case appointments.KindStorage:
		msg = "storage temporarily unavailable"
	case appointments.KindInternal:
		msg = "internal server error"
	}
	return c.JSON(statusFor(kind), errorBody(kind, msg))
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody(appointments.KindValidation, msg))
}

// ErrorHandler renders echo's own errors (unknown route, bad method, panics) in the
// same envelope as handler errors.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		kind := appointments.KindInternal
		switch he.Code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			kind = "route_not_found"
		case http.StatusGatewayTimeout:
			kind = "timeout"
		default:
			if he.Code < http.StatusInternalServerError {
				kind = appointments.KindValidation
			}
		}
		_ = c.JSON(he.Code, errorBody(kind, msg))
		return
	}
	_ = writeError(c, err)
}
