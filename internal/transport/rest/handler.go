package rest

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"appointly/internal/availability"
	"appointly/internal/domain"
	"appointly/internal/service/appointments"
	"appointly/internal/service/reminders"
)

// ReminderRunner runs one reminder batch on demand.
type ReminderRunner interface {
	RunOnce(ctx context.Context) (reminders.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc       *appointments.Service
	reminders ReminderRunner
	ready     Pinger
	log       *slog.Logger
}

func NewHandler(svc *appointments.Service, runner ReminderRunner, ready Pinger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, reminders: runner, ready: ready, log: log}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)

	v1 := e.Group("/v1")
	v1.POST("/appointments", h.CreateAppointment)
	v1.GET("/appointments", h.ListAppointments)
	v1.GET("/appointments/today", h.TodayAppointments)
	v1.GET("/appointments/:id", h.GetAppointment)
	v1.POST("/appointments/:id/confirm", h.ConfirmAppointment)
	v1.POST("/appointments/:id/cancel", h.CancelAppointment)
	v1.PUT("/appointments/:id/reschedule", h.RescheduleAppointment)
	v1.POST("/appointments/:id/complete", h.CompleteAppointment)
	v1.POST("/appointments/:id/no-show", h.MarkNoShow)
	v1.POST("/appointments/:id/notes", h.AddNote)

	v1.GET("/slots/available", h.AvailableSlots)
	v1.GET("/slots/suggested", h.SuggestedSlots)
	v1.GET("/services", h.ListServices)

	v1.PUT("/calendar/overrides/:date", h.SetCalendarOverride)
	v1.GET("/calendar/overrides", h.ListCalendarOverrides)

	v1.POST("/reminders/send", h.SendReminders)

	// Operator routes. Authentication is applied by the surrounding layer on /v1/admin.
	admin := v1.Group("/admin")
	admin.PUT("/appointments/:id/reschedule", h.AdminRescheduleAppointment)
}

func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(c echo.Context) error {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.ready.Ping(ctx); err != nil {
			h.log.Warn("readiness check failed", slog.Any("err", err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

type createRequest struct {
	ServiceID      string                `json:"serviceId"`
	Client         domain.ClientSnapshot `json:"client"`
	StartTime      time.Time             `json:"startTime"`
	EndTime        time.Time             `json:"endTime"`
	Consents       domain.Consents       `json:"consents"`
	Intake         domain.ProjectIntake  `json:"intake"`
	Metadata       map[string]string     `json:"metadata"`
	IdempotencyKey string                `json:"idempotencyKey"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	serviceID, err := uuid.Parse(strings.TrimSpace(req.ServiceID))
	if err != nil {
		return badRequest(c, "serviceId must be a uuid")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = c.Request().Header.Get("Idempotency-Key")
	}
	req.Consents.AcceptedAt = nil

	appt, err := h.svc.Create(c.Request().Context(), appointments.CreateInput{
		ServiceID:      serviceID,
		Client:         req.Client,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Consents:       req.Consents,
		Intake:         req.Intake,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	appt, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return badRequest(c, "from must be an RFC 3339 timestamp")
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return badRequest(c, "to must be an RFC 3339 timestamp")
	}
	list, err := h.svc.ListBetween(c.Request().Context(), from, to)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) TodayAppointments(c echo.Context) error {
	list, err := h.svc.TodayAppointments(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

type tokenRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	appt, err := h.svc.Confirm(c.Request().Context(), id, tokenFrom(c, req.Token))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	appt, err := h.svc.Cancel(c.Request().Context(), id, tokenFrom(c, req.Token), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type rescheduleRequest struct {
	Token           string    `json:"token"`
	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
}

// RescheduleAppointment is the client route: the reschedule token is always required and
// the new window must fit business hours.
func (h *Handler) RescheduleAppointment(c echo.Context) error {
	return h.reschedule(c, appointments.ActorClient)
}

// AdminRescheduleAppointment moves an appointment without a token and outside business
// hours. The conflict guard still applies.
func (h *Handler) AdminRescheduleAppointment(c echo.Context) error {
	return h.reschedule(c, appointments.ActorAdmin)
}

func (h *Handler) reschedule(c echo.Context, actor appointments.Actor) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	in := appointments.RescheduleInput{
		AppointmentID:      id,
		Actor:              actor,
		NewStartTime:       req.StartTime,
		NewDurationMinutes: req.DurationMinutes,
	}
	if actor == appointments.ActorClient {
		in.Token = tokenFrom(c, req.Token)
	}
	appt, err := h.svc.Reschedule(c.Request().Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type completeRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	appt, err := h.svc.Complete(c.Request().Context(), id, req.Outcome)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	appt, err := h.svc.MarkNoShow(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type noteRequest struct {
	Content string `json:"content"`
	AddedBy string `json:"addedBy"`
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	appt, err := h.svc.AddNote(c.Request().Context(), id, req.Content, req.AddedBy)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type windowResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func windows(ws []domain.TimeWindow) []windowResponse {
	out := make([]windowResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, windowResponse{Start: w.Start, End: w.End})
	}
	return out
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return badRequest(c, "date is required")
	}
	duration, err := strconv.Atoi(c.QueryParam("durationMinutes"))
	if err != nil {
		return badRequest(c, "durationMinutes must be an integer")
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), date, duration)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, windows(slots))
}

func (h *Handler) SuggestedSlots(c echo.Context) error {
	serviceID, err := uuid.Parse(c.QueryParam("serviceId"))
	if err != nil {
		return badRequest(c, "serviceId must be a uuid")
	}
	pref := availability.ParsePreference(c.QueryParam("preference"))
	if pref.Kind == availability.PreferenceCustom {
		from, errFrom := strconv.Atoi(c.QueryParam("fromHour"))
		to, errTo := strconv.Atoi(c.QueryParam("toHour"))
		if errFrom != nil || errTo != nil || from < 0 || to > 24 || from >= to {
			return badRequest(c, "custom preference needs 0 <= fromHour < toHour <= 24")
		}
		pref.FromHour, pref.ToHour = from, to
	}
	slots, err := h.svc.SuggestedSlots(c.Request().Context(), serviceID, pref)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, windows(slots))
}

func (h *Handler) ListServices(c echo.Context) error {
	list, err := h.svc.ListServices(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

type overrideRequest struct {
	Closed bool `json:"closed"`
	// Intervals uses the "09:00-12:00,14:00-18:00" form.
	Intervals string `json:"intervals"`
	Reason    string `json:"reason"`
}

func (h *Handler) SetCalendarOverride(c echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	intervals, err := domain.ParseClockRanges(req.Intervals)
	if err != nil {
		return badRequest(c, err.Error())
	}
	o, err := h.svc.SetCalendarOverride(c.Request().Context(), appointments.OverrideInput{
		Date:      c.Param("date"),
		Closed:    req.Closed,
		Intervals: intervals,
		Reason:    req.Reason,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListCalendarOverrides(c echo.Context) error {
	list, err := h.svc.ListCalendarOverrides(c.Request().Context(), c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) SendReminders(c echo.Context) error {
	if h.reminders == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody(appointments.KindInternal, "reminders are not configured"))
	}
	res, err := h.reminders.RunOnce(c.Request().Context())
	if err != nil {
		h.log.Error("reminder batch failed", slog.Any("err", err))
		return c.JSON(http.StatusServiceUnavailable, errorBody(appointments.KindStorage, "reminder batch failed"))
	}
	return c.JSON(http.StatusOK, res)
}

func appointmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, appointments.ErrAppointmentNotFound
	}
	return id, nil
}

// tokenFrom prefers the body and falls back to the ?token= query used by email links.
func tokenFrom(c echo.Context, body string) string {
	if t := strings.TrimSpace(body); t != "" {
		return t
	}
	return strings.TrimSpace(c.QueryParam("token"))
}
