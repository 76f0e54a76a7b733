package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"appointly/internal/domain"
	"appointly/internal/service/appointments"
	"appointly/internal/service/reminders"
	"appointly/internal/store/memory"
)

type fakeRunner struct {
	res reminders.Result
	err error
}

func (f fakeRunner) RunOnce(ctx context.Context) (reminders.Result, error) {
	return f.res, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type testServer struct {
	e       *echo.Echo
	store   *memory.Store
	service domain.Service
}

func newTestServer(t *testing.T, runner ReminderRunner, ready Pinger) *testServer {
	t.Helper()
	st := memory.New()
	svc, err := st.PutService(context.Background(), domain.Service{Name: "Discovery call", ConsultationDurationMinutes: 60, Active: true})
	if err != nil {
		t.Fatalf("PutService error: %v", err)
	}
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	appts := appointments.NewService(st, st, st,
		appointments.WithClock(func() time.Time { return now }),
		appointments.WithLogger(log),
	)

	e := echo.New()
	Use(e, log, 5*time.Second)
	NewHandler(appts, runner, ready, log).RegisterRoutes(e)
	return &testServer{e: e, store: st, service: svc}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createBody(start string) string {
	return `{"serviceId":"` + s.service.ID.String() + `",` +
		`"client":{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"},` +
		`"startTime":"` + start + `","endTime":"` + shiftHour(start) + `",` +
		`"consents":{"gdprAccepted":true}}`
}

func shiftHour(rfc string) string {
	t, _ := time.Parse(time.RFC3339, rfc)
	return t.Add(time.Hour).Format(time.RFC3339)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestCreateAppointment_ThenConflict(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/v1/appointments", s.createBody("2025-03-10T10:00:00Z"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatalf("missing request id header")
	}
	var appt domain.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode appointment: %v", err)
	}
	if appt.Status != domain.StatusScheduled || appt.ID == uuid.Nil {
		t.Fatalf("appointment = %+v", appt)
	}
	if strings.Contains(rec.Body.String(), "Token") || strings.Contains(rec.Body.String(), "token") {
		t.Fatalf("tokens must not be returned: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/v1/appointments", s.createBody("2025-03-10T10:30:00Z"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if got := decodeError(t, rec); got.Kind != appointments.KindSlotUnavailable {
		t.Fatalf("kind = %q", got.Kind)
	}
}

func TestCreateAppointment_Rejections(t *testing.T) {
	s := newTestServer(t, nil, nil)

	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{
			name:   "no consent",
			body:   strings.Replace(s.createBody("2025-03-10T10:00:00Z"), `"gdprAccepted":true`, `"gdprAccepted":false`, 1),
			status: http.StatusUnprocessableEntity,
			kind:   appointments.KindConsentRequired,
		},
		{
			name:   "unknown service",
			body:   strings.Replace(s.createBody("2025-03-10T10:00:00Z"), s.service.ID.String(), uuid.NewString(), 1),
			status: http.StatusNotFound,
			kind:   appointments.KindServiceNotFound,
		},
		{
			name:   "bad service id",
			body:   strings.Replace(s.createBody("2025-03-10T10:00:00Z"), s.service.ID.String(), "nope", 1),
			status: http.StatusBadRequest,
			kind:   appointments.KindValidation,
		},
		{
			name:   "malformed json",
			body:   `{"serviceId":`,
			status: http.StatusBadRequest,
			kind:   appointments.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/appointments", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if got := decodeError(t, rec); got.Kind != tt.kind {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.kind)
			}
		})
	}
}

func TestConfirmAppointment_TokenFromQuery(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(t, http.MethodPost, "/v1/appointments", s.createBody("2025-03-10T10:00:00Z"))
	var created domain.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	stored, err := s.store.GetAppointment(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetAppointment error: %v", err)
	}

	target := "/v1/appointments/" + created.ID.String() + "/confirm?token=" + stored.ConfirmationToken
	rec = s.do(t, http.MethodPost, target, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, target, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("replay status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = s.do(t, http.MethodPost, "/v1/appointments/"+created.ID.String()+"/cancel",
		`{"token":"`+stored.CancellationToken+`","reason":"conflict"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/v1/appointments/"+created.ID.String()+"/cancel",
		`{"token":"`+stored.CancellationToken+`"}`)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Kind != appointments.KindInvalidState {
		t.Fatalf("second cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

// book creates an appointment over HTTP and returns the stored copy, tokens included.
func (s *testServer) book(t *testing.T, start string) domain.Appointment {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/appointments", s.createBody(start))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created domain.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	stored, err := s.store.GetAppointment(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetAppointment error: %v", err)
	}
	return stored
}

func TestCancelAppointment_Twice(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.book(t, "2025-03-10T10:00:00Z")
	target := "/v1/appointments/" + a.ID.String() + "/cancel"

	rec := s.do(t, http.MethodPost, target, `{"token":"`+a.CancellationToken+`","reason":"travel"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var cancelled domain.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %q", cancelled.Status)
	}

	rec = s.do(t, http.MethodPost, target, `{"token":"`+a.CancellationToken+`"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if got := decodeError(t, rec); got.Kind != appointments.KindInvalidState {
		t.Fatalf("kind = %q", got.Kind)
	}
}

func TestRescheduleAppointment(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.book(t, "2025-03-10T10:00:00Z")
	b := s.book(t, "2025-03-10T14:00:00Z")
	target := "/v1/appointments/" + b.ID.String() + "/reschedule"

	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{
			name:   "missing token",
			body:   `{"startTime":"2025-03-10T16:00:00Z"}`,
			status: http.StatusNotFound,
			kind:   appointments.KindAppointmentNotFound,
		},
		{
			name:   "wrong token",
			body:   `{"token":"` + b.CancellationToken + `","startTime":"2025-03-10T16:00:00Z"}`,
			status: http.StatusNotFound,
			kind:   appointments.KindAppointmentNotFound,
		},
		{
			name:   "occupied slot",
			body:   `{"token":"` + b.RescheduleToken + `","startTime":"2025-03-10T10:15:00Z"}`,
			status: http.StatusConflict,
			kind:   appointments.KindSlotUnavailable,
		},
		{
			name:   "outside business hours",
			body:   `{"token":"` + b.RescheduleToken + `","startTime":"2025-03-10T19:00:00Z"}`,
			status: http.StatusConflict,
			kind:   appointments.KindSlotUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPut, target, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if got := decodeError(t, rec); got.Kind != tt.kind {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.kind)
			}
		})
	}

	rec := s.do(t, http.MethodPut, target, `{"token":"`+b.RescheduleToken+`","startTime":"2025-03-10T09:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var moved domain.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &moved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if moved.Status != domain.StatusScheduled || !moved.StartTime.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("moved = %+v", moved)
	}
}

func TestRescheduleAppointment_ClientCannotClaimAdmin(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.book(t, "2025-03-10T10:00:00Z")

	rec := s.do(t, http.MethodPut, "/v1/appointments/"+a.ID.String()+"/reschedule",
		`{"actor":"admin","startTime":"2025-03-09T03:00:00Z"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusNotFound, rec.Body.String())
	}
	got, err := s.store.GetAppointment(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAppointment error: %v", err)
	}
	if !got.StartTime.Equal(a.StartTime) {
		t.Fatalf("appointment moved to %v", got.StartTime)
	}

	rec = s.do(t, http.MethodPut, "/v1/admin/appointments/"+a.ID.String()+"/reschedule",
		`{"startTime":"2025-03-09T03:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCompleteAndNoShow_BeforeWindowEnds(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.book(t, "2025-03-10T10:00:00Z")

	for _, route := range []string{"complete", "no-show"} {
		rec := s.do(t, http.MethodPost, "/v1/appointments/"+a.ID.String()+"/"+route, `{"outcome":"done"}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("%s status = %d, want %d", route, rec.Code, http.StatusConflict)
		}
		if got := decodeError(t, rec); got.Kind != appointments.KindInvalidState {
			t.Fatalf("%s kind = %q", route, got.Kind)
		}
	}
}

func TestAddNote(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.book(t, "2025-03-10T10:00:00Z")
	target := "/v1/appointments/" + a.ID.String() + "/notes"

	rec := s.do(t, http.MethodPost, target, `{"content":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty note status = %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Kind != appointments.KindValidation {
		t.Fatalf("kind = %q", got.Kind)
	}

	rec = s.do(t, http.MethodPost, target, `{"content":"bring the contract","addedBy":"ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var noted domain.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &noted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(noted.Notes) != 1 || noted.Notes[0].Content != "bring the contract" {
		t.Fatalf("notes = %+v", noted.Notes)
	}

	rec = s.do(t, http.MethodPost, "/v1/appointments/"+uuid.NewString()+"/notes", `{"content":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown appointment status = %d", rec.Code)
	}
}

func TestGetAppointment_NotFound(t *testing.T) {
	s := newTestServer(t, nil, nil)
	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		rec := s.do(t, http.MethodGet, "/v1/appointments/"+id, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d", id, rec.Code)
		}
		if got := decodeError(t, rec); got.Kind != appointments.KindAppointmentNotFound {
			t.Fatalf("%s: kind = %q", id, got.Kind)
		}
	}
}

func TestAvailableSlots(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/v1/slots/available?date=2025-03-09&durationMinutes=60", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("sunday: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/v1/slots/available?date=2025-03-10&durationMinutes=60", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var slots []windowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(slots) != 12 || !slots[0].Start.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("slots = %+v", slots)
	}

	rec = s.do(t, http.MethodGet, "/v1/slots/available?date=2025-03-10&durationMinutes=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad duration status = %d", rec.Code)
	}
}

func TestSuggestedSlots_CustomNeedsHours(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/v1/slots/suggested?serviceId="+s.service.ID.String()+"&preference=custom", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/v1/slots/suggested?serviceId="+s.service.ID.String()+"&preference=custom&fromHour=16&toHour=18", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var slots []windowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, w := range slots {
		if h := w.Start.Hour(); h < 16 || h >= 18 {
			t.Fatalf("slot outside custom hours: %v", w.Start)
		}
	}
}

func TestSendReminders(t *testing.T) {
	s := newTestServer(t, fakeRunner{res: reminders.Result{SentCount: 2, FailedCount: 1, TotalDue: 3}}, nil)
	rec := s.do(t, http.MethodPost, "/v1/reminders/send", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["sentCount"] != 2 || got["failedCount"] != 1 || got["totalDue"] != 3 {
		t.Fatalf("body = %v", got)
	}

	failing := newTestServer(t, fakeRunner{err: errors.New("db down")}, nil)
	rec = failing.do(t, http.MethodPost, "/v1/reminders/send", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing status = %d", rec.Code)
	}
}

func TestCalendarOverrideRoutes(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPut, "/v1/calendar/overrides/2025-03-09", `{"intervals":"10:00-12:00","reason":"open house"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPut, "/v1/calendar/overrides/2025-03-11", `{"intervals":"12:00-10:00"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad interval status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/v1/calendar/overrides?from=2025-03-01&to=2025-03-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []domain.CalendarOverride
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("overrides = %+v", list)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil, fakePinger{})
	if rec := s.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	down := newTestServer(t, nil, fakePinger{err: errors.New("connection refused")})
	if rec := down.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz down = %d", rec.Code)
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := s.do(t, http.MethodGet, "/v1/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Kind != "route_not_found" {
		t.Fatalf("kind = %q", got.Kind)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		appointments.KindValidation:          http.StatusBadRequest,
		appointments.KindConsentRequired:     http.StatusUnprocessableEntity,
		appointments.KindSlotUnavailable:     http.StatusConflict,
		appointments.KindInvalidState:        http.StatusConflict,
		appointments.KindServiceNotFound:     http.StatusNotFound,
		appointments.KindAppointmentNotFound: http.StatusNotFound,
		appointments.KindStorage:             http.StatusServiceUnavailable,
		appointments.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}
