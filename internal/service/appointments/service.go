package appointments

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"appointly/internal/availability"
	"appointly/internal/domain"
	"appointly/internal/notify"
	"appointly/internal/store"
)

const (
	defaultSuggestHorizon = 14 * 24 * time.Hour
	maxQueryRange         = 62 * 24 * time.Hour
	maxNoteLength         = 2000
	maxMetadataEntries    = 20
	maxMetadataKeyLength  = 64
	maxMetadataValueLen   = 1024
	maxIdempotencyKeyLen  = 256
)

type Service struct {
	repo      store.AppointmentRepository
	catalog   store.ServiceCatalog
	overrides store.CalendarOverrideRepository
	events    notify.Publisher

	loc            *time.Location
	template       map[time.Weekday][]domain.ClockRange
	step           time.Duration
	suggestHorizon time.Duration
	storeTimeout   time.Duration

	now    func() time.Time
	log    *slog.Logger
	tracer trace.Tracer
}

type Option func(*Service)

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithTemplate(tpl map[time.Weekday][]domain.ClockRange) Option {
	return func(s *Service) {
		if tpl != nil {
			s.template = tpl
		}
	}
}

func WithSlotStep(step time.Duration) Option {
	return func(s *Service) {
		if step > 0 {
			s.step = step
		}
	}
}

// WithSuggestHorizon sets how far ahead suggestions look. It is capped at the longest
// range a free-window query accepts.
func WithSuggestHorizon(d time.Duration) Option {
	return func(s *Service) {
		if d > maxQueryRange {
			d = maxQueryRange
		}
		if d > 0 {
			s.suggestHorizon = d
		}
	}
}

// WithStoreTimeout bounds every storage round trip made on behalf of one request.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(repo store.AppointmentRepository, catalog store.ServiceCatalog, overrides store.CalendarOverrideRepository, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		catalog:        catalog,
		overrides:      overrides,
		events:         notify.Discard{},
		loc:            time.UTC,
		template:       domain.DefaultTemplate(),
		step:           availability.DefaultStep,
		suggestHorizon: defaultSuggestHorizon,
		now:            time.Now,
		log:            slog.Default(),
		tracer:         otel.Tracer("appointly/service/appointments"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Location() *time.Location {
	return s.loc
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "appointments."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
	}
	span.End()
}

func (s *Service) publish(ctx context.Context, t notify.EventType, appt domain.Appointment, reason string) {
	svc, err := s.catalog.GetService(ctx, appt.ServiceID)
	if err != nil {
		s.log.Warn("service lookup for notification failed",
			slog.String("appointment_id", appt.ID.String()),
			slog.Any("err", err),
		)
	}
	ev := notify.NewEvent(t, appt, svc, s.clock())
	ev.Reason = reason
	s.events.Publish(ctx, ev)
}

type CreateInput struct {
	ServiceID      uuid.UUID
	Client         domain.ClientSnapshot
	StartTime      time.Time
	EndTime        time.Time
	Consents       domain.Consents
	Intake         domain.ProjectIntake
	Metadata       map[string]string
	IdempotencyKey string
}

// Create books a new appointment in status scheduled. The overlap check and the insert
// run inside one calendar transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (appt domain.Appointment, err error) {
	ctx, span := s.startSpan(ctx, "Create", attribute.String("service.id", in.ServiceID.String()))
	defer func() { endSpan(span, err) }()

	if in.ServiceID == uuid.Nil {
		return domain.Appointment{}, validationError("service_id is required")
	}
	window, err := domain.NewTimeWindow(in.StartTime, in.EndTime)
	if err != nil {
		return domain.Appointment{}, validationError("end_time must be after start_time")
	}
	if !in.Consents.GDPRAccepted {
		return domain.Appointment{}, ErrConsentRequired
	}
	client, err := normalizeClient(in.Client)
	if err != nil {
		return domain.Appointment{}, err
	}
	if err := validateMetadata(in.Metadata); err != nil {
		return domain.Appointment{}, err
	}

	svc, err := s.lookupService(ctx, in.ServiceID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if window.Duration() != svc.Duration() {
		return domain.Appointment{}, validationError("appointment length must match the service consultation duration")
	}
	now := s.clock()
	earliest, latest := svc.BookableRange(now)
	if window.Start.Before(earliest) {
		return domain.Appointment{}, validationError("start_time is earlier than the service allows")
	}
	if !latest.IsZero() && window.Start.After(latest) {
		return domain.Appointment{}, validationError("start_time is further ahead than the service allows")
	}
	if err := s.ensureWithinBusinessHours(ctx, window); err != nil {
		return domain.Appointment{}, err
	}

	acceptedAt := now
	consents := in.Consents
	consents.AcceptedAt = &acceptedAt

	candidate := domain.Appointment{
		ServiceID:           svc.ID,
		Client:              client,
		StartTime:           window.Start,
		EndTime:             window.End,
		BufferBeforeMinutes: svc.BufferBeforeMinutes,
		BufferAfterMinutes:  svc.BufferAfterMinutes,
		Status:              domain.StatusScheduled,
		Consents:            consents,
		Intake:              in.Intake,
		Metadata:            in.Metadata,
		Notes:               []domain.Note{},
		RemindersSent:       []string{},
		CreatedAt:           now,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > maxIdempotencyKeyLen {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		candidate.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("appointly:create_appointment:"+key))
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		candidate.ID = id
	}
	if err := candidate.IssueTokens(); err != nil {
		return domain.Appointment{}, err
	}

	replayed := false
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.repo.InCalendarTransaction(sctx, func(ctx context.Context, tx store.CalendarTx) error {
		if key != "" {
			existing, err := tx.GetAppointment(ctx, candidate.ID)
			switch {
			case err == nil:
				if !existing.SameBooking(candidate) {
					return store.ErrIdempotencyConflict
				}
				appt, replayed = existing, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		busy, err := tx.FindActiveAppointmentsOverlapping(ctx, window, uuid.Nil)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return ErrSlotUnavailable
		}
		appt, err = tx.InsertAppointment(ctx, candidate)
		return err
	})
	if err != nil {
		err = appointmentError("create appointment", err)
		s.logRejection("create rejected", err, slog.String("service_id", svc.ID.String()), slog.Time("start", window.Start))
		return domain.Appointment{}, err
	}
	if replayed {
		return appt, nil
	}

	s.log.Info("appointment created",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("service_id", svc.ID.String()),
		slog.Time("start", appt.StartTime),
	)
	s.publish(ctx, notify.EventCreated, appt, "")
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, ErrAppointmentNotFound
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	a, err := s.repo.GetAppointment(sctx, id)
	if err != nil {
		return domain.Appointment{}, appointmentError("get appointment", err)
	}
	return a, nil
}

// TodayAppointments lists the active appointments of the current day in the calendar
// timezone.
func (s *Service) TodayAppointments(ctx context.Context) ([]domain.Appointment, error) {
	cal := domain.NewCalendar(s.loc, s.template, nil)
	from, to := cal.DayBounds(s.clock())
	all, err := s.ListBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Appointment, 0, len(all))
	for _, a := range all {
		if a.Status.IsActive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	start, end := from.UTC(), to.UTC()
	if !end.After(start) {
		return nil, validationError("to must be after from")
	}
	if end.Sub(start) > maxQueryRange {
		return nil, validationError("range too long")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rows, err := s.repo.ListBetween(sctx, start, end)
	if err != nil {
		return nil, storageError("list appointments", err)
	}
	return rows, nil
}

func (s *Service) ListServices(ctx context.Context) ([]domain.Service, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rows, err := s.catalog.ListServices(sctx, true)
	if err != nil {
		return nil, storageError("list services", err)
	}
	return rows, nil
}

func (s *Service) lookupService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	svc, err := s.catalog.GetService(sctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Service{}, ErrServiceNotFound
	}
	if err != nil {
		return domain.Service{}, storageError("get service", err)
	}
	if !svc.Active {
		return domain.Service{}, ErrServiceNotFound
	}
	return svc, nil
}

func (s *Service) logRejection(msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("kind", ErrorKind(err)), slog.Any("err", err))
	if ErrorKind(err) == KindStorage || ErrorKind(err) == KindInternal {
		s.log.Error(msg, attrs...)
		return
	}
	s.log.Info(msg, attrs...)
}

func normalizeClient(c domain.ClientSnapshot) (domain.ClientSnapshot, error) {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)
	c.Timezone = strings.TrimSpace(c.Timezone)

	if c.FirstName == "" || c.LastName == "" {
		return c, validationError("client first and last name are required")
	}
	if c.Email == "" {
		return c, validationError("client email is required")
	}
	if addr, err := mail.ParseAddress(c.Email); err != nil || addr.Address != c.Email {
		return c, validationError("client email is invalid")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return c, validationError("client timezone is invalid")
		}
	}
	return c, nil
}

func validateMetadata(m map[string]string) error {
	if len(m) > maxMetadataEntries {
		return validationError("too many metadata entries")
	}
	for k, v := range m {
		if strings.TrimSpace(k) == "" || len(k) > maxMetadataKeyLength {
			return validationError("invalid metadata key")
		}
		if len(v) > maxMetadataValueLen {
			return validationError("metadata value too long")
		}
	}
	return nil
}
