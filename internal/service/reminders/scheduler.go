package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"appointly/internal/domain"
	"appointly/internal/store"
)

const (
	defaultInterval    = time.Minute
	defaultBatchBudget = 30 * time.Second
	defaultClaimTTL    = 2 * time.Minute
	releaseTimeout     = 2 * time.Second
)

// Dispatcher delivers one reminder and returns only once delivery succeeded or failed.
type Dispatcher interface {
	SendReminder(ctx context.Context, appt domain.Appointment, svc domain.Service, tier domain.ReminderTier) error
}

type Due struct {
	Appointment domain.Appointment
	Tier        domain.ReminderTier
}

type Result struct {
	SentCount   int `json:"sentCount"`
	FailedCount int `json:"failedCount"`
	TotalDue    int `json:"totalDue"`
}

type Config struct {
	Interval    time.Duration
	BatchBudget time.Duration
	Clock       func() time.Time
}

type Scheduler struct {
	repo       store.AppointmentRepository
	catalog    store.ServiceCatalog
	dispatcher Dispatcher
	claims     Claimer
	log        *slog.Logger
	tracer     trace.Tracer
	interval   time.Duration
	budget     time.Duration
	now        func() time.Time

	mu       sync.Mutex
	failures map[uuid.UUID]int
}

// NewScheduler falls back to a LocalClaimer when claims is nil.
func NewScheduler(repo store.AppointmentRepository, catalog store.ServiceCatalog, dispatcher Dispatcher, claims Claimer, log *slog.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchBudget <= 0 {
		cfg.BatchBudget = defaultBatchBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if claims == nil {
		claims = NewLocalClaimer(defaultClaimTTL)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		repo:       repo,
		catalog:    catalog,
		dispatcher: dispatcher,
		claims:     claims,
		log:        log,
		tracer:     otel.Tracer("appointly/service/reminders"),
		interval:   cfg.Interval,
		budget:     cfg.BatchBudget,
		now:        cfg.Clock,
		failures:   make(map[uuid.UUID]int),
	}
}

// Run executes a batch on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("reminder scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reminder scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("reminder batch failed", slog.Any("err", err))
			}
		}
	}
}

// DueForReminders returns every active appointment together with the tier it is due for
// at now, skipping tiers already recorded.
func (s *Scheduler) DueForReminders(ctx context.Context, now time.Time) ([]Due, error) {
	appts, err := s.repo.FindDueReminders(ctx, now, domain.ReminderHorizon)
	if err != nil {
		return nil, err
	}
	out := make([]Due, 0, len(appts))
	for _, a := range appts {
		if !a.Status.IsActive() {
			continue
		}
		tier, ok := domain.TierFor(a.StartTime, now)
		if !ok || a.ReminderSent(tier) {
			continue
		}
		out = append(out, Due{Appointment: a, Tier: tier})
	}
	return out, nil
}

// RunOnce dispatches every due reminder within the batch budget. A failed dispatch is
// counted and left unrecorded so the next run retries it.
func (s *Scheduler) RunOnce(ctx context.Context) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "reminders.RunOnce")
	defer func() {
		span.SetAttributes(
			attribute.Int("reminders.total_due", res.TotalDue),
			attribute.Int("reminders.sent", res.SentCount),
			attribute.Int("reminders.failed", res.FailedCount),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	now := s.now()
	due, err := s.DueForReminders(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("find due reminders: %w", err)
	}
	res.TotalDue = len(due)

	for i, d := range due {
		if ctx.Err() != nil {
			s.log.Warn("reminder batch budget exhausted",
				slog.Int("processed", i),
				slog.Int("remaining", len(due)-i),
			)
			break
		}
		sent, err := s.deliver(ctx, d, now)
		switch {
		case err != nil:
			res.FailedCount++
			s.log.Warn("reminder dispatch failed",
				slog.String("appointment_id", d.Appointment.ID.String()),
				slog.String("tier", string(d.Tier)),
				slog.Any("err", err),
			)
		case sent:
			res.SentCount++
		}
	}

	if res.TotalDue > 0 {
		s.log.Info("reminder batch finished",
			slog.Int("total_due", res.TotalDue),
			slog.Int("sent", res.SentCount),
			slog.Int("failed", res.FailedCount),
		)
	}
	return res, nil
}

// Failures returns the dispatch failures counted for id by this process.
func (s *Scheduler) Failures(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

// deliver reports sent=false with a nil error when another run owns or already
// finished the reminder.
func (s *Scheduler) deliver(ctx context.Context, d Due, now time.Time) (bool, error) {
	key := d.Appointment.ID.String() + ":" + string(d.Tier)
	ok, err := s.claims.Claim(ctx, key)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := s.claims.Release(rctx, key); err != nil {
			s.log.Warn("reminder claim release failed", slog.String("key", key), slog.Any("err", err))
		}
	}()

	// Re-read under the claim: an earlier run may have finished, or the appointment moved.
	current, err := s.repo.GetAppointment(ctx, d.Appointment.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reload appointment: %w", err)
	}
	if !current.Status.IsActive() || current.ReminderSent(d.Tier) {
		return false, nil
	}
	if tier, ok := domain.TierFor(current.StartTime, now); !ok || tier != d.Tier {
		return false, nil
	}

	svc, err := s.catalog.GetService(ctx, current.ServiceID)
	if err != nil {
		return false, fmt.Errorf("load service: %w", err)
	}
	if err := s.dispatcher.SendReminder(ctx, current, svc, d.Tier); err != nil {
		s.recordFailure(ctx, current.ID)
		return false, err
	}

	marked, err := s.repo.MarkReminderSent(ctx, current.ID, d.Tier)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	if !marked {
		s.log.Warn("reminder tier was already recorded",
			slog.String("appointment_id", current.ID.String()),
			slog.String("tier", string(d.Tier)),
		)
	}
	return true, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, id uuid.UUID) {
	s.mu.Lock()
	s.failures[id]++
	s.mu.Unlock()

	if err := s.repo.RecordReminderFailure(context.WithoutCancel(ctx), id); err != nil {
		s.log.Error("record reminder failure", slog.String("appointment_id", id.String()), slog.Any("err", err))
	}
}
