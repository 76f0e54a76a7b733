package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"appointly/internal/domain"
	"appointly/internal/store"
)

// calendarLockKey names the single practitioner calendar every booking serializes on.
const calendarLockKey = "calendar"

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
	overlapConstraint    = "appointments_no_overlap"
)

var activeStatuses = []string{string(domain.StatusScheduled), string(domain.StatusConfirmed)}

// updatableColumns are the columns a state transition may rewrite. Reminder columns
// have their own conditional updates.
var updatableColumns = []string{
	"start_time",
	"end_time",
	"status",
	"confirmation_token",
	"cancellation_token",
	"reschedule_token",
	"notes",
	"reschedule_count",
	"cancelled_at",
	"completed_at",
	"version",
	"updated_at",
}

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

var _ store.AppointmentRepository = (*AppointmentRepo)(nil)

type calendarTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AppointmentRepo) InCalendarTransaction(ctx context.Context, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockCalendar(ctx, tx); err != nil {
			return err
		}
		return fn(ctx, calendarTx{tx: tx})
	})
}

func lockCalendar(ctx context.Context, tx bun.Tx) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", calendarLockKey).Exec(ctx)
	return err
}

func (r *AppointmentRepo) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	return getAppointment(ctx, r.db, id)
}

func (r *AppointmentRepo) UpdateAppointment(ctx context.Context, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error) {
	return updateAppointment(ctx, r.db, expectedVersion, appt)
}

func (r *AppointmentRepo) ListActiveBetween(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return findActiveOverlapping(ctx, r.db, domain.TimeWindow{Start: windowStart, End: windowEnd}, uuid.Nil)
}

func (r *AppointmentRepo) ListBetween(ctx context.Context, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) FindDueReminders(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("status IN (?)", bun.In(activeStatuses)).
		Where("start_time > ?", now.UTC()).
		Where("start_time <= ?", now.UTC().Add(horizon)).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkReminderSent is a single conditional append, so concurrent callers for the same
// tier see exactly one true.
func (r *AppointmentRepo) MarkReminderSent(ctx context.Context, id uuid.UUID, tier domain.ReminderTier) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("reminders_sent = array_append(reminders_sent, ?::text)", string(tier)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("NOT (?::text = ANY(reminders_sent))", string(tier)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	if err := ensureExists(ctx, r.db, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *AppointmentRepo) RecordReminderFailure(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("reminder_failures = reminder_failures + 1").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r calendarTx) FindActiveAppointmentsOverlapping(ctx context.Context, window domain.TimeWindow, excludeID uuid.UUID) ([]domain.Appointment, error) {
	return findActiveOverlapping(ctx, r.tx, window, excludeID)
}

func (r calendarTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	return getAppointment(ctx, r.tx, id)
}

func (r calendarTx) UpdateAppointment(ctx context.Context, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error) {
	return updateAppointment(ctx, r.tx, expectedVersion, appt)
}

func (r calendarTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	m.Version = 1
	m.UpdatedAt = time.Time{}

	_, err := r.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == overlapConstraint {
				return domain.Appointment{}, store.ErrConflict
			}
			if pgErr.Code == pgUniqueViolation {
				existing, selectErr := getAppointment(ctx, r.tx, m.ID)
				if selectErr != nil {
					return domain.Appointment{}, err
				}
				if !existing.SameBooking(appt) {
					return domain.Appointment{}, store.ErrIdempotencyConflict
				}
				return existing, nil
			}
		}
		return domain.Appointment{}, err
	}
	return m, nil
}

func getAppointment(ctx context.Context, db bun.IDB, id uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := db.NewSelect().
		Model(&a).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return a, nil
}

// findActiveOverlapping matches on each appointment's window padded by its own buffers.
func findActiveOverlapping(ctx context.Context, db bun.IDB, window domain.TimeWindow, excludeID uuid.UUID) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := db.NewSelect().
		Model(&rows).
		Where("status IN (?)", bun.In(activeStatuses)).
		Where("start_time - make_interval(mins => buffer_before_minutes) < ?", window.End.UTC()).
		Where("end_time + make_interval(mins => buffer_after_minutes) > ?", window.Start.UTC()).
		OrderExpr("start_time ASC")
	if excludeID != uuid.Nil {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func updateAppointment(ctx context.Context, db bun.IDB, expectedVersion int64, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	m.Version = expectedVersion + 1
	m.StartTime = m.StartTime.UTC()
	m.EndTime = m.EndTime.UTC()

	res, err := db.NewUpdate().
		Model(&m).
		Column(updatableColumns...).
		Where("id = ?", m.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == overlapConstraint {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		if err := ensureExists(ctx, db, m.ID); err != nil {
			return domain.Appointment{}, err
		}
		return domain.Appointment{}, store.ErrVersionConflict
	}
	return getAppointment(ctx, db, m.ID)
}

func ensureExists(ctx context.Context, db bun.IDB, id uuid.UUID) error {
	exists, err := db.NewSelect().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}
