package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"appointly/internal/domain"
	"appointly/internal/store"
)

type CatalogRepo struct {
	db *bun.DB
}

func NewCatalogRepo(db *bun.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

var (
	_ store.ServiceCatalog             = (*CatalogRepo)(nil)
	_ store.CalendarOverrideRepository = (*CatalogRepo)(nil)
)

func (r *CatalogRepo) GetService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	var svc domain.Service
	err := r.db.NewSelect().
		Model(&svc).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Service{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Service{}, err
	}
	return svc, nil
}

func (r *CatalogRepo) ListServices(ctx context.Context, activeOnly bool) ([]domain.Service, error) {
	var rows []domain.Service
	q := r.db.NewSelect().Model(&rows).OrderExpr("name ASC")
	if activeOnly {
		q = q.Where("active")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CatalogRepo) PutService(ctx context.Context, svc domain.Service) (domain.Service, error) {
	m := svc
	_, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("consultation_duration_minutes = EXCLUDED.consultation_duration_minutes").
		Set("buffer_before_minutes = EXCLUDED.buffer_before_minutes").
		Set("buffer_after_minutes = EXCLUDED.buffer_after_minutes").
		Set("advance_booking_min_minutes = EXCLUDED.advance_booking_min_minutes").
		Set("advance_booking_max_minutes = EXCLUDED.advance_booking_max_minutes").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.Service{}, err
	}
	return m, nil
}

func (r *CatalogRepo) ListCalendarOverrides(ctx context.Context, from, to time.Time) ([]domain.CalendarOverride, error) {
	var rows []domain.CalendarOverride
	err := r.db.NewSelect().
		Model(&rows).
		Where("date >= ?::date", from.Format(domain.DateLayout)).
		Where("date <= ?::date", to.Format(domain.DateLayout)).
		OrderExpr("date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CatalogRepo) UpsertCalendarOverride(ctx context.Context, o domain.CalendarOverride) (domain.CalendarOverride, error) {
	m := o
	_, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (date) DO UPDATE").
		Set("closed = EXCLUDED.closed").
		Set("intervals = EXCLUDED.intervals").
		Set("reason = EXCLUDED.reason").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.CalendarOverride{}, err
	}
	return m, nil
}
