package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"appointly/internal/config"
	"appointly/internal/notify"
	"appointly/internal/service/appointments"
	"appointly/internal/service/reminders"
	"appointly/internal/store"
	"appointly/internal/store/memory"
	"appointly/internal/store/postgres"
	redisstore "appointly/internal/store/redis"
)

type storage interface {
	store.AppointmentRepository
	store.ServiceCatalog
	store.CalendarOverrideRepository
}

// postgresStorage joins the two postgres repositories behind one value.
type postgresStorage struct {
	*postgres.AppointmentRepo
	*postgres.CatalogRepo
}

type app struct {
	storage   storage
	svc       *appointments.Service
	queue     *notify.Queue
	scheduler *reminders.Scheduler
	closers   []func() error
}

func (a *app) Close(log *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("close failed", slog.Any("err", err))
		}
	}
}

// buildApp wires storage, notifications and the reminder scheduler from cfg.
func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}

	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		a.storage = memory.New()
	default:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			return nil, err
		}
		a.closers = append(a.closers, func() error { return postgres.Close(db) })
		a.storage = postgresStorage{
			AppointmentRepo: postgres.NewAppointmentRepo(db),
			CatalogRepo:     postgres.NewCatalogRepo(db),
		}
	}

	if err := seedCatalog(ctx, a.storage, cfg, log); err != nil {
		a.Close(log)
		return nil, err
	}

	var handlers []notify.Handler
	if cfg.KafkaBrokers != "" {
		pub := notify.NewKafkaPublisher(notify.SplitBrokers(cfg.KafkaBrokers), cfg.KafkaTopic)
		a.closers = append(a.closers, pub.Close)
		handlers = append(handlers, pub)
		log.Info("kafka publisher enabled", slog.String("topic", cfg.KafkaTopic))
	}
	var mailer *notify.Mailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewMailer(notify.MailerConfig{
			Host:          cfg.SMTPHost,
			Port:          cfg.SMTPPort,
			Username:      cfg.SMTPUsername,
			Password:      cfg.SMTPPassword,
			From:          cfg.SMTPFrom,
			PublicBaseURL: cfg.PublicBaseURL,
		}, cfg.Location)
		handlers = append(handlers, mailer)
	}

	var publisher notify.Publisher = notify.Discard{}
	if len(handlers) > 0 {
		a.queue = notify.NewQueue(cfg.NotifyQueueSize, cfg.NotifyWorkers, log.With(slog.String("component", "notify")), handlers...)
		publisher = a.queue
	}

	a.svc = appointments.NewService(a.storage, a.storage, a.storage,
		appointments.WithLocation(cfg.Location),
		appointments.WithTemplate(cfg.CalendarTemplate()),
		appointments.WithSlotStep(cfg.SlotStep),
		appointments.WithSuggestHorizon(cfg.SuggestHorizon),
		appointments.WithStoreTimeout(cfg.StoreTimeout),
		appointments.WithPublisher(publisher),
		appointments.WithLogger(log.With(slog.String("component", "appointments"))),
	)

	if mailer == nil {
		log.Warn("smtp not configured; reminder scheduler disabled")
		return a, nil
	}

	var claims reminders.Claimer
	if cfg.RedisURL != "" {
		rdb, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			a.Close(log)
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		c, err := redisstore.NewClaimer(rdb, cfg.ReminderClaimTTL, "appointly:reminder")
		if err != nil {
			a.Close(log)
			return nil, err
		}
		claims = c
	} else {
		claims = reminders.NewLocalClaimer(cfg.ReminderClaimTTL)
	}

	a.scheduler = reminders.NewScheduler(a.storage, a.storage, mailer, claims,
		log.With(slog.String("component", "reminders")),
		reminders.Config{Interval: cfg.ReminderInterval, BatchBudget: cfg.ReminderBatchBudget},
	)
	return a, nil
}

// seedCatalog stores the configured service when the catalog is empty.
func seedCatalog(ctx context.Context, s storage, cfg config.Config, log *slog.Logger) error {
	existing, err := s.ListServices(ctx, false)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	svc, err := s.PutService(ctx, cfg.SeedService)
	if err != nil {
		return fmt.Errorf("seed service: %w", err)
	}
	log.Info("catalog seeded", slog.String("service_id", svc.ID.String()), slog.String("name", svc.Name))
	return nil
}

var errRemindersDisabled = errors.New("reminders need smtp.host to be configured")
