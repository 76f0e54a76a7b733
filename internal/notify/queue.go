package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const drainTimeout = 5 * time.Second

type queued struct {
	ev   Event
	span trace.SpanContext
}

// Queue fans events out to handlers on a fixed worker pool. Publish never blocks:
// when the buffer is full the event is dropped and counted.
type Queue struct {
	ch       chan queued
	handlers []Handler
	workers  int
	log      *slog.Logger
	dropped  atomic.Int64
	failed   atomic.Int64
}

func NewQueue(size, workers int, log *slog.Logger, handlers ...Handler) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		ch:       make(chan queued, size),
		handlers: handlers,
		workers:  workers,
		log:      log,
	}
}

func (q *Queue) Publish(ctx context.Context, ev Event) {
	select {
	case q.ch <- queued{ev: ev, span: trace.SpanContextFromContext(ctx)}:
	default:
		q.dropped.Add(1)
		q.log.Warn("notification queue full, event dropped",
			slog.String("event_type", string(ev.Type)),
			slog.String("appointment_id", ev.Appointment.ID.String()),
		)
	}
}

func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) Failed() int64 { return q.failed.Load() }

// Run blocks until ctx is done, then drains whatever is still buffered.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case item := <-q.ch:
			q.dispatch(ctx, item)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case item := <-q.ch:
			q.dispatch(ctx, item)
		default:
			return
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, item queued) {
	if item.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, item.span)
	}
	for _, h := range q.handlers {
		if err := h.Handle(ctx, item.ev); err != nil {
			q.failed.Add(1)
			q.log.Error("notification handler failed",
				slog.String("event_type", string(item.ev.Type)),
				slog.String("appointment_id", item.ev.Appointment.ID.String()),
				slog.Any("err", err),
			)
		}
	}
}
