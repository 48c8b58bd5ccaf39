package scheduler

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/domain/subscription"
)

// Config sets when the daily pass fires, as a UTC offset from midnight.
type Config struct {
	TickAt time.Duration
}

// Scheduler runs the daily maintenance pass: expire due loyalty points, then
// deliver due subscription cycles. The pass is idempotent within a day
// because expiry clears the due rows and a delivered cycle advances its
// next-delivery date, so an operator re-run only picks up leftovers.
type Scheduler struct {
	cfg    Config
	clock  clockwork.Clock
	loyal  *loyalty.Engine
	subs   *subscription.Engine
	lg     *zap.Logger
	tracer trace.Tracer
}

// New creates a Scheduler driven by the given clock.
func New(cfg Config, clock clockwork.Clock, loyal *loyalty.Engine, subs *subscription.Engine, tp trace.TracerProvider, lg *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		clock:  clock,
		loyal:  loyal,
		subs:   subs,
		lg:     lg.Named("scheduler"),
		tracer: tp.Tracer("fitkart.scheduler"),
	}
}

// Run blocks until the context is cancelled, firing the daily pass at the
// configured time of day. A failed pass is logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := s.untilNextTick()
		s.lg.Info("next pass scheduled", zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}

		day := s.clock.Now().UTC().Truncate(24 * time.Hour)
		if err := s.RunOnce(ctx, day); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.lg.Error("daily pass failed", zap.Error(err))
		}
	}
}

// RunOnce executes a single daily pass for the given day. Operators call it
// directly to re-run a day; in-day re-runs are safe.
func (s *Scheduler) RunOnce(ctx context.Context, day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)

	ctx, span := s.tracer.Start(ctx, "scheduler.RunOnce",
		trace.WithAttributes(attribute.String("day", day.Format(time.DateOnly))))
	defer span.End()

	s.lg.Info("daily pass started", zap.Time("day", day))

	expired, err := s.loyal.ExpireAll(ctx, day)
	if err != nil {
		return errors.Wrap(err, "expire points")
	}
	s.lg.Info("points expired",
		zap.Int("users", expired.Users),
		zap.Int64("points", expired.Points),
	)

	cycle, err := s.subs.RunCycle(ctx, day)
	if err != nil {
		return errors.Wrap(err, "run subscription cycle")
	}
	s.lg.Info("subscription cycle finished",
		zap.Int("delivered", cycle.Delivered),
		zap.Int("paused", cycle.Paused),
		zap.Int("failed", cycle.Failed),
	)
	return nil
}

// untilNextTick returns the wait until the next configured time of day,
// always in the future.
func (s *Scheduler) untilNextTick() time.Duration {
	now := s.clock.Now().UTC()
	next := now.Truncate(24 * time.Hour).Add(s.cfg.TickAt)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
