package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/clinisist/clinisist/internal/platform/events"
	"github.com/clinisist/clinisist/internal/platform/lock"
	"github.com/clinisist/clinisist/internal/platform/metrics"
)

// ErrSweepInProgress is returned when another sweep holds the lock.
var ErrSweepInProgress = errors.New("expiration sweep already in progress")

const sweepLockKey = "subscription-sweep"

// Sweep triggers, used as the metrics label.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// Sweeper deactivates subscribers whose terms have ended and sends each
// expiry notice once.
type Sweeper struct {
	svc     *Service
	locker  lock.Locker
	lockTTL time.Duration
	logger  zerolog.Logger
}

func NewSweeper(svc *Service, locker lock.Locker, lockTTL time.Duration) *Sweeper {
	return &Sweeper{
		svc:     svc,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  svc.logger.With().Str("component", "sweeper").Logger(),
	}
}

// SweepExpired processes every expired subscription in all three ledgers.
// Ledgers run concurrently and independently; a failing item is logged and
// skipped. The count is the number of items processed without error.
func (w *Sweeper) SweepExpired(ctx context.Context, trigger string) (int, error) {
	ctx, span := otel.Tracer("SubscriptionSweeper").Start(ctx, "SweepExpired", trace.WithAttributes(
		attribute.String("trigger", trigger),
	))
	defer span.End()

	release, err := w.locker.Acquire(ctx, sweepLockKey, w.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		metrics.SweepRuns.WithLabelValues(trigger, "skipped").Inc()
		return 0, ErrSweepInProgress
	}
	if err != nil {
		metrics.SweepRuns.WithLabelValues(trigger, "error").Inc()
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer release()

	now := w.svc.clock()
	counts := make([]int, len(Kinds))
	errs := make([]error, len(Kinds))

	var g errgroup.Group
	for i, kind := range Kinds {
		i, kind := i, kind
		g.Go(func() error {
			counts[i], errs[i] = w.sweepKind(ctx, kind, now)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	err = errors.Join(errs...)

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep incomplete")
	}
	metrics.SweepRuns.WithLabelValues(trigger, result).Inc()
	span.SetAttributes(attribute.Int("processed", total))
	w.logger.Info().Str("trigger", trigger).Int("processed", total).Err(err).Msg("expiration sweep finished")
	return total, err
}

func (w *Sweeper) sweepKind(ctx context.Context, kind Kind, now time.Time) (int, error) {
	expired, err := w.svc.repo.ListExpired(ctx, kind, now)
	if err != nil {
		return 0, fmt.Errorf("list expired %s subscriptions: %w", kind, err)
	}

	processed := 0
	for _, sub := range expired {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := w.expire(ctx, sub, now); err != nil {
			metrics.SweepItemFailures.WithLabelValues(string(kind)).Inc()
			w.logger.Error().Err(err).
				Str("kind", string(kind)).
				Str("subscription_id", sub.ID.String()).
				Msg("expire subscription failed")
			continue
		}
		processed++
	}
	metrics.SweepProcessed.WithLabelValues(string(kind)).Add(float64(processed))
	return processed, nil
}

func (w *Sweeper) expire(ctx context.Context, sub *Subscription, now time.Time) error {
	err := w.svc.tx.InTx(ctx, func(ctx context.Context) error {
		if err := w.svc.lockEntitlement(ctx, sub.Kind, sub.SubscriberID); err != nil {
			return err
		}
		return w.svc.revokeUnlessCovered(ctx, sub.Kind, sub.SubscriberID, now)
	})
	if err != nil {
		return fmt.Errorf("deactivate subscriber: %w", err)
	}

	if sub.ExpiryNotifiedAt != nil {
		return nil
	}
	claimed, ok, err := w.svc.repo.MarkExpiryNotified(ctx, sub.Kind, sub.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	p, err := w.svc.plans.GetPlan(ctx, claimed.PlanID)
	if err != nil {
		w.logger.Warn().Err(err).Str("plan_id", claimed.PlanID.String()).Msg("plan lookup for expiry notice failed")
		p = nil
	}
	if err := w.svc.enqueue(ctx, events.SubscriptionExpired, claimed, p); err != nil {
		if rerr := w.svc.repo.ReleaseExpiryNotice(context.WithoutCancel(ctx), claimed.Kind, claimed.ID, now); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return fmt.Errorf("queue expiry notice: %w", err)
	}
	return nil
}
