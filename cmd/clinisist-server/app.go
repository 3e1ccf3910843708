package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/config"
	"github.com/clinisist/clinisist/internal/domain/entitlement"
	"github.com/clinisist/clinisist/internal/domain/identity"
	"github.com/clinisist/clinisist/internal/domain/notification"
	"github.com/clinisist/clinisist/internal/domain/plan"
	"github.com/clinisist/clinisist/internal/domain/subscription"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/internal/platform/email"
	"github.com/clinisist/clinisist/internal/platform/events"
	"github.com/clinisist/clinisist/internal/platform/lock"
	"github.com/clinisist/clinisist/internal/platform/websocket"
)

const eventWorkers = 4

// app holds the wired services shared by the serve and sweep commands.
type app struct {
	tokens        *auth.TokenIssuer
	identity      *identity.Service
	plans         *plan.Service
	subscriptions *subscription.Service
	sweeper       *subscription.Sweeper
	notifications *notification.Service
	hub           *websocket.Hub
	bus           *events.Bus

	closers []func()
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	a := &app{}

	a.tokens = auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	a.identity = identity.NewService(identity.NewRepoPG(pool), a.tokens)
	a.hub = websocket.NewHub(logger)
	a.notifications = notification.NewService(notification.NewRepoPG(pool), a.hub, logger)

	var mail email.Sender = email.Discard{}
	if cfg.EmailEnabled() {
		mail = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		logger.Warn().Msg("SMTP_HOST not set, subscription mail is discarded")
	}

	handlers := []events.Handler{subscription.NewNotifier(a.notifications, mail, a.identity)}
	if len(cfg.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		handlers = append(handlers, sink)
		a.closers = append(a.closers, func() {
			if err := sink.Close(); err != nil {
				logger.Error().Err(err).Msg("close kafka writer")
			}
		})
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing subscription events to kafka")
	}
	a.bus = events.NewBus(logger, cfg.EventQueueSize, eventWorkers, handlers...)

	a.plans = plan.NewService(plan.NewRepoPG(pool), nil, cfg.PlanCacheTTL)
	a.subscriptions = subscription.NewService(subscription.Deps{
		Repo:         subscription.NewRepoPG(pool),
		Plans:        a.plans,
		Directory:    a.identity,
		Entitlements: entitlement.NewPropagator(pool, logger),
		Tx:           db.PoolTx{Pool: pool},
		Events:       a.bus,
		Logger:       logger,
	}, subscription.Policy(cfg.RenewalPolicy))
	a.plans.SetUsageChecker(a.subscriptions)

	locker, closeLocker, err := newLocker(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)
	a.sweeper = subscription.NewSweeper(a.subscriptions, locker, cfg.SweepLockTTL)

	return a, nil
}

// newLocker uses Redis when configured so that only one replica sweeps.
func newLocker(cfg *config.Config, logger zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, using an in-process sweep lock")
		return lock.NewLocalLocker(), func() {}, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	return lock.NewRedisLocker(client), func() { _ = client.Close() }, nil
}

// close stops the bus first so queued events can still reach their sinks.
func (a *app) close() {
	a.bus.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
