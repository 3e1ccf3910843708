// Package events is the outbox boundary between the subscription lifecycle
// and its side effects. Publishers enqueue and return; handlers run on
// background workers and their failures never reach the publisher.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/platform/metrics"
)

type Type string

const (
	SubscriptionPurchased Type = "subscription.purchased"
	SubscriptionRenewed   Type = "subscription.renewed"
	SubscriptionExpired   Type = "subscription.expired"
	SubscriptionDeleted   Type = "subscription.deleted"
)

type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// New stamps an event with an id and time.
func New(t Type, key string, payload any) Event {
	return Event{ID: uuid.New(), Type: t, Key: key, OccurredAt: time.Now().UTC(), Payload: payload}
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Enqueuer is implemented by publishers that can wait for queue space
// instead of dropping.
type Enqueuer interface {
	Enqueue(ctx context.Context, e Event) error
}

// ErrClosed is returned by Enqueue once the bus has been closed.
var ErrClosed = errors.New("event bus closed")

type Handler interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	N  string
	Fn func(ctx context.Context, e Event) error
}

func (h HandlerFunc) Name() string                              { return h.N }
func (h HandlerFunc) Handle(ctx context.Context, e Event) error { return h.Fn(ctx, e) }

// Bus dispatches events to every handler on a fixed pool of workers.
type Bus struct {
	queue    chan Event
	handlers []Handler
	logger   zerolog.Logger
	timeout  time.Duration
	workers  int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewBus(logger zerolog.Logger, queueSize, workers int, handlers ...Handler) *Bus {
	if workers < 1 {
		workers = 1
	}
	return &Bus{
		queue:    make(chan Event, queueSize),
		handlers: handlers,
		logger:   logger.With().Str("component", "events").Logger(),
		timeout:  30 * time.Second,
		workers:  workers,
	}
}

// Start launches the workers. They exit once Close drains the queue.
func (b *Bus) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for e := range b.queue {
				b.dispatch(e)
			}
		}()
	}
}

// Publish enqueues e. A full queue drops the event.
func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn().Str("event", string(e.Type)).Msg("publish after close; event dropped")
		metrics.EventsDropped.Inc()
		return
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Error().Str("event", string(e.Type)).Str("key", e.Key).Msg("event queue full; event dropped")
		metrics.EventsDropped.Inc()
	}
}

// Enqueue waits until e is queued, ctx is done or the bus is closed.
func (b *Bus) Enqueue(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.EventsDropped.Inc()
		return ErrClosed
	}
	select {
	case b.queue <- e:
		return nil
	case <-ctx.Done():
		metrics.EventsDropped.Inc()
		return ctx.Err()
	}
}

func (b *Bus) dispatch(e Event) {
	for _, h := range b.handlers {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := safeHandle(ctx, h, e)
		cancel()
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues(h.Name()).Inc()
			b.logger.Error().Err(err).
				Str("handler", h.Name()).
				Str("event", string(e.Type)).
				Str("event_id", e.ID.String()).
				Msg("event handler failed")
		}
	}
}

func safeHandle(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h.Handle(ctx, e)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "handler panicked" }

// Close stops accepting events and waits for queued ones to be handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}
