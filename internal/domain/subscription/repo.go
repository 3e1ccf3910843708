package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/pkg/pagination"
)

// Repository is the ledger store. Every method that takes a Kind works on
// that variant's table only.
type Repository interface {
	FindByPair(ctx context.Context, kind Kind, subscriberID, planID uuid.UUID) (*Subscription, error)
	// Insert returns false without error when the pair already has a row.
	Insert(ctx context.Context, s *Subscription) (bool, error)
	// RenewIfExpired overwrites the term of s.ID only if its stored end date
	// is before now, and clears the expiry marker.
	RenewIfExpired(ctx context.Context, s *Subscription, now time.Time) (bool, error)
	// ExtendIfUnchanged sets the new end date only if the stored end date is
	// still observedEnd.
	ExtendIfUnchanged(ctx context.Context, s *Subscription, observedEnd time.Time) (bool, error)
	// GetByID searches all variants.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	Delete(ctx context.Context, kind Kind, id uuid.UUID) error
	ListExpired(ctx context.Context, kind Kind, now time.Time) ([]*Subscription, error)
	// MarkExpiryNotified claims the expiry notice for id and returns the row
	// as stored after the claim. It returns false if the marker was already
	// set or the term no longer ended before at.
	MarkExpiryNotified(ctx context.Context, kind Kind, id uuid.UUID, at time.Time) (*Subscription, bool, error)
	// ReleaseExpiryNotice clears a claim made at at, so the next sweep retries
	// the notice.
	ReleaseExpiryNotice(ctx context.Context, kind Kind, id uuid.UUID, at time.Time) error
	HasValid(ctx context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) (bool, error)
	// HasAny reports whether the subscriber ever held planID, or any plan
	// when planID is uuid.Nil.
	HasAny(ctx context.Context, kind Kind, subscriberID, planID uuid.UUID) (bool, error)
	Counts(ctx context.Context, kind Kind, now time.Time) (*Counts, error)
	ListBySubscriber(ctx context.Context, kind Kind, subscriberID uuid.UUID) ([]*Subscription, error)
	ListValid(ctx context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) ([]*Subscription, error)
	List(ctx context.Context, kind Kind, page pagination.Params) ([]*Subscription, int, error)
	PlanInUse(ctx context.Context, planID uuid.UUID) (bool, error)
}
