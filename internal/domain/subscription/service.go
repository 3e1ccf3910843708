package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinisist/clinisist/internal/domain/entitlement"
	"github.com/clinisist/clinisist/internal/domain/identity"
	"github.com/clinisist/clinisist/internal/domain/plan"
	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/internal/platform/events"
	"github.com/clinisist/clinisist/internal/platform/metrics"
	"github.com/clinisist/clinisist/pkg/pagination"
)

type PlanSource interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
}

// Directory resolves subscribers. Unknown ids yield apperr.ErrNotFound.
type Directory interface {
	Contact(ctx context.Context, kind string, id uuid.UUID) (*identity.Contact, error)
}

// Entitlements writes the active flags. Lock takes the entity's row lock for
// the rest of the caller's transaction; every write to a subscriber's ledger
// rows takes it first, so checks made under it see committed purchases.
type Entitlements interface {
	Lock(ctx context.Context, ref entitlement.EntityRef) error
	SetActive(ctx context.Context, ref entitlement.EntityRef, active bool) error
}

type Deps struct {
	Repo         Repository
	Plans        PlanSource
	Directory    Directory
	Entitlements Entitlements
	Tx           db.TxRunner
	Events       events.Publisher
	Logger       zerolog.Logger
}

// Service is the subscription ledger.
type Service struct {
	repo         Repository
	plans        PlanSource
	directory    Directory
	entitlements Entitlements
	tx           db.TxRunner
	events       events.Publisher
	policy       Policy
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(d Deps, policy Policy) *Service {
	if policy == "" {
		policy = PolicyReject
	}
	tx := d.Tx
	if tx == nil {
		tx = db.NoTx{}
	}
	return &Service{
		repo:         d.Repo,
		plans:        d.Plans,
		directory:    d.Directory,
		entitlements: d.Entitlements,
		tx:           tx,
		events:       d.Events,
		policy:       policy,
		logger:       d.Logger.With().Str("component", "subscription").Logger(),
		now:          time.Now,
	}
}

// clock returns the current instant at the millisecond precision terms are
// stored with.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// entityFor maps a subscriber onto the entitlement it carries. Patients have
// none.
func entityFor(kind Kind, subscriberID uuid.UUID) (entitlement.EntityRef, bool) {
	switch kind {
	case KindClinician:
		return entitlement.EntityRef{Kind: entitlement.KindClinician, ID: subscriberID}, true
	case KindOrganization:
		return entitlement.EntityRef{Kind: entitlement.KindOrganization, ID: subscriberID}, true
	}
	return entitlement.EntityRef{}, false
}

func (s *Service) setEntitlement(ctx context.Context, kind Kind, subscriberID uuid.UUID, active bool) error {
	ref, ok := entityFor(kind, subscriberID)
	if !ok {
		return nil
	}
	return s.entitlements.SetActive(ctx, ref, active)
}

func (s *Service) lockEntitlement(ctx context.Context, kind Kind, subscriberID uuid.UUID) error {
	ref, ok := entityFor(kind, subscriberID)
	if !ok {
		return nil
	}
	if err := s.entitlements.Lock(ctx, ref); err != nil {
		return fmt.Errorf("lock %s: %w", ref, err)
	}
	return nil
}

// revokeUnlessCovered clears the subscriber's flag when no term of its kind
// is valid at now. It must run inside a transaction that already holds the
// entitlement lock.
func (s *Service) revokeUnlessCovered(ctx context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) error {
	if _, ok := entityFor(kind, subscriberID); !ok {
		return nil
	}
	stillValid, err := s.repo.HasValid(ctx, kind, subscriberID, now)
	if err != nil {
		return err
	}
	if stillValid {
		return nil
	}
	return s.setEntitlement(ctx, kind, subscriberID, false)
}

// secondaryRefs derives the clinician and organization a term is attached
// to from the plan it was bought on.
func secondaryRefs(p *plan.Plan, secondary *uuid.UUID) (clinicianID, organizationID *uuid.UUID) {
	switch p.Scope {
	case plan.ScopeDoctor:
		if secondary != nil {
			clinicianID = secondary
		} else if p.Creator != nil && p.Creator.Kind == auth.KindClinician {
			id := p.Creator.ID
			clinicianID = &id
		}
	case plan.ScopeOrganization:
		if p.Creator != nil && p.Creator.Kind == auth.KindOrganization {
			id := p.Creator.ID
			organizationID = &id
		}
		clinicianID = secondary
	}
	return clinicianID, organizationID
}

func conflictFor(p *plan.Plan, cur *Subscription) error {
	return &apperr.ConflictError{
		Message: fmt.Sprintf("You are already subscribed to the plan \"%s\". The plan is valid until %s.",
			p.Name, cur.EndDate.UTC().Format(time.DateOnly)),
		EndDate: cur.EndDate,
	}
}

// Purchase buys plan for a subscriber, or renews the pair's row once its
// term has ended. A still-valid term is rejected with a ConflictError unless
// the extend policy is configured.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "Purchase", trace.WithAttributes(
		attribute.String("subscriber.kind", string(req.Kind)),
		attribute.String("subscriber.id", req.SubscriberID.String()),
		attribute.String("plan.id", req.PlanID.String()),
	))
	defer span.End()

	res, p, err := s.purchase(ctx, req)
	if err != nil {
		outcome := "error"
		if errors.Is(err, apperr.ErrConflict) {
			outcome = "conflict"
		}
		metrics.Purchases.WithLabelValues(string(req.Kind), outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}

	evt := events.SubscriptionPurchased
	outcome := "created"
	if res.IsRenewal {
		evt, outcome = events.SubscriptionRenewed, "renewed"
	}
	metrics.Purchases.WithLabelValues(string(req.Kind), outcome).Inc()
	s.publish(ctx, evt, res.Subscription, p)

	s.logger.Info().
		Str("kind", string(req.Kind)).
		Str("subscriber_id", req.SubscriberID.String()).
		Str("plan_id", req.PlanID.String()).
		Bool("renewal", res.IsRenewal).
		Time("end_date", res.Subscription.EndDate).
		Msg("subscription " + outcome)
	return res, nil
}

func (s *Service) purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, *plan.Plan, error) {
	if !req.Kind.Valid() {
		return nil, nil, apperr.Invalid("kind", "must be one of: patient clinician organization")
	}
	p, err := s.plans.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if !p.IsActive() {
		return nil, nil, apperr.Invalid("plan_id", "plan is not active")
	}
	if !p.ValidityInRange() {
		return nil, nil, apperr.Invalid("plan_id", fmt.Sprintf("plan validity must be between 1 and %d days", plan.MaxValidityDays))
	}
	if p.Audience() != string(req.Kind) {
		return nil, nil, apperr.Invalid("plan_id", fmt.Sprintf("plan is not available to %s subscribers", req.Kind))
	}
	if _, err := s.directory.Contact(ctx, string(req.Kind), req.SubscriberID); err != nil {
		return nil, nil, err
	}
	if req.SecondaryRefID != nil {
		_, err := s.directory.Contact(ctx, auth.KindClinician, *req.SecondaryRefID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, apperr.Invalid("secondary_ref_id", "unknown clinician")
		}
		if err != nil {
			return nil, nil, err
		}
	}

	var res *PurchaseResult
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.lockEntitlement(ctx, req.Kind, req.SubscriberID); err != nil {
			return err
		}
		now := s.clock()
		r, err := s.writeTerm(ctx, req, p, now)
		if err != nil {
			return err
		}
		if err := s.setEntitlement(ctx, req.Kind, req.SubscriberID, true); err != nil {
			return fmt.Errorf("activate subscriber: %w", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res, p, nil
}

// writeTerm performs the insert or compare-and-swap update. A lost race is
// resolved by re-reading the pair once.
func (s *Service) writeTerm(ctx context.Context, req PurchaseRequest, p *plan.Plan, now time.Time) (*PurchaseResult, error) {
	clinicianID, organizationID := secondaryRefs(p, req.SecondaryRefID)

	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.repo.FindByPair(ctx, req.Kind, req.SubscriberID, req.PlanID)
		if errors.Is(err, apperr.ErrNotFound) {
			sub := &Subscription{
				ID:             uuid.New(),
				Kind:           req.Kind,
				SubscriberID:   req.SubscriberID,
				PlanID:         req.PlanID,
				ClinicianID:    clinicianID,
				OrganizationID: organizationID,
				StartDate:      now,
				EndDate:        now.Add(p.Validity()),
				Renewal:        false,
				Price:          p.Price,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			inserted, err := s.repo.Insert(ctx, sub)
			if err != nil {
				return nil, err
			}
			if inserted {
				return &PurchaseResult{Subscription: sub, IsRenewal: false}, nil
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if !cur.ValidAt(now) {
			next := *cur
			next.StartDate = now
			next.EndDate = now.Add(p.Validity())
			next.Renewal = true
			next.Price = p.Price
			next.ClinicianID = clinicianID
			next.OrganizationID = organizationID
			next.ExpiryNotifiedAt = nil
			next.UpdatedAt = now
			ok, err := s.repo.RenewIfExpired(ctx, &next, now)
			if err != nil {
				return nil, err
			}
			if ok {
				return &PurchaseResult{Subscription: &next, IsRenewal: true}, nil
			}
			continue
		}

		if s.policy != PolicyExtend {
			return nil, conflictFor(p, cur)
		}
		next := *cur
		next.EndDate = cur.EndDate.Add(p.Validity())
		next.Renewal = true
		next.Price = p.Price
		next.ExpiryNotifiedAt = nil
		next.UpdatedAt = now
		ok, err := s.repo.ExtendIfUnchanged(ctx, &next, cur.EndDate)
		if err != nil {
			return nil, err
		}
		if ok {
			return &PurchaseResult{Subscription: &next, IsRenewal: true}, nil
		}
	}
	return nil, fmt.Errorf("%w: the subscription was changed by a concurrent purchase", apperr.ErrConflict)
}

func (s *Service) publish(ctx context.Context, t events.Type, sub *Subscription, p *plan.Plan) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, events.New(t, sub.SubscriberID.String(), lifecycleOf(sub, p)))
}

// enqueue is publish for callers that must know the event was queued. It
// waits for queue space when the publisher supports it.
func (s *Service) enqueue(ctx context.Context, t events.Type, sub *Subscription, p *plan.Plan) error {
	if s.events == nil {
		return nil
	}
	e := events.New(t, sub.SubscriberID.String(), lifecycleOf(sub, p))
	if q, ok := s.events.(events.Enqueuer); ok {
		return q.Enqueue(ctx, e)
	}
	s.events.Publish(ctx, e)
	return nil
}

// RenewCheck reports whether the subscriber has held planID before, so a
// purchase would be a renewal. uuid.Nil checks for any plan.
func (s *Service) RenewCheck(ctx context.Context, kind Kind, subscriberID, planID uuid.UUID) (bool, error) {
	if !kind.Valid() {
		return false, apperr.Invalid("kind", "must be one of: patient clinician organization")
	}
	return s.repo.HasAny(ctx, kind, subscriberID, planID)
}

// Active lists the subscriber's terms that cover the current instant.
func (s *Service) Active(ctx context.Context, kind Kind, subscriberID uuid.UUID) ([]*Subscription, error) {
	return s.repo.ListValid(ctx, kind, subscriberID, s.clock())
}

// Get returns one subscription from whichever ledger holds it.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

// SubscribedClinicians lists the clinicians a patient has taken a plan
// with, one entry per term. Terms whose clinician no longer resolves are
// left out.
func (s *Service) SubscribedClinicians(ctx context.Context, patientID uuid.UUID) ([]*SubscribedClinician, error) {
	subs, err := s.repo.ListBySubscriber(ctx, KindPatient, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]*SubscribedClinician, 0, len(subs))
	for _, sub := range subs {
		if sub.ClinicianID == nil {
			continue
		}
		c, err := s.directory.Contact(ctx, auth.KindClinician, *sub.ClinicianID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		p, err := s.plans.GetPlan(ctx, sub.PlanID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		out = append(out, &SubscribedClinician{
			Subscription:   sub,
			Plan:           p,
			ClinicianID:    *sub.ClinicianID,
			ClinicianName:  c.Name,
			ClinicianEmail: c.Email,
		})
	}
	return out, nil
}

// ActiveWithClinician returns the patient's current term attached to any
// clinician, or nil when there is none.
func (s *Service) ActiveWithClinician(ctx context.Context, patientID uuid.UUID) (*Subscription, error) {
	subs, err := s.repo.ListValid(ctx, KindPatient, patientID, s.clock())
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.ClinicianID != nil {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *Service) ListForSubscriber(ctx context.Context, kind Kind, subscriberID uuid.UUID) ([]*Subscription, error) {
	return s.repo.ListBySubscriber(ctx, kind, subscriberID)
}

func (s *Service) List(ctx context.Context, kind Kind, page pagination.Params) ([]*Subscription, int, error) {
	return s.repo.List(ctx, kind, page)
}

func (s *Service) Counts(ctx context.Context, kind Kind) (*Counts, error) {
	if !kind.Valid() {
		return nil, apperr.Invalid("kind", "must be one of: patient clinician organization")
	}
	return s.repo.Counts(ctx, kind, s.clock())
}

// Delete removes a subscription from whichever ledger holds it and revokes
// the subscriber's entitlement in the same transaction, unless another
// valid term still covers them.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "Delete", trace.WithAttributes(
		attribute.String("subscription.id", id.String()),
	))
	defer span.End()

	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.lockEntitlement(ctx, sub.Kind, sub.SubscriberID); err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, sub.Kind, sub.ID); err != nil {
			return err
		}
		return s.revokeUnlessCovered(ctx, sub.Kind, sub.SubscriberID, s.clock())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return err
	}

	p, err := s.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		s.logger.Warn().Err(err).Str("plan_id", sub.PlanID.String()).Msg("plan lookup for deletion notice failed")
		p = nil
	}
	s.publish(ctx, events.SubscriptionDeleted, sub, p)
	s.logger.Info().Str("subscription_id", id.String()).Str("kind", string(sub.Kind)).Msg("subscription deleted")
	return nil
}

// PlanInUse lets the plan catalog refuse to drop referenced plans.
func (s *Service) PlanInUse(ctx context.Context, planID uuid.UUID) (bool, error) {
	return s.repo.PlanInUse(ctx, planID)
}
