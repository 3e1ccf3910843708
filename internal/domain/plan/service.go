package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/validation"
	"github.com/clinisist/clinisist/pkg/pagination"
)

// Service owns the plan catalog. Reads go through a short-lived cache since
// every purchase looks its plan up.
type Service struct {
	repo  Repository
	usage UsageChecker
	cache *cache.Cache
	now   func() time.Time
}

func NewService(repo Repository, usage UsageChecker, cacheTTL time.Duration) *Service {
	return &Service{
		repo:  repo,
		usage: usage,
		cache: cache.New(cacheTTL, 2*cacheTTL),
		now:   time.Now,
	}
}

// SetUsageChecker wires the subscription ledger after construction; the
// ledger itself depends on this service.
func (s *Service) SetUsageChecker(u UsageChecker) {
	s.usage = u
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	if v, ok := s.cache.Get(id.String()); ok {
		cp := *v.(*Plan)
		return &cp, nil
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *p
	s.cache.SetDefault(id.String(), &cp)
	return p, nil
}

// CreatePlan stores a new active plan. A clinician may publish only doctor
// plans and an organization only organization plans; admins and anonymous
// platform callers (nil creator) may publish any scope.
func (s *Service) CreatePlan(ctx context.Context, creator *Creator, attrs Attrs) (*Plan, error) {
	if err := validation.Struct(&attrs); err != nil {
		return nil, err
	}
	if creator != nil {
		switch creator.Kind {
		case auth.KindClinician:
			if attrs.Scope != ScopeDoctor {
				return nil, apperr.Invalid("scope", "clinicians may only create doctor plans")
			}
		case auth.KindOrganization:
			if attrs.Scope != ScopeOrganization {
				return nil, apperr.Invalid("scope", "organizations may only create organization plans")
			}
		case auth.KindAdmin:
		default:
			return nil, fmt.Errorf("%w: %s accounts cannot create plans", apperr.ErrForbidden, creator.Kind)
		}
	}

	now := s.now().UTC()
	p := &Plan{
		ID:           uuid.New(),
		Name:         attrs.Name,
		Description:  attrs.Description,
		Price:        attrs.Price,
		ValidityDays: attrs.ValidityDays,
		Scope:        attrs.Scope,
		Status:       StatusActive,
		Creator:      creator,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPlans(ctx context.Context, f Filter, page pagination.Params) ([]*Plan, int, error) {
	return s.repo.List(ctx, f, page)
}

// UpdatePlan applies patch and validates the merged result. Changing the
// price or validity affects only future purchases and renewals.
func (s *Service) UpdatePlan(ctx context.Context, id uuid.UUID, patch Patch) (*Plan, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *cur
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Price != nil {
		next.Price = *patch.Price
	}
	if patch.ValidityDays != nil {
		next.ValidityDays = *patch.ValidityDays
	}
	if patch.Status != nil {
		if *patch.Status != StatusActive && *patch.Status != StatusInactive {
			return nil, apperr.Invalid("status", "must be one of: Active Inactive")
		}
		next.Status = *patch.Status
	}
	merged := Attrs{
		Name:         next.Name,
		Description:  next.Description,
		Price:        next.Price,
		ValidityDays: next.ValidityDays,
		Scope:        next.Scope,
	}
	if err := validation.Struct(&merged); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	s.cache.Delete(id.String())
	return &next, nil
}

// DeletePlan removes a plan nobody has subscribed to. A plan still referenced
// by a subscription is deactivated instead and ErrConflict is returned, so
// existing subscriptions keep resolving their plan.
func (s *Service) DeletePlan(ctx context.Context, id uuid.UUID) error {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	defer s.cache.Delete(id.String())

	inUse := false
	if s.usage != nil {
		if inUse, err = s.usage.PlanInUse(ctx, id); err != nil {
			return fmt.Errorf("check plan usage: %w", err)
		}
	}
	if !inUse {
		return s.repo.Delete(ctx, id)
	}

	if p.Status != StatusInactive {
		p.Status = StatusInactive
		p.UpdatedAt = s.now().UTC()
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: plan %q has subscriptions and was deactivated instead", apperr.ErrConflict, p.Name)
}
