package plan

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/pkg/pagination"
)

type Repository interface {
	Create(ctx context.Context, p *Plan) error
	GetByID(ctx context.Context, id uuid.UUID) (*Plan, error)
	Update(ctx context.Context, p *Plan) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter, page pagination.Params) ([]*Plan, int, error)
}

// UsageChecker reports whether any subscription references a plan.
type UsageChecker interface {
	PlanInUse(ctx context.Context, planID uuid.UUID) (bool, error)
}
