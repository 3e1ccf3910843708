package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/internal/platform/auth"
)

type Scope string

const (
	ScopePatientPortal Scope = "patient-portal"
	ScopeDoctor        Scope = "doctor"
	ScopeOrganization  Scope = "organization"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopePatientPortal, ScopeDoctor, ScopeOrganization:
		return true
	}
	return false
}

type Status string

const (
	StatusActive   Status = "Active"
	StatusInactive Status = "Inactive"
)

// Creator is the account that owns a plan. Kind is one of the auth kinds
// admin, clinician or organization.
type Creator struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

type Plan struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Price        Money     `json:"price"`
	ValidityDays int       `json:"validity_days"`
	Scope        Scope     `json:"scope"`
	Status       Status    `json:"status"`
	Creator      *Creator  `json:"creator,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p *Plan) IsActive() bool {
	return p.Status == StatusActive
}

// MaxValidityDays bounds a term so that start plus validity stays well inside
// time.Duration.
const MaxValidityDays = 36500

// ValidityInRange reports whether the plan's term length can be sold.
func (p *Plan) ValidityInRange() bool {
	return p.ValidityDays >= 1 && p.ValidityDays <= MaxValidityDays
}

// Validity is the length of one term. Terms are whole 24h periods added to
// the purchase instant; they are not aligned to calendar days. Out-of-range
// day counts are clamped to [1, MaxValidityDays].
func (p *Plan) Validity() time.Duration {
	days := min(max(p.ValidityDays, 1), MaxValidityDays)
	return time.Duration(days) * 24 * time.Hour
}

// Audience is the subscriber kind allowed to buy the plan. Plans a clinician
// or organization publishes are sold to patients; platform plans of doctor
// or organization scope are sold to clinicians and organizations.
func (p *Plan) Audience() string {
	if p.Scope == ScopePatientPortal {
		return auth.KindPatient
	}
	if p.Creator != nil && (p.Creator.Kind == auth.KindClinician || p.Creator.Kind == auth.KindOrganization) {
		return auth.KindPatient
	}
	if p.Scope == ScopeDoctor {
		return auth.KindClinician
	}
	return auth.KindOrganization
}

// CreatedBy reports whether the plan belongs to the given account.
func (p *Plan) CreatedBy(kind string, id uuid.UUID) bool {
	return p.Creator != nil && p.Creator.Kind == kind && p.Creator.ID == id
}

// CanManage reports whether principal may edit or delete the plan.
func (p *Plan) CanManage(principal auth.Principal) bool {
	return principal.IsAdmin() || p.CreatedBy(principal.Kind, principal.ID)
}

// Attrs are the caller-supplied fields of a plan.
type Attrs struct {
	Name         string `json:"name" validate:"required,max=200"`
	Description  string `json:"description" validate:"max=2000"`
	Price        Money  `json:"price" validate:"gte=0"`
	ValidityDays int    `json:"validity_days" validate:"gte=1,lte=36500"`
	Scope        Scope  `json:"scope" validate:"required,oneof=patient-portal doctor organization"`
}

// Patch changes selected fields of an existing plan.
type Patch struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	Price        *Money  `json:"price"`
	ValidityDays *int    `json:"validity_days"`
	Status       *Status `json:"status"`
}

type Filter struct {
	Scope      Scope
	ActiveOnly bool
	Creator    *Creator
}
