package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/internal/domain/plan"
	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
)

// Kind is the subscriber type. Each kind has its own ledger table.
type Kind string

const (
	KindPatient      Kind = auth.KindPatient
	KindClinician    Kind = auth.KindClinician
	KindOrganization Kind = auth.KindOrganization
)

// Kinds lists every ledger variant in sweep order.
var Kinds = []Kind{KindPatient, KindClinician, KindOrganization}

func (k Kind) Valid() bool {
	switch k {
	case KindPatient, KindClinician, KindOrganization:
		return true
	}
	return false
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", apperr.Invalid("kind", "must be one of: patient clinician organization")
	}
	return k, nil
}

func (k Kind) table() string {
	return string(k) + "_subscription"
}

// Policy decides what a purchase does while the current term is still valid.
type Policy string

const (
	// PolicyReject refuses the purchase with a ConflictError.
	PolicyReject Policy = "reject"
	// PolicyExtend appends one term to the current end date.
	PolicyExtend Policy = "extend"
)

// Subscription is the single current row for a (subscriber, plan) pair.
// Renewals overwrite it in place.
type Subscription struct {
	ID               uuid.UUID  `json:"id"`
	Kind             Kind       `json:"kind"`
	SubscriberID     uuid.UUID  `json:"subscriber_id"`
	PlanID           uuid.UUID  `json:"plan_id"`
	ClinicianID      *uuid.UUID `json:"clinician_id,omitempty"`
	OrganizationID   *uuid.UUID `json:"organization_id,omitempty"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	Renewal          bool       `json:"renewal"`
	Price            plan.Money `json:"price"`
	ExpiryNotifiedAt *time.Time `json:"expiry_notified_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ValidAt reports whether the term covers now. The end instant itself is
// still valid.
func (s *Subscription) ValidAt(now time.Time) bool {
	return !s.EndDate.Before(now)
}

type PurchaseRequest struct {
	Kind         Kind
	SubscriberID uuid.UUID
	PlanID       uuid.UUID
	// SecondaryRefID is the clinician a patient picks on a doctor or
	// organization plan.
	SecondaryRefID *uuid.UUID
}

type PurchaseResult struct {
	Subscription *Subscription `json:"subscription"`
	IsRenewal    bool          `json:"is_renewal"`
}

// SubscribedClinician is one patient term attached to a clinician.
type SubscribedClinician struct {
	Subscription   *Subscription `json:"subscription"`
	Plan           *plan.Plan    `json:"plan,omitempty"`
	ClinicianID    uuid.UUID     `json:"clinician_id"`
	ClinicianName  string        `json:"clinician_name"`
	ClinicianEmail string        `json:"clinician_email"`
}

type Counts struct {
	Valid   int `json:"valid"`
	Renewal int `json:"renewal"`
	Ended   int `json:"ended"`
}

// Lifecycle is the payload of every subscription event.
type Lifecycle struct {
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	Kind           Kind       `json:"kind"`
	SubscriberID   uuid.UUID  `json:"subscriber_id"`
	PlanID         uuid.UUID  `json:"plan_id"`
	PlanName       string     `json:"plan_name"`
	PlanScope      plan.Scope `json:"plan_scope"`
	ValidityDays   int        `json:"validity_days"`
	ClinicianID    *uuid.UUID `json:"clinician_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        time.Time  `json:"end_date"`
	Price          plan.Money `json:"price"`
	Renewal        bool       `json:"renewal"`
}

func lifecycleOf(s *Subscription, p *plan.Plan) Lifecycle {
	l := Lifecycle{
		SubscriptionID: s.ID,
		Kind:           s.Kind,
		SubscriberID:   s.SubscriberID,
		PlanID:         s.PlanID,
		ClinicianID:    s.ClinicianID,
		OrganizationID: s.OrganizationID,
		StartDate:      s.StartDate,
		EndDate:        s.EndDate,
		Price:          s.Price,
		Renewal:        s.Renewal,
	}
	if p != nil {
		l.PlanName = p.Name
		l.PlanScope = p.Scope
		l.ValidityDays = p.ValidityDays
	}
	return l
}
