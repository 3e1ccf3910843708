package identity

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
	FindAccount(ctx context.Context, kind, email string) (*Account, error)
}
