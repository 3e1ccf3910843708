package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
)

type Service struct {
	repo   Repository
	tokens *auth.TokenIssuer
}

func NewService(repo Repository, tokens *auth.TokenIssuer) *Service {
	return &Service{repo: repo, tokens: tokens}
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Account   *Account  `json:"account"`
}

// Login checks credentials and issues an access token. Unknown accounts and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, kind, email, password string) (*LoginResult, error) {
	acct, err := s.repo.FindAccount(ctx, kind, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, auth.ErrBadCredentials
		}
		return nil, err
	}
	if err := auth.CheckPassword(acct.PasswordHash, password); err != nil {
		return nil, err
	}
	token, exp, err := s.tokens.Issue(auth.Principal{ID: acct.ID, Kind: kind})
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: exp, Account: acct}, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetPatient(ctx, id)
}

func (s *Service) GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	return s.repo.GetClinician(ctx, id)
}

func (s *Service) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.repo.GetOrganization(ctx, id)
}

// Contact resolves the display name and mail address of an account.
func (s *Service) Contact(ctx context.Context, kind string, id uuid.UUID) (*Contact, error) {
	switch kind {
	case auth.KindPatient:
		p, err := s.repo.GetPatient(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Contact{Name: p.Name, Email: p.Email}, nil
	case auth.KindClinician:
		c, err := s.repo.GetClinician(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Contact{Name: c.Name, Email: c.Email}, nil
	case auth.KindOrganization:
		o, err := s.repo.GetOrganization(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Contact{Name: o.Name, Email: o.Email}, nil
	}
	return nil, fmt.Errorf("contact: unsupported kind %q", kind)
}
