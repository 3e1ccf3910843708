// Package identity is the read side of the account tables: subscriber
// lookups for the subscription engine and credential checks for login.
// Profiles are managed elsewhere; nothing here writes an account row.
package identity

import (
	"github.com/google/uuid"
)

type Patient struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

type Clinician struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	// Active is "yes" or "no".
	Active string `json:"active"`
}

type Organization struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Active bool      `json:"active"`
}

// Account is a login identity of any kind.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
}

// Contact is the name and address used for notifications and mail.
type Contact struct {
	Name  string
	Email string
}
