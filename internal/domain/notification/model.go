package notification

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/websocket"
)

type RecipientKind string

const (
	RecipientPatient      RecipientKind = "Patient"
	RecipientClinisist    RecipientKind = "Clinisist"
	RecipientAdmin        RecipientKind = "Admin"
	RecipientOrganization RecipientKind = "Organization"
	RecipientOrgAdmin     RecipientKind = "OrgAdmin"
	RecipientManager      RecipientKind = "Manager"
)

func (k RecipientKind) Valid() bool {
	switch k {
	case RecipientPatient, RecipientClinisist, RecipientAdmin,
		RecipientOrganization, RecipientOrgAdmin, RecipientManager:
		return true
	}
	return false
}

// RecipientKindFor maps a login kind onto the inbox it reads from.
func RecipientKindFor(kind string) RecipientKind {
	switch kind {
	case auth.KindPatient:
		return RecipientPatient
	case auth.KindClinician:
		return RecipientClinisist
	case auth.KindOrganization:
		return RecipientOrganization
	case auth.KindAdmin:
		return RecipientAdmin
	}
	return RecipientKind(kind)
}

func (k RecipientKind) authKind() string {
	switch k {
	case RecipientPatient:
		return auth.KindPatient
	case RecipientClinisist:
		return auth.KindClinician
	case RecipientOrganization:
		return auth.KindOrganization
	case RecipientAdmin:
		return auth.KindAdmin
	}
	return strings.ToLower(string(k))
}

// Recipient addresses one inbox. An Admin recipient without an ID is a
// broadcast to every platform admin.
type Recipient struct {
	Kind RecipientKind `json:"kind"`
	ID   *uuid.UUID    `json:"id,omitempty"`
}

func To(kind RecipientKind, id uuid.UUID) Recipient {
	return Recipient{Kind: kind, ID: &id}
}

// Admins addresses all platform admins.
func Admins() Recipient {
	return Recipient{Kind: RecipientAdmin}
}

// Room is the websocket room live notifications for r are emitted to.
func (r Recipient) Room() string {
	if r.ID == nil {
		return websocket.AdminRoom
	}
	return websocket.Room(r.Kind.authKind(), *r.ID)
}

type Type string

const (
	TypeGeneral      Type = "general"
	TypeAppointment  Type = "appointment"
	TypeReminder     Type = "reminder"
	TypeMessage      Type = "message"
	TypeAlert        Type = "alert"
	TypePromotion    Type = "promotion"
	TypeSubscription Type = "subscription"
)

var titles = map[Type]string{
	TypeGeneral:      "Notification",
	TypeAppointment:  "Appointment Update",
	TypeReminder:     "Reminder",
	TypeMessage:      "New Message",
	TypeAlert:        "Alert",
	TypePromotion:    "Special Offer",
	TypeSubscription: "Subscription Update",
}

func (t Type) Valid() bool {
	_, ok := titles[t]
	return ok
}

// Title is the heading shown above a notification of type t.
func (t Type) Title() string {
	if s, ok := titles[t]; ok {
		return s
	}
	return titles[TypeGeneral]
}

type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
)

type Notification struct {
	ID        uuid.UUID  `json:"id"`
	Recipient Recipient  `json:"recipient"`
	Sender    *Recipient `json:"sender,omitempty"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// New is the input to Service.Notify.
type New struct {
	Recipient Recipient
	Sender    *Recipient
	Message   string
	Type      Type
}
