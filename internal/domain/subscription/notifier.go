package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/internal/domain/notification"
	"github.com/clinisist/clinisist/internal/domain/plan"
	"github.com/clinisist/clinisist/internal/platform/email"
	"github.com/clinisist/clinisist/internal/platform/events"
)

// Inbox is the notification sink used by Notifier.
type Inbox interface {
	Notify(ctx context.Context, in notification.New) (*notification.Notification, error)
}

// Notifier turns lifecycle events into inbox notifications and mail. It runs
// on the event bus, so its failures never reach the purchase or sweep.
type Notifier struct {
	inbox     Inbox
	mail      email.Sender
	directory Directory
}

func NewNotifier(inbox Inbox, mail email.Sender, directory Directory) *Notifier {
	return &Notifier{inbox: inbox, mail: mail, directory: directory}
}

func (n *Notifier) Name() string { return "notifier" }

func (n *Notifier) Handle(ctx context.Context, e events.Event) error {
	l, ok := e.Payload.(Lifecycle)
	if !ok {
		return fmt.Errorf("notifier: unexpected payload %T for %s", e.Payload, e.Type)
	}
	contact, err := n.directory.Contact(ctx, string(l.Kind), l.SubscriberID)
	if err != nil {
		return fmt.Errorf("notifier: resolve subscriber: %w", err)
	}

	var notes []notification.New
	var tmpl string
	switch e.Type {
	case events.SubscriptionPurchased, events.SubscriptionRenewed:
		notes = n.purchaseNotes(ctx, l, contact.Name)
		tmpl = email.SubscriptionCreated
		if l.Renewal {
			tmpl = email.SubscriptionRenewed
		}
	case events.SubscriptionExpired:
		notes = []notification.New{{Recipient: subscriberRecipient(l), Message: expiryMessage(l), Type: notification.TypeSubscription}}
		tmpl = email.SubscriptionExpired
	case events.SubscriptionDeleted:
		notes = []notification.New{{
			Recipient: subscriberRecipient(l),
			Message:   fmt.Sprintf("Your subscription to the plan \"%s\" has been deleted.", l.PlanName),
			Type:      notification.TypeSubscription,
		}}
		tmpl = email.SubscriptionDeleted
	default:
		return nil
	}

	var errs []error
	for _, note := range notes {
		if _, err := n.inbox.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", note.Recipient.Kind, err))
		}
	}
	if err := n.sendMail(ctx, tmpl, contact.Email, contact.Name, l); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (n *Notifier) sendMail(ctx context.Context, tmpl, to, name string, l Lifecycle) error {
	msg, err := email.Render(tmpl, to, email.Data{
		Name:         name,
		PlanName:     l.PlanName,
		StartDate:    l.StartDate.UTC().Format(time.DateOnly),
		EndDate:      l.EndDate.UTC().Format(time.DateOnly),
		ValidityDays: l.ValidityDays,
		Price:        l.Price.String(),
	})
	if err != nil {
		return err
	}
	if err := n.mail.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s mail: %w", tmpl, err)
	}
	return nil
}

func subscriberRecipient(l Lifecycle) notification.Recipient {
	switch l.Kind {
	case KindClinician:
		return notification.To(notification.RecipientClinisist, l.SubscriberID)
	case KindOrganization:
		return notification.To(notification.RecipientOrganization, l.SubscriberID)
	}
	return notification.To(notification.RecipientPatient, l.SubscriberID)
}

func expiryMessage(l Lifecycle) string {
	switch l.Kind {
	case KindClinician:
		return "Your subscription has expired. Your account has been deactivated."
	case KindOrganization:
		return "Your subscription has expired. Your organization and associated clinicians have been deactivated."
	}
	return fmt.Sprintf("Your subscription to the plan \"%s\" has expired.", l.PlanName)
}

func (n *Notifier) purchaseNotes(ctx context.Context, l Lifecycle, subscriberName string) []notification.New {
	verb := "subscribed to"
	if l.Renewal {
		verb = "renewed"
	}
	sub := subscriberRecipient(l)
	typ := notification.TypeSubscription

	switch l.Kind {
	case KindClinician, KindOrganization:
		own := fmt.Sprintf("New subscription created for plan: %s.", l.PlanName)
		who := "Clinician"
		if l.Kind == KindOrganization {
			who = "Organization"
		}
		admin := fmt.Sprintf("%s %s created new subscription for plan: %s.", who, subscriberName, l.PlanName)
		if l.Renewal {
			own = fmt.Sprintf("Subscription renewed for plan: %s.", l.PlanName)
			admin = fmt.Sprintf("%s %s renewed subscription for plan: %s.", who, subscriberName, l.PlanName)
		}
		return []notification.New{
			{Recipient: sub, Message: own, Type: typ},
			{Recipient: notification.Admins(), Message: admin, Type: typ},
		}
	}

	if l.PlanScope == plan.ScopePatientPortal {
		return []notification.New{
			{Recipient: sub, Message: fmt.Sprintf("You have successfully %s the portal plan \"%s\".", verb, l.PlanName), Type: typ},
			{Recipient: notification.Admins(), Message: fmt.Sprintf("A new patient has %s the portal plan \"%s\".", verb, l.PlanName), Type: typ},
		}
	}

	notes := []notification.New{
		{Recipient: sub, Message: fmt.Sprintf("You have successfully %s the plan \"%s\".", verb, l.PlanName), Type: typ},
	}
	sender := sub
	if l.ClinicianID != nil {
		whose := "your"
		if l.PlanScope == plan.ScopeOrganization {
			whose = "an organization"
		}
		notes = append(notes, notification.New{
			Recipient: notification.To(notification.RecipientClinisist, *l.ClinicianID),
			Sender:    &sender,
			Message:   fmt.Sprintf("A patient has %s %s plan \"%s\".", verb, whose, l.PlanName),
			Type:      typ,
		})
	}
	if l.OrganizationID != nil {
		notes = append(notes, notification.New{
			Recipient: notification.To(notification.RecipientOrganization, *l.OrganizationID),
			Sender:    &sender,
			Message:   fmt.Sprintf("A patient has %s your organization plan \"%s\".", verb, l.PlanName),
			Type:      typ,
		})
	}
	return append(notes, notification.New{
		Recipient: notification.Admins(),
		Message:   n.adminPatientMessage(ctx, l, verb),
		Type:      typ,
	})
}

// adminPatientMessage names the provider when the directory still knows it.
func (n *Notifier) adminPatientMessage(ctx context.Context, l Lifecycle, verb string) string {
	if l.PlanScope == plan.ScopeOrganization {
		msg := fmt.Sprintf("A patient has %s an organization plan \"%s\"", verb, l.PlanName)
		if l.OrganizationID != nil {
			if name, ok := n.name(ctx, KindOrganization, *l.OrganizationID); ok {
				msg += " with " + name
			}
		}
		return msg + "."
	}
	msg := fmt.Sprintf("A patient has %s a doctor plan \"%s\"", verb, l.PlanName)
	if l.ClinicianID != nil {
		if name, ok := n.name(ctx, KindClinician, *l.ClinicianID); ok {
			msg += " with Dr. " + name
		}
	}
	return msg + "."
}

func (n *Notifier) name(ctx context.Context, kind Kind, id uuid.UUID) (string, bool) {
	c, err := n.directory.Contact(ctx, string(kind), id)
	if err != nil {
		return "", false
	}
	return c.Name, true
}
