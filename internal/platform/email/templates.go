package email

import (
	"fmt"
	"strings"
	"text/template"
)

// Template ids.
const (
	SubscriptionCreated = "subscription-created"
	SubscriptionRenewed = "subscription-renewed"
	SubscriptionExpired = "subscription-expired"
	SubscriptionDeleted = "subscription-deleted"
)

// Data is the view passed to every template.
type Data struct {
	Name         string
	PlanName     string
	StartDate    string
	EndDate      string
	ValidityDays int
	Price        string
}

type tpl struct {
	subject string
	body    *template.Template
}

var templates = map[string]tpl{
	SubscriptionCreated: {
		subject: "New Subscription Confirmation",
		body: template.Must(template.New(SubscriptionCreated).Parse(`Dear {{.Name}},

Your new subscription has been created successfully.

Details:
Plan: {{.PlanName}}
Start Date: {{.StartDate}}
End Date: {{.EndDate}}
Validity: {{.ValidityDays}} days
Total Price: ${{.Price}}

Your account is now active.

Thank you for your subscription!
`)),
	},
	SubscriptionRenewed: {
		subject: "Subscription Renewal Confirmation",
		body: template.Must(template.New(SubscriptionRenewed).Parse(`Dear {{.Name}},

Your subscription has been renewed successfully.

Details:
Plan: {{.PlanName}}
Start Date: {{.StartDate}}
End Date: {{.EndDate}}
Validity: {{.ValidityDays}} days
Total Price: ${{.Price}}

Thank you for staying with us!
`)),
	},
	SubscriptionExpired: {
		subject: "Subscription Expiration Notice",
		body: template.Must(template.New(SubscriptionExpired).Parse(`Dear {{.Name}},

Your subscription to "{{.PlanName}}" expired on {{.EndDate}}.

Please renew your subscription to continue using our services.
`)),
	},
	SubscriptionDeleted: {
		subject: "Subscription Deletion Confirmation",
		body: template.Must(template.New(SubscriptionDeleted).Parse(`Dear {{.Name}},

Your subscription to "{{.PlanName}}" has been deleted.

If this was not intended, please contact our support team immediately.

Thank you for your past subscription.
`)),
	},
}

// Render builds a message for a known template id.
func Render(id, to string, data Data) (Message, error) {
	t, ok := templates[id]
	if !ok {
		return Message{}, fmt.Errorf("email: template %q not found", id)
	}
	var b strings.Builder
	if err := t.body.Execute(&b, data); err != nil {
		return Message{}, fmt.Errorf("email: render %s: %w", id, err)
	}
	return Message{To: to, Subject: t.subject, Body: b.String()}, nil
}
