package notification

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinisist/clinisist/pkg/pagination"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	// List returns the inbox of r, newest first. An empty status lists all.
	List(ctx context.Context, r Recipient, status Status, page pagination.Params) ([]*Notification, int, error)
	MarkRead(ctx context.Context, r Recipient, id uuid.UUID) error
	MarkAllRead(ctx context.Context, r Recipient) (int64, error)
}
