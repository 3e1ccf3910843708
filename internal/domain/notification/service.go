package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/metrics"
	"github.com/clinisist/clinisist/internal/platform/websocket"
	"github.com/clinisist/clinisist/pkg/pagination"
)

// Service persists notifications and pushes them to connected clients.
type Service struct {
	repo    Repository
	emitter websocket.Emitter
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, emitter websocket.Emitter, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		emitter: emitter,
		logger:  logger.With().Str("component", "notification").Logger(),
		now:     time.Now,
	}
}

// Notify stores an unread notification and emits it to the recipient's room.
// A failed emit is logged; the stored row is still delivered on next fetch.
func (s *Service) Notify(ctx context.Context, in New) (*Notification, error) {
	if !in.Recipient.Kind.Valid() {
		return nil, apperr.Invalid("recipient.kind", "unknown recipient kind")
	}
	if in.Recipient.ID == nil && in.Recipient.Kind != RecipientAdmin {
		return nil, apperr.Invalid("recipient.id", "is required")
	}
	if in.Message == "" {
		return nil, apperr.Invalid("message", "is required")
	}
	if in.Type == "" {
		in.Type = TypeGeneral
	}
	if !in.Type.Valid() {
		return nil, apperr.Invalid("type", "unknown notification type")
	}

	n := &Notification{
		ID:        uuid.New(),
		Recipient: in.Recipient,
		Sender:    in.Sender,
		Title:     in.Type.Title(),
		Message:   in.Message,
		Type:      in.Type,
		Status:    StatusUnread,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}

	if s.emitter != nil {
		if err := s.emitter.Emit(ctx, in.Recipient.Room(), websocket.EventNewNotification, n); err != nil {
			metrics.SideEffectFailures.WithLabelValues("websocket").Inc()
			s.logger.Warn().Err(err).Str("room", in.Recipient.Room()).Msg("emit notification failed")
		}
	}
	return n, nil
}

func (s *Service) List(ctx context.Context, r Recipient, status Status, page pagination.Params) ([]*Notification, int, error) {
	if status != "" && status != StatusRead && status != StatusUnread {
		return nil, 0, apperr.Invalid("status", "must be one of: read unread")
	}
	return s.repo.List(ctx, r, status, page)
}

func (s *Service) MarkRead(ctx context.Context, r Recipient, id uuid.UUID) error {
	return s.repo.MarkRead(ctx, r, id)
}

func (s *Service) MarkAllRead(ctx context.Context, r Recipient) (int64, error) {
	return s.repo.MarkAllRead(ctx, r)
}
