package notification

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/pkg/pagination"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const notificationCols = "id, recipient_kind, recipient_id, sender_kind, sender_id, message, type, status, created_at"

type repoPG struct {
	pool db.Pool
}

func NewRepoPG(pool db.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	var senderKind, senderID any
	if n.Sender != nil {
		senderKind, senderID = string(n.Sender.Kind), n.Sender.ID
	}
	query, args, err := psql.Insert("notification").
		Columns("id", "recipient_kind", "recipient_id", "sender_kind", "sender_id", "message", "type", "status", "created_at").
		Values(n.ID, string(n.Recipient.Kind), n.Recipient.ID, senderKind, senderID, n.Message, string(n.Type), string(n.Status), n.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// inbox matches rows addressed to r. Admins also see broadcasts.
func inbox(r Recipient) sq.Sqlizer {
	own := sq.And{sq.Eq{"recipient_kind": string(r.Kind)}}
	if r.ID == nil {
		return append(own, sq.Eq{"recipient_id": nil})
	}
	if r.Kind == RecipientAdmin {
		return append(own, sq.Or{sq.Eq{"recipient_id": *r.ID}, sq.Eq{"recipient_id": nil}})
	}
	return append(own, sq.Eq{"recipient_id": *r.ID})
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		n          Notification
		senderKind *string
		senderID   *uuid.UUID
	)
	if err := row.Scan(&n.ID, &n.Recipient.Kind, &n.Recipient.ID, &senderKind, &senderID,
		&n.Message, &n.Type, &n.Status, &n.CreatedAt); err != nil {
		return nil, err
	}
	if senderKind != nil {
		n.Sender = &Recipient{Kind: RecipientKind(*senderKind), ID: senderID}
	}
	n.Title = n.Type.Title()
	return &n, nil
}

func (r *repoPG) List(ctx context.Context, rcpt Recipient, status Status, page pagination.Params) ([]*Notification, int, error) {
	conn := db.Conn(ctx, r.pool)
	where := sq.And{inbox(rcpt)}
	if status != "" {
		where = append(where, sq.Eq{"status": string(status)})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("notification").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := conn.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query, args, err := page.Apply(psql.Select(notificationCols).From("notification").
		Where(where).OrderBy("created_at DESC")).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *repoPG) MarkRead(ctx context.Context, rcpt Recipient, id uuid.UUID) error {
	query, args, err := psql.Update("notification").
		Set("status", string(StatusRead)).
		Where(sq.Eq{"id": id}).
		Where(inbox(rcpt)).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("notification")
	}
	return nil
}

func (r *repoPG) MarkAllRead(ctx context.Context, rcpt Recipient) (int64, error) {
	query, args, err := psql.Update("notification").
		Set("status", string(StatusRead)).
		Where(inbox(rcpt)).
		Where(sq.Eq{"status": string(StatusUnread)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}
