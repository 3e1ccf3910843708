package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/pkg/pagination"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const subCols = `id, subscriber_id, plan_id, clinician_id, organization_id, start_date, end_date,
	renewal, price_cents, expiry_notified_at, created_at, updated_at`

type repoPG struct {
	pool db.Pool
}

func NewRepoPG(pool db.Pool) Repository {
	return &repoPG{pool: pool}
}

func scanSub(kind Kind, row pgx.Row) (*Subscription, error) {
	s := Subscription{Kind: kind}
	err := row.Scan(&s.ID, &s.SubscriberID, &s.PlanID, &s.ClinicianID, &s.OrganizationID,
		&s.StartDate, &s.EndDate, &s.Renewal, &s.Price, &s.ExpiryNotifiedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) queryList(ctx context.Context, kind Kind, q sq.SelectBuilder) ([]*Subscription, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind.table(), err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSub(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind.table(), err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) exists(ctx context.Context, q sq.SelectBuilder) (bool, error) {
	query, args, err := q.Prefix("SELECT EXISTS (").Suffix(")").ToSql()
	if err != nil {
		return false, err
	}
	var ok bool
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *repoPG) FindByPair(ctx context.Context, kind Kind, subscriberID, planID uuid.UUID) (*Subscription, error) {
	query, args, err := psql.Select(subCols).From(kind.table()).
		Where(sq.Eq{"subscriber_id": subscriberID, "plan_id": planID}).ToSql()
	if err != nil {
		return nil, err
	}
	s, err := scanSub(kind, db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return s, nil
}

func (r *repoPG) Insert(ctx context.Context, s *Subscription) (bool, error) {
	query, args, err := psql.Insert(s.Kind.table()).
		Columns("id", "subscriber_id", "plan_id", "clinician_id", "organization_id",
			"start_date", "end_date", "renewal", "price_cents", "created_at", "updated_at").
		Values(s.ID, s.SubscriberID, s.PlanID, s.ClinicianID, s.OrganizationID,
			s.StartDate, s.EndDate, s.Renewal, int64(s.Price), s.CreatedAt, s.UpdatedAt).
		Suffix("ON CONFLICT (subscriber_id, plan_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) RenewIfExpired(ctx context.Context, s *Subscription, now time.Time) (bool, error) {
	query, args, err := psql.Update(s.Kind.table()).
		Set("start_date", s.StartDate).
		Set("end_date", s.EndDate).
		Set("renewal", true).
		Set("price_cents", int64(s.Price)).
		Set("clinician_id", s.ClinicianID).
		Set("organization_id", s.OrganizationID).
		Set("expiry_notified_at", nil).
		Set("updated_at", s.UpdatedAt).
		Where(sq.Eq{"id": s.ID}).
		Where(sq.Lt{"end_date": now}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("renew subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ExtendIfUnchanged(ctx context.Context, s *Subscription, observedEnd time.Time) (bool, error) {
	query, args, err := psql.Update(s.Kind.table()).
		Set("end_date", s.EndDate).
		Set("renewal", true).
		Set("price_cents", int64(s.Price)).
		Set("expiry_notified_at", nil).
		Set("updated_at", s.UpdatedAt).
		Where(sq.Eq{"id": s.ID, "end_date": observedEnd}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("extend subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID unions the variant tables and tags each row with its kind.
func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	parts := make([]string, len(Kinds))
	for i, k := range Kinds {
		parts[i] = fmt.Sprintf("SELECT '%s' AS kind, %s FROM %s WHERE id = $1", k, subCols, k.table())
	}
	query := strings.Join(parts, " UNION ALL ") + " LIMIT 1"

	var kind string
	s := Subscription{}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(&kind,
		&s.ID, &s.SubscriberID, &s.PlanID, &s.ClinicianID, &s.OrganizationID,
		&s.StartDate, &s.EndDate, &s.Renewal, &s.Price, &s.ExpiryNotifiedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("subscription")
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	s.Kind = Kind(kind)
	return &s, nil
}

func (r *repoPG) Delete(ctx context.Context, kind Kind, id uuid.UUID) error {
	query, args, err := psql.Delete(kind.table()).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("subscription")
	}
	return nil
}

func (r *repoPG) ListExpired(ctx context.Context, kind Kind, now time.Time) ([]*Subscription, error) {
	return r.queryList(ctx, kind, psql.Select(subCols).From(kind.table()).
		Where(sq.Lt{"end_date": now}).OrderBy("end_date"))
}

// MarkExpiryNotified only claims a row whose term has ended as of at, so a
// renewal that lands after ListExpired keeps its marker clear.
func (r *repoPG) MarkExpiryNotified(ctx context.Context, kind Kind, id uuid.UUID, at time.Time) (*Subscription, bool, error) {
	query, args, err := psql.Update(kind.table()).
		Set("expiry_notified_at", at).
		Where(sq.Eq{"id": id, "expiry_notified_at": nil}).
		Where(sq.Lt{"end_date": at}).
		Suffix("RETURNING " + subCols).
		ToSql()
	if err != nil {
		return nil, false, err
	}
	s, err := scanSub(kind, db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mark expiry notified: %w", err)
	}
	return s, true, nil
}

func (r *repoPG) ReleaseExpiryNotice(ctx context.Context, kind Kind, id uuid.UUID, at time.Time) error {
	query, args, err := psql.Update(kind.table()).
		Set("expiry_notified_at", nil).
		Where(sq.Eq{"id": id, "expiry_notified_at": at}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("release expiry notice: %w", err)
	}
	return nil
}

func (r *repoPG) HasValid(ctx context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) (bool, error) {
	ok, err := r.exists(ctx, psql.Select("1").From(kind.table()).
		Where(sq.Eq{"subscriber_id": subscriberID}).
		Where(sq.GtOrEq{"end_date": now}))
	if err != nil {
		return false, fmt.Errorf("check valid subscription: %w", err)
	}
	return ok, nil
}

func (r *repoPG) HasAny(ctx context.Context, kind Kind, subscriberID, planID uuid.UUID) (bool, error) {
	q := psql.Select("1").From(kind.table()).Where(sq.Eq{"subscriber_id": subscriberID})
	if planID != uuid.Nil {
		q = q.Where(sq.Eq{"plan_id": planID})
	}
	ok, err := r.exists(ctx, q)
	if err != nil {
		return false, fmt.Errorf("check previous subscription: %w", err)
	}
	return ok, nil
}

func (r *repoPG) Counts(ctx context.Context, kind Kind, now time.Time) (*Counts, error) {
	query, args, err := psql.Select().
		Column(sq.Expr("COUNT(*) FILTER (WHERE end_date >= ?)", now)).
		Column("COUNT(*) FILTER (WHERE renewal)").
		Column(sq.Expr("COUNT(*) FILTER (WHERE end_date < ?)", now)).
		From(kind.table()).ToSql()
	if err != nil {
		return nil, err
	}
	var c Counts
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&c.Valid, &c.Renewal, &c.Ended); err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	return &c, nil
}

func (r *repoPG) ListBySubscriber(ctx context.Context, kind Kind, subscriberID uuid.UUID) ([]*Subscription, error) {
	return r.queryList(ctx, kind, psql.Select(subCols).From(kind.table()).
		Where(sq.Eq{"subscriber_id": subscriberID}).OrderBy("end_date DESC"))
}

func (r *repoPG) ListValid(ctx context.Context, kind Kind, subscriberID uuid.UUID, now time.Time) ([]*Subscription, error) {
	return r.queryList(ctx, kind, psql.Select(subCols).From(kind.table()).
		Where(sq.Eq{"subscriber_id": subscriberID}).
		Where(sq.LtOrEq{"start_date": now}).
		Where(sq.GtOrEq{"end_date": now}).
		OrderBy("end_date DESC"))
}

func (r *repoPG) List(ctx context.Context, kind Kind, page pagination.Params) ([]*Subscription, int, error) {
	var total int
	countQuery, _, err := psql.Select("COUNT(*)").From(kind.table()).ToSql()
	if err != nil {
		return nil, 0, err
	}
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", kind.table(), err)
	}
	out, err := r.queryList(ctx, kind, page.Apply(psql.Select(subCols).From(kind.table()).
		OrderBy("created_at DESC")))
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// PlanInUse reports whether any variant references planID.
func (r *repoPG) PlanInUse(ctx context.Context, planID uuid.UUID) (bool, error) {
	parts := make([]string, len(Kinds))
	for i, k := range Kinds {
		parts[i] = fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE plan_id = $1)", k.table())
	}
	var inUse bool
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, "SELECT "+strings.Join(parts, " OR "), planID).Scan(&inUse); err != nil {
		return false, fmt.Errorf("check plan usage: %w", err)
	}
	return inUse, nil
}
