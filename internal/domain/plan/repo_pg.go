package plan

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/pkg/pagination"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var planCols = []string{
	"id", "name", "description", "price_cents", "validity_days", "scope", "status",
	"creator_kind", "creator_id", "created_at", "updated_at",
}

type repoPG struct {
	pool db.Pool
}

func NewRepoPG(pool db.Pool) Repository {
	return &repoPG{pool: pool}
}

func scanPlan(row pgx.Row) (*Plan, error) {
	var (
		p           Plan
		creatorKind *string
		creatorID   *uuid.UUID
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.ValidityDays, &p.Scope, &p.Status,
		&creatorKind, &creatorID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if creatorKind != nil && creatorID != nil {
		p.Creator = &Creator{Kind: *creatorKind, ID: *creatorID}
	}
	return &p, nil
}

func creatorCols(c *Creator) (any, any) {
	if c == nil {
		return nil, nil
	}
	return c.Kind, c.ID
}

func (r *repoPG) Create(ctx context.Context, p *Plan) error {
	kind, id := creatorCols(p.Creator)
	query, args, err := psql.Insert("plan").
		Columns("id", "name", "description", "price_cents", "validity_days", "scope", "status",
			"creator_kind", "creator_id", "created_at", "updated_at").
		Values(p.ID, p.Name, p.Description, int64(p.Price), p.ValidityDays, string(p.Scope), string(p.Status),
			kind, id, p.CreatedAt, p.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	query, args, err := psql.Select(planCols...).From("plan").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanPlan(db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("plan")
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Plan) error {
	query, args, err := psql.Update("plan").
		Set("name", p.Name).
		Set("description", p.Description).
		Set("price_cents", int64(p.Price)).
		Set("validity_days", p.ValidityDays).
		Set("status", string(p.Status)).
		Set("updated_at", p.UpdatedAt).
		Where(sq.Eq{"id": p.ID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("plan")
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := psql.Delete("plan").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("plan")
	}
	return nil
}

func applyFilter(q sq.SelectBuilder, f Filter) sq.SelectBuilder {
	if f.Scope != "" {
		q = q.Where(sq.Eq{"scope": string(f.Scope)})
	}
	if f.ActiveOnly {
		q = q.Where(sq.Eq{"status": string(StatusActive)})
	}
	if f.Creator != nil {
		q = q.Where(sq.Eq{"creator_kind": f.Creator.Kind, "creator_id": f.Creator.ID})
	}
	return q
}

func (r *repoPG) List(ctx context.Context, f Filter, page pagination.Params) ([]*Plan, int, error) {
	conn := db.Conn(ctx, r.pool)

	countQuery, countArgs, err := applyFilter(psql.Select("COUNT(*)").From("plan"), f).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := conn.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count plans: %w", err)
	}

	query, args, err := page.Apply(applyFilter(psql.Select(planCols...).From("plan"), f).
		OrderBy("created_at DESC")).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
