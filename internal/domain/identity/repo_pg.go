package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type repoPG struct {
	pool db.Pool
}

func NewRepoPG(pool db.Pool) Repository {
	return &repoPG{pool: pool}
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	query, args, err := psql.Select("id", "name", "email").From("patient").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var p Patient
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&p.ID, &p.Name, &p.Email); err != nil {
		return nil, notFound(err, "patient")
	}
	return &p, nil
}

func (r *repoPG) GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	query, args, err := psql.Select("id", "name", "email", "organization_id", "active").
		From("clinician").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var c Clinician
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, args...).
		Scan(&c.ID, &c.Name, &c.Email, &c.OrganizationID, &c.Active); err != nil {
		return nil, notFound(err, "clinician")
	}
	return &c, nil
}

func (r *repoPG) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	query, args, err := psql.Select("id", "name", "email", "active").
		From("organization").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	var o Organization
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&o.ID, &o.Name, &o.Email, &o.Active); err != nil {
		return nil, notFound(err, "organization")
	}
	return &o, nil
}

var accountTables = map[string]string{
	auth.KindPatient:      "patient",
	auth.KindClinician:    "clinician",
	auth.KindOrganization: "organization",
	auth.KindAdmin:        "admin",
}

func (r *repoPG) FindAccount(ctx context.Context, kind, email string) (*Account, error) {
	table, ok := accountTables[kind]
	if !ok {
		return nil, apperr.Invalid("kind", "unknown account kind")
	}
	query, args, err := psql.Select("id", "name", "email", "password_hash").
		From(table).Where(sq.Eq{"lower(email)": strings.ToLower(email)}).ToSql()
	if err != nil {
		return nil, err
	}
	a := Account{Kind: kind}
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash); err != nil {
		return nil, notFound(err, "account")
	}
	return &a, nil
}
