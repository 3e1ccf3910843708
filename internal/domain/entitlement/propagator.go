// Package entitlement owns the active flags of clinicians and organizations.
// No other package writes those columns.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinisist/clinisist/internal/platform/apperr"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/internal/platform/metrics"
)

type Kind string

const (
	KindClinician    Kind = "clinician"
	KindOrganization Kind = "organization"
)

// EntityRef names the account whose entitlement changes.
type EntityRef struct {
	Kind Kind
	ID   uuid.UUID
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Propagator flips entitlement flags. Setting an organization cascades the
// same value to every clinician affiliated with it, in one transaction.
type Propagator struct {
	pool   db.Pool
	tx     db.TxRunner
	logger zerolog.Logger
}

func NewPropagator(pool db.Pool, logger zerolog.Logger) *Propagator {
	return &Propagator{
		pool:   pool,
		tx:     db.PoolTx{Pool: pool},
		logger: logger.With().Str("component", "entitlement").Logger(),
	}
}

// SetActive is idempotent. When ctx carries a transaction the writes join it,
// so the caller's commit or rollback covers them.
func (p *Propagator) SetActive(ctx context.Context, ref EntityRef, active bool) error {
	ctx, span := otel.Tracer("EntitlementPropagator").Start(ctx, "SetActive", trace.WithAttributes(
		attribute.String("entity.kind", string(ref.Kind)),
		attribute.String("entity.id", ref.ID.String()),
		attribute.Bool("active", active),
	))
	defer span.End()

	var err error
	switch ref.Kind {
	case KindClinician:
		err = p.setClinician(ctx, ref.ID, active)
	case KindOrganization:
		err = p.tx.InTx(ctx, func(ctx context.Context) error {
			if err := p.setOrganization(ctx, ref.ID, active); err != nil {
				return err
			}
			n, err := p.cascade(ctx, ref.ID, active)
			if err != nil {
				return err
			}
			p.logger.Debug().Str("organization_id", ref.ID.String()).
				Int64("clinicians", n).Bool("active", active).Msg("entitlement cascaded")
			return nil
		})
	default:
		err = fmt.Errorf("entitlement: unsupported entity kind %q", ref.Kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "set active failed")
		return err
	}
	metrics.EntitlementWrites.WithLabelValues(string(ref.Kind), strconv.FormatBool(active)).Inc()
	return nil
}

func (r EntityRef) table() (string, error) {
	switch r.Kind {
	case KindClinician:
		return "clinician", nil
	case KindOrganization:
		return "organization", nil
	}
	return "", fmt.Errorf("entitlement: unsupported entity kind %q", r.Kind)
}

// Lock takes the entity's row lock until ctx's transaction ends. Callers
// that read the ledger before deciding a flag hold it so the decision and
// the write cannot interleave with a purchase. Outside a transaction it only
// checks that the entity exists.
func (p *Propagator) Lock(ctx context.Context, ref EntityRef) error {
	table, err := ref.table()
	if err != nil {
		return err
	}
	query, args, err := psql.Select("id").From(table).
		Where(sq.Eq{"id": ref.ID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return err
	}
	var id uuid.UUID
	err = db.Conn(ctx, p.pool).QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(string(ref.Kind))
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", ref, err)
	}
	return nil
}

func clinicianFlag(active bool) string {
	if active {
		return "yes"
	}
	return "no"
}

func (p *Propagator) setClinician(ctx context.Context, id uuid.UUID, active bool) error {
	query, args, err := psql.Update("clinician").
		Set("active", clinicianFlag(active)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update clinician entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("clinician")
	}
	return nil
}

func (p *Propagator) setOrganization(ctx context.Context, id uuid.UUID, active bool) error {
	query, args, err := psql.Update("organization").
		Set("active", active).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update organization entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("organization")
	}
	return nil
}

func (p *Propagator) cascade(ctx context.Context, orgID uuid.UUID, active bool) (int64, error) {
	query, args, err := psql.Update("clinician").
		Set("active", clinicianFlag(active)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"organization_id": orgID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cascade clinician entitlement: %w", err)
	}
	return tag.RowsAffected(), nil
}
