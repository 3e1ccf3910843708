package plan

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinisist/clinisist/internal/platform/apperr"
)

func TestRepoPG_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO plan").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	now := time.Now()
	err = NewRepoPG(mock).Create(context.Background(), &Plan{
		ID: uuid.New(), Name: "Gold", Price: 5000, ValidityDays: 30,
		Scope: ScopeDoctor, Status: StatusActive, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_UpdateMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE plan SET").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewRepoPG(mock).Update(context.Background(), &Plan{ID: uuid.New(), Status: StatusInactive})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoPG_Delete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM plan").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM plan").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	repo := NewRepoPG(mock)
	require.NoError(t, repo.Delete(context.Background(), uuid.New()))
	assert.ErrorIs(t, repo.Delete(context.Background(), uuid.New()), apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
