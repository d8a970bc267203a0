package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	lite := &Store{dialect: DialectSQLite}

	q := `UPDATE t SET a = ? WHERE b = ? AND c IN (?, ?)`
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c IN ($3, $4)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgres_ClaimAggregation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewWithoutMigration(db, DialectPostgres)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE event_tokens SET aggregated = 1 WHERE token = \$1 AND aggregated = 0`).
		WithArgs("tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event_tokens SET aggregated = 1 WHERE token = \$1 AND aggregated = 0`).
		WithArgs("tok").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.ClaimAggregation(ctx, "tok")
	require.NoError(t, err)
	second, err := s.ClaimAggregation(ctx, "tok")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SetPopulation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewWithoutMigration(db, DialectPostgres)

	mock.ExpectExec(`UPDATE circles SET population = \$1 WHERE single_id = \$2`).
		WithArgs(3, "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetPopulation(context.Background(), "c1", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for range schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	_, err = New(context.Background(), db, DialectPostgres)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
