package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

func TestListQuery(t *testing.T) {
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	q, args := listQuery("SELECT * FROM transactions WHERE buyer = $1", []any{"0xabc"}, "created_at",
		domain.ListOpts{Since: &since, Limit: 20, Offset: 40})

	assert.Equal(t,
		"SELECT * FROM transactions WHERE buyer = $1 AND created_at >= $2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4",
		q)
	assert.Equal(t, []any{"0xabc", since, 20, 40}, args)
}

func TestListQuery_NoOptions(t *testing.T) {
	q, args := listQuery("SELECT * FROM audit_log WHERE TRUE", nil, "created_at", domain.ListOpts{})
	assert.True(t, strings.HasSuffix(q, "ORDER BY created_at DESC, id DESC"))
	assert.Empty(t, args)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "transactions_tx_hash_uq"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", dup)))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(fmt.Errorf("plain")))
}

func TestInsertError(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "transactions_tx_hash_uq"}
	err := insertError("insert transaction 0xabc", fmt.Errorf("scan: %w", dup))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.NotErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, "postgres: insert transaction 0xabc: already exists", err.Error())

	fk := &pgconn.PgError{Code: "23503", Message: "violates foreign key"}
	err = insertError("insert transaction 0xabc", fk)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NotErrorIs(t, err, domain.ErrAlreadyExists)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "23503", pgErr.Code)

	err = insertError("create company 0x1", errors.New("connection reset"))
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("x"))
	assert.Equal(t, "x", deref(nullable("x")))
	assert.Equal(t, "", deref(nil))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/greenledger?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "greenledger"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrations_Embedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	sql := string(data)
	for _, table := range []string{"companies", "transactions", "sell_settlements", "audit_log"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, sql, "UNIQUE (tx_hash)")

	assert.Contains(t, names, "002_settlement_version.sql")
	data, err = migrationsFS.ReadFile("migrations/002_settlement_version.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "ADD COLUMN IF NOT EXISTS version")
}
