package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// insertError maps a failed INSERT: a unique violation becomes
// domain.ErrAlreadyExists, anything else domain.ErrPersistence.
func insertError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w: %w", op, domain.ErrPersistence, err)
}

// listQuery appends the time window, ordering and pagination of opts to a
// query whose WHERE clause already uses len(args) placeholders.
func listQuery(query string, args []any, timeCol string, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC", timeCol)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
