package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// CompanyStore implements domain.CompanyStore using PostgreSQL.
type CompanyStore struct {
	pool *pgxpool.Pool
}

// NewCompanyStore creates a new CompanyStore backed by the given pool.
func NewCompanyStore(pool *pgxpool.Pool) *CompanyStore {
	return &CompanyStore{pool: pool}
}

// Create inserts a company. A second record for the same wallet (compared
// case-insensitively) yields domain.ErrAlreadyExists.
func (s *CompanyStore) Create(ctx context.Context, c domain.CompanyRecord) (domain.CompanyRecord, error) {
	const query = `
		INSERT INTO companies (name, wallet, company_type, threshold, tx_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query,
		c.Name, c.Wallet, int16(c.Type), nullable(c.Threshold), c.TxHash,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return domain.CompanyRecord{}, insertError("create company "+c.Wallet, err)
	}
	return c, nil
}

// GetByWallet returns the company registered for wallet, or
// domain.ErrNotFound.
func (s *CompanyStore) GetByWallet(ctx context.Context, wallet string) (domain.CompanyRecord, error) {
	const query = `
		SELECT id, name, wallet, company_type, threshold, tx_hash, created_at
		FROM companies WHERE lower(wallet) = lower($1)`

	var (
		c         domain.CompanyRecord
		ctype     int16
		threshold *string
	)
	err := s.pool.QueryRow(ctx, query, wallet).Scan(
		&c.ID, &c.Name, &c.Wallet, &ctype, &threshold, &c.TxHash, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CompanyRecord{}, domain.ErrNotFound
		}
		return domain.CompanyRecord{}, fmt.Errorf("postgres: get company %s: %w", wallet, err)
	}
	c.Type = domain.CompanyType(ctype)
	c.Threshold = deref(threshold)
	return c, nil
}

// Compile-time interface check.
var _ domain.CompanyStore = (*CompanyStore)(nil)
