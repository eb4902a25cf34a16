package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `id::text, seller, custodian, token_id, region, credits,
	expected_eth, expected_wei, transfer_tx_hash, payment_tx_hash, status,
	last_error, version, created_at, updated_at`

func scanSettlement(row pgx.Row) (domain.SellSettlement, error) {
	var (
		s                         domain.SellSettlement
		status                    string
		transfer, payment, lastEr *string
	)
	if err := row.Scan(
		&s.ID, &s.Seller, &s.Custodian, &s.TokenID, &s.Region, &s.Credits,
		&s.ExpectedEth, &s.ExpectedWei, &transfer, &payment, &status,
		&lastEr, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return domain.SellSettlement{}, err
	}
	s.Status = domain.SettlementStatus(status)
	s.TransferTxHash, s.PaymentTxHash, s.LastError = deref(transfer), deref(payment), deref(lastEr)
	return s, nil
}

// Create inserts a new saga record.
func (s *SettlementStore) Create(ctx context.Context, st domain.SellSettlement) error {
	const query = `
		INSERT INTO sell_settlements (
			id, seller, custodian, token_id, region, credits,
			expected_eth, expected_wei, transfer_tx_hash, payment_tx_hash,
			status, last_error, version
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		st.ID, st.Seller, st.Custodian, st.TokenID, st.Region, st.Credits,
		st.ExpectedEth, st.ExpectedWei, nullable(st.TransferTxHash), nullable(st.PaymentTxHash),
		string(st.Status), nullable(st.LastError), st.Version,
	)
	if err != nil {
		return insertError("create settlement "+st.ID, err)
	}
	return nil
}

// Update overwrites the mutable saga fields (hashes, status, last error) if
// the stored version still matches st.Version, and bumps the version. A
// concurrent writer that got there first yields domain.ErrConflict.
func (s *SettlementStore) Update(ctx context.Context, st domain.SellSettlement) error {
	const query = `
		UPDATE sell_settlements
		SET transfer_tx_hash = $2, payment_tx_hash = $3, status = $4,
		    last_error = $5, version = version + 1, updated_at = NOW()
		WHERE id = $1::uuid AND version = $6`

	tag, err := s.pool.Exec(ctx, query,
		st.ID, nullable(st.TransferTxHash), nullable(st.PaymentTxHash),
		string(st.Status), nullable(st.LastError), st.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update settlement %s: %w: %w", st.ID, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sell_settlements WHERE id = $1::uuid)`, st.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: update settlement %s: %w: %w", st.ID, domain.ErrPersistence, err)
	}
	if !exists {
		return fmt.Errorf("postgres: update settlement %s: %w", st.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: update settlement %s at version %d: %w", st.ID, st.Version, domain.ErrConflict)
}

// GetByID returns the saga, or domain.ErrNotFound.
func (s *SettlementStore) GetByID(ctx context.Context, id string) (domain.SellSettlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM sell_settlements WHERE id = $1::uuid`, id)
	st, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SellSettlement{}, domain.ErrNotFound
		}
		return domain.SellSettlement{}, fmt.Errorf("postgres: get settlement %s: %w", id, err)
	}
	return st, nil
}

// ListByStatus returns sagas in any of statuses last touched before
// olderThan, oldest first.
func (s *SettlementStore) ListByStatus(ctx context.Context, statuses []domain.SettlementStatus, olderThan time.Time) ([]domain.SellSettlement, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM sell_settlements
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, names, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements by status: %w", err)
	}
	defer rows.Close()

	var out []domain.SellSettlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
