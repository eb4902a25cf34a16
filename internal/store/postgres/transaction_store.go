package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL. Rows
// are only ever inserted.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

const txSelectCols = `id, type, buyer, seller, region, credits, quoted_credits,
	eth_amount, token_id, tx_hash, settlement_id::text, created_at`

func scanTx(row pgx.Row) (domain.LedgerTransaction, error) {
	var (
		t                         domain.LedgerTransaction
		buyer, seller, settlement *string
		quoted                    *float64
	)
	if err := row.Scan(
		&t.ID, &t.Type, &buyer, &seller, &t.Region, &t.Credits, &quoted,
		&t.EthAmount, &t.TokenID, &t.TxHash, &settlement, &t.CreatedAt,
	); err != nil {
		return domain.LedgerTransaction{}, err
	}
	t.Buyer, t.Seller, t.SettlementID = deref(buyer), deref(seller), deref(settlement)
	if quoted != nil {
		t.QuotedCredits = *quoted
	}
	return t, nil
}

func scanTxRows(rows pgx.Rows) ([]domain.LedgerTransaction, error) {
	var out []domain.LedgerTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Insert appends a ledger row. A tx hash that is already recorded yields
// domain.ErrAlreadyExists and no new row.
func (s *TransactionStore) Insert(ctx context.Context, t domain.LedgerTransaction) (domain.LedgerTransaction, error) {
	var quoted *float64
	if t.QuotedCredits > 0 {
		quoted = &t.QuotedCredits
	}

	const query = `
		INSERT INTO transactions (
			type, buyer, seller, region, credits, quoted_credits,
			eth_amount, token_id, tx_hash, settlement_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query,
		string(t.Type), nullable(t.Buyer), nullable(t.Seller), t.Region, t.Credits, quoted,
		t.EthAmount, t.TokenID, strings.ToLower(t.TxHash), nullable(t.SettlementID),
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return domain.LedgerTransaction{}, insertError("insert transaction "+t.TxHash, err)
	}
	t.TxHash = strings.ToLower(t.TxHash)
	return t, nil
}

// GetByTxHash returns the row recorded for txHash, or domain.ErrNotFound.
func (s *TransactionStore) GetByTxHash(ctx context.Context, txHash string) (domain.LedgerTransaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+txSelectCols+` FROM transactions WHERE tx_hash = $1`, strings.ToLower(txHash))
	t, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerTransaction{}, domain.ErrNotFound
		}
		return domain.LedgerTransaction{}, fmt.Errorf("postgres: get transaction %s: %w", txHash, err)
	}
	return t, nil
}

// ListByWallet returns rows where wallet is the buyer or the seller, newest
// first.
func (s *TransactionStore) ListByWallet(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.LedgerTransaction, error) {
	query, args := listQuery(
		`SELECT `+txSelectCols+` FROM transactions WHERE (lower(buyer) = lower($1) OR lower(seller) = lower($1))`,
		[]any{wallet}, "created_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions by wallet: %w", err)
	}
	defer rows.Close()

	out, err := scanTxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions by wallet: %w", err)
	}
	return out, nil
}

// ListBefore returns every row created before the cutoff, oldest first.
func (s *TransactionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txSelectCols+` FROM transactions WHERE created_at < $1 ORDER BY created_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	out, err := scanTxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions before: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.TransactionStore = (*TransactionStore)(nil)
