package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TransactionStore is the append-only transaction ledger. Insert returns
// ErrAlreadyExists when the tx hash is already recorded.
type TransactionStore interface {
	Insert(ctx context.Context, tx LedgerTransaction) (LedgerTransaction, error)
	GetByTxHash(ctx context.Context, txHash string) (LedgerTransaction, error)
	ListByWallet(ctx context.Context, wallet string, opts ListOpts) ([]LedgerTransaction, error)
	ListBefore(ctx context.Context, before time.Time) ([]LedgerTransaction, error)
}

// CompanyStore persists mirrored company registrations, one per wallet.
type CompanyStore interface {
	Create(ctx context.Context, c CompanyRecord) (CompanyRecord, error)
	GetByWallet(ctx context.Context, wallet string) (CompanyRecord, error)
}

// SettlementStore persists sell sagas between their two transactions.
type SettlementStore interface {
	Create(ctx context.Context, s SellSettlement) error
	// Update writes the mutable fields only while the stored version still
	// equals s.Version, bumping it; a stale version yields ErrConflict.
	Update(ctx context.Context, s SellSettlement) error
	GetByID(ctx context.Context, id string) (SellSettlement, error)
	ListByStatus(ctx context.Context, statuses []SettlementStatus, olderThan time.Time) ([]SellSettlement, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
