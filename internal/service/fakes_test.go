package service

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/ledger"
)

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// MockChain is a testify mock of the Chain interface.
type MockChain struct {
	mock.Mock
}

func (m *MockChain) ContractAddress() common.Address { return testContract }

func (m *MockChain) ReadCompany(ctx context.Context, wallet common.Address) (domain.CompanyInfo, error) {
	args := m.Called(ctx, wallet)
	return args.Get(0).(domain.CompanyInfo), args.Error(1)
}

func (m *MockChain) RegisterCompany(ctx context.Context, from common.Address, signer *crypto.Signer, name string, ctype domain.CompanyType) (common.Hash, error) {
	args := m.Called(ctx, from, signer, name, ctype)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockChain) SubmitBuy(ctx context.Context, signer *crypto.Signer, region string, amount int64, tokenURI string, value *big.Int) (common.Hash, error) {
	args := m.Called(ctx, signer, region, amount, tokenURI, value)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockChain) SubmitTransfer(ctx context.Context, signer *crypto.Signer, to common.Address, tokenID *big.Int) (common.Hash, error) {
	args := m.Called(ctx, signer, to, tokenID)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockChain) SubmitPayment(ctx context.Context, signer *crypto.Signer, to common.Address, value *big.Int) (common.Hash, error) {
	args := m.Called(ctx, signer, to, value)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockChain) WaitReceipt(ctx context.Context, txHash common.Hash) (ledger.ReceiptOutcome, error) {
	args := m.Called(ctx, txHash)
	return args.Get(0).(ledger.ReceiptOutcome), args.Error(1)
}

func (m *MockChain) Receipt(ctx context.Context, txHash common.Hash) (ledger.ReceiptOutcome, error) {
	args := m.Called(ctx, txHash)
	return args.Get(0).(ledger.ReceiptOutcome), args.Error(1)
}

func confirmed(hash common.Hash, logs ...*types.Log) ledger.ReceiptOutcome {
	return ledger.ReceiptOutcome{
		TxHash:  hash,
		Status:  domain.ReceiptConfirmed,
		Receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, Logs: logs},
	}
}

func reverted(hash common.Hash) ledger.ReceiptOutcome {
	return ledger.ReceiptOutcome{
		TxHash:  hash,
		Status:  domain.ReceiptFailed,
		Receipt: &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash},
	}
}

func pending(hash common.Hash) ledger.ReceiptOutcome {
	return ledger.ReceiptOutcome{TxHash: hash, Status: domain.ReceiptPending}
}

func transferLog(to common.Address, tokenID int64) *types.Log {
	return &types.Log{
		Address: testContract,
		Topics: []common.Hash{
			ledger.TransferTopic,
			{},
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

type wallet struct {
	Address common.Address
	KeyHex  string
	Signer  *crypto.Signer
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return wallet{
		Address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		KeyHex:  hex.EncodeToString(ethcrypto.FromECDSA(pk)),
		Signer:  crypto.NewSigner(pk),
	}
}

// signedBy matches a *crypto.Signer argument by address.
func signedBy(addr common.Address) interface{} {
	return mock.MatchedBy(func(s *crypto.Signer) bool { return s != nil && s.Address() == addr })
}

func bigEq(v *big.Int) interface{} {
	return mock.MatchedBy(func(b *big.Int) bool { return b != nil && b.Cmp(v) == 0 })
}

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

type memTxs struct {
	mu        sync.Mutex
	rows      []domain.LedgerTransaction
	insertErr error
}

func (m *memTxs) Insert(_ context.Context, t domain.LedgerTransaction) (domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return domain.LedgerTransaction{}, m.insertErr
	}
	for _, r := range m.rows {
		if strings.EqualFold(r.TxHash, t.TxHash) {
			return domain.LedgerTransaction{}, domain.ErrAlreadyExists
		}
	}
	t.ID = int64(len(m.rows) + 1)
	t.CreatedAt = time.Now().UTC()
	m.rows = append(m.rows, t)
	return t, nil
}

func (m *memTxs) GetByTxHash(_ context.Context, h string) (domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if strings.EqualFold(r.TxHash, h) {
			return r, nil
		}
	}
	return domain.LedgerTransaction{}, domain.ErrNotFound
}

func (m *memTxs) ListByWallet(_ context.Context, w string, _ domain.ListOpts) ([]domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerTransaction
	for _, r := range m.rows {
		if strings.EqualFold(r.Wallet(), w) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memTxs) ListBefore(context.Context, time.Time) ([]domain.LedgerTransaction, error) {
	return nil, nil
}

func (m *memTxs) count(typ domain.TxType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Type == typ {
			n++
		}
	}
	return n
}

// memSettlements mirrors the versioned update of the postgres store and, like
// a real connection, refuses to write on a cancelled context.
type memSettlements struct {
	mu   sync.Mutex
	byID map[string]domain.SellSettlement
	// history records every status written, in order.
	history []domain.SettlementStatus
}

func newMemSettlements() *memSettlements {
	return &memSettlements{byID: make(map[string]domain.SellSettlement)}
}

func (m *memSettlements) Create(_ context.Context, s domain.SellSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.byID[s.ID] = s
	m.history = append(m.history, s.Status)
	return nil
}

func (m *memSettlements) Update(ctx context.Context, s domain.SellSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, ok := m.byID[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != s.Version {
		return domain.ErrConflict
	}
	s.Version++
	m.byID[s.ID] = s
	m.history = append(m.history, s.Status)
	return nil
}

func (m *memSettlements) GetByID(_ context.Context, id string) (domain.SellSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return domain.SellSettlement{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSettlements) ListByStatus(_ context.Context, statuses []domain.SettlementStatus, olderThan time.Time) ([]domain.SellSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SellSettlement
	for _, s := range m.byID {
		for _, st := range statuses {
			if s.Status == st && s.UpdatedAt.Before(olderThan) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

type memCompanies struct {
	mu   sync.Mutex
	rows map[string]domain.CompanyRecord
}

func newMemCompanies() *memCompanies {
	return &memCompanies{rows: make(map[string]domain.CompanyRecord)}
}

func (m *memCompanies) Create(_ context.Context, c domain.CompanyRecord) (domain.CompanyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(c.Wallet)
	if _, ok := m.rows[key]; ok {
		return domain.CompanyRecord{}, domain.ErrAlreadyExists
	}
	c.ID = int64(len(m.rows) + 1)
	m.rows[key] = c
	return c, nil
}

func (m *memCompanies) GetByWallet(_ context.Context, w string) (domain.CompanyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[strings.ToLower(w)]
	if !ok {
		return domain.CompanyRecord{}, domain.ErrNotFound
	}
	return c, nil
}

// lockHeld is a LockManager whose every key is taken.
type lockHeld struct{}

func (lockHeld) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(ctx context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}
