package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/ledger"
	"github.com/alanyoungcy/greenledger/internal/notify"
)

// DefaultTokenURI is attached to every minted credit.
const DefaultTokenURI = "ipfs://dummy-metadata-url"

// DefaultSagaTimeout bounds a sell saga once its transfer is broadcast.
const DefaultSagaTimeout = 5 * time.Minute

// SettlementDeps bundles what the SettlementService needs. Chain, Txs and
// Settlements are required; everything else is optional.
type SettlementDeps struct {
	Chain       Chain
	Custodian   Custodian
	Txs         domain.TransactionStore
	Settlements domain.SettlementStore
	Audit       domain.AuditStore
	Prices      *PriceService
	Archiver    domain.Archiver
	Notifier    *notify.Notifier
	Bus         domain.SignalBus
	Events      domain.EventLog
	Locks       domain.LockManager
	TokenURI    string
	// SagaTimeout bounds the work done after a transfer is broadcast, which
	// no longer follows the caller's context.
	SagaTimeout time.Duration
	// StaleAfter is how long a saga must sit untouched before a retry may
	// take it over.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// SettlementService runs the buy flow and the two-transaction sell saga.
type SettlementService struct {
	chain       Chain
	custodian   Custodian
	txs         domain.TransactionStore
	settlements domain.SettlementStore
	audit       domain.AuditStore
	prices      *PriceService
	archiver    domain.Archiver
	notifier    *notify.Notifier
	events      eventPublisher
	locks       *sagaLocks
	tokenURI    string
	sagaTimeout time.Duration
	staleAfter  time.Duration
	newID       func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(d SettlementDeps) *SettlementService {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "settlement_service"))
	tokenURI := d.TokenURI
	if tokenURI == "" {
		tokenURI = DefaultTokenURI
	}
	sagaTimeout := d.SagaTimeout
	if sagaTimeout <= 0 {
		sagaTimeout = DefaultSagaTimeout
	}
	return &SettlementService{
		chain:       d.Chain,
		custodian:   d.Custodian,
		txs:         d.Txs,
		settlements: d.Settlements,
		audit:       d.Audit,
		prices:      d.Prices,
		archiver:    d.Archiver,
		notifier:    d.Notifier,
		events:      eventPublisher{bus: d.Bus, log: d.Events, logger: logger},
		locks:       newSagaLocks(d.Locks, sagaTimeout, logger),
		tokenURI:    tokenURI,
		sagaTimeout: sagaTimeout,
		staleAfter:  d.StaleAfter,
		newID:       func() string { return uuid.Must(uuid.NewRandom()).String() },
		now:         time.Now,
		logger:      logger,
	}
}

// ---------------------------------------------------------------------------
// Buy
// ---------------------------------------------------------------------------

type buyOrder struct {
	signer *crypto.Signer
	value  *big.Int
}

func validateBuy(req domain.BuyRequest) (buyOrder, error) {
	var missing []string
	if strings.TrimSpace(req.From) == "" {
		missing = append(missing, "from")
	}
	if strings.TrimSpace(req.PrivateKey) == "" {
		missing = append(missing, "privateKey")
	}
	if strings.TrimSpace(req.Region) == "" {
		missing = append(missing, "region")
	}
	if strings.TrimSpace(req.EthAmount) == "" {
		missing = append(missing, "ethAmount")
	}
	if req.Amount == 0 {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return buyOrder{}, &domain.ValidationError{Fields: missing}
	}

	if !common.IsHexAddress(req.From) {
		return buyOrder{}, &domain.ValidationError{Fields: []string{"from"}, Reason: "invalid address"}
	}
	if _, ok := domain.LookupRegion(req.Region); !ok {
		return buyOrder{}, &domain.ValidationError{Fields: []string{"region"}, Reason: "unknown region"}
	}
	if req.Amount < 0 {
		return buyOrder{}, &domain.ValidationError{Fields: []string{"amount"}, Reason: "amount must be a positive integer"}
	}
	value, err := ledger.ToWei(req.EthAmount)
	if err != nil || value.Sign() <= 0 {
		return buyOrder{}, &domain.ValidationError{Fields: []string{"ethAmount"}, Reason: "ethAmount must be a positive ether amount"}
	}
	signer, err := crypto.SignerFor(req.PrivateKey, req.From)
	if err != nil {
		return buyOrder{}, &domain.ValidationError{Fields: []string{"privateKey"}, Reason: err.Error()}
	}
	return buyOrder{signer: signer, value: value}, nil
}

// Buy validates req, submits buyCredit, waits for the receipt and records a
// BUY row with exactly the caller's credit amount. When the receipt is still
// pending the result carries the tx hash and the error wraps
// domain.ErrReceiptPending. A persistence failure after confirmation also
// returns the tx hash.
func (s *SettlementService) Buy(ctx context.Context, req domain.BuyRequest) (domain.BuyResult, error) {
	order, err := validateBuy(req)
	if err != nil {
		return domain.BuyResult{}, err
	}

	hash, err := s.chain.SubmitBuy(ctx, order.signer, req.Region, req.Amount, s.tokenURI, order.value)
	if err != nil {
		return domain.BuyResult{}, fmt.Errorf("settlement: buy: %w", err)
	}
	result := domain.BuyResult{
		TxHash:          hash.Hex(),
		TokenID:         domain.UnknownTokenID,
		ContractAddress: s.chain.ContractAddress().Hex(),
	}

	outcome, err := s.chain.WaitReceipt(ctx, hash)
	if err != nil {
		return result, fmt.Errorf("settlement: buy %s: %w: %w", result.TxHash, domain.ErrReceiptPending, err)
	}
	switch outcome.Status {
	case domain.ReceiptPending:
		return result, fmt.Errorf("settlement: buy %s: %w", result.TxHash, domain.ErrReceiptPending)
	case domain.ReceiptFailed:
		return result, fmt.Errorf("settlement: buy %s: %w: reverted", result.TxHash, domain.ErrTransaction)
	}

	result.TokenID = ledger.MintedTokenID(outcome.Receipt, s.chain.ContractAddress())
	if result.TokenID == domain.UnknownTokenID {
		s.logger.WarnContext(ctx, "buy emitted no Transfer event, token id unknown",
			slog.String("tx", result.TxHash),
			slog.String("buyer", req.From),
		)
		s.auditLog(ctx, "buy.unknown_token", map[string]any{
			"tx_hash": result.TxHash,
			"buyer":   req.From,
			"region":  req.Region,
		})
		s.alert(ctx, notify.Alert{
			Event:    notify.EventUnknownToken,
			Severity: notify.SeverityWarning,
			Title:    "Minted token id unknown",
			Message:  "A confirmed buy emitted no Transfer event from the contract.",
			Fields:   map[string]string{"tx": result.TxHash, "buyer": req.From},
		})
	}
	s.archiveReceipt(ctx, "buy", result.TxHash, outcome.Receipt)

	row := domain.LedgerTransaction{
		Type:      domain.TxTypeBuy,
		Buyer:     req.From,
		Region:    req.Region,
		Credits:   req.Amount,
		EthAmount: req.EthAmount,
		TokenID:   result.TokenID,
		TxHash:    result.TxHash,
	}
	if s.prices != nil {
		if quoted, err := s.prices.Estimate(ctx, req.Region, req.EthAmount); err == nil {
			row.QuotedCredits = quoted
		}
	}

	saved, err := s.txs.Insert(ctx, row)
	if err != nil {
		return result, s.recordFailed(ctx, "buy", result.TxHash, err)
	}
	result.Ledger = saved

	s.logger.InfoContext(ctx, "buy recorded",
		slog.String("tx", result.TxHash),
		slog.String("buyer", req.From),
		slog.String("region", req.Region),
		slog.Int64("credits", req.Amount),
		slog.String("token_id", result.TokenID),
	)
	s.events.publish(ctx, SettlementEvent{
		Event:   "buy.completed",
		Type:    string(domain.TxTypeBuy),
		Wallet:  req.From,
		Region:  req.Region,
		Credits: req.Amount,
		TokenID: result.TokenID,
		TxHash:  result.TxHash,
	})
	return result, nil
}

// ---------------------------------------------------------------------------
// Sell
// ---------------------------------------------------------------------------

type sellOrder struct {
	signer  *crypto.Signer
	tokenID *big.Int
	value   *big.Int
}

func (s *SettlementService) validateSell(req domain.SellRequest) (sellOrder, error) {
	var missing []string
	if strings.TrimSpace(req.From) == "" {
		missing = append(missing, "from")
	}
	if strings.TrimSpace(req.PrivateKey) == "" {
		missing = append(missing, "privateKey")
	}
	if strings.TrimSpace(req.TokenID) == "" {
		missing = append(missing, "tokenId")
	}
	if strings.TrimSpace(req.Region) == "" {
		missing = append(missing, "region")
	}
	if req.Credits == 0 {
		missing = append(missing, "credits")
	}
	if strings.TrimSpace(req.ExpectedEth) == "" {
		missing = append(missing, "expectedEth")
	}
	if len(missing) > 0 {
		return sellOrder{}, &domain.ValidationError{Fields: missing}
	}

	if !common.IsHexAddress(req.From) {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"from"}, Reason: "invalid address"}
	}
	tokenID, ok := new(big.Int).SetString(strings.TrimSpace(req.TokenID), 10)
	if !ok || tokenID.Sign() < 0 {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"tokenId"}, Reason: "tokenId must be a non-negative integer"}
	}
	if _, ok := domain.LookupRegion(req.Region); !ok {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"region"}, Reason: "unknown region"}
	}
	if req.Credits < 0 {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"credits"}, Reason: "credits must be a positive integer"}
	}
	value, err := ledger.ToWei(req.ExpectedEth)
	if err != nil || value.Sign() <= 0 {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"expectedEth"}, Reason: "expectedEth must be a positive ether amount"}
	}
	signer, err := crypto.SignerFor(req.PrivateKey, req.From)
	if err != nil {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"privateKey"}, Reason: err.Error()}
	}
	if signer.Address() == s.custodian.Address {
		return sellOrder{}, &domain.ValidationError{Fields: []string{"from"}, Reason: "seller is the custodian wallet"}
	}
	return sellOrder{signer: signer, tokenID: tokenID, value: value}, nil
}

// Sell transfers the seller's token to the custodian and then pays the
// seller from the custodian wallet. The saga is persisted before each
// dependent step. A failure after the transfer confirmed returns a
// *domain.PartialSettlementError and records no sale. Once the transfer is
// broadcast the saga runs to completion even if ctx is cancelled.
func (s *SettlementService) Sell(ctx context.Context, req domain.SellRequest) (domain.SellResult, error) {
	order, err := s.validateSell(req)
	if err != nil {
		return domain.SellResult{}, err
	}
	if s.custodian.Signer == nil {
		return domain.SellResult{}, fmt.Errorf("settlement: sell: %w: custodian wallet not configured", domain.ErrTransaction)
	}

	transferHash, err := s.chain.SubmitTransfer(ctx, order.signer, s.custodian.Address, order.tokenID)
	if err != nil {
		return domain.SellResult{}, fmt.Errorf("settlement: sell transfer: %w", err)
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	now := s.now().UTC()
	st := domain.SellSettlement{
		ID:             s.newID(),
		Seller:         order.signer.Address().Hex(),
		Custodian:      s.custodian.Address.Hex(),
		TokenID:        order.tokenID.String(),
		Region:         req.Region,
		Credits:        req.Credits,
		ExpectedEth:    req.ExpectedEth,
		ExpectedWei:    order.value.String(),
		TransferTxHash: transferHash.Hex(),
		Status:         domain.SettlementTransferSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.settlements.Create(ctx, st); err != nil {
		// The transfer is already broadcast; keep going so the seller is paid.
		s.logger.ErrorContext(ctx, "failed to persist settlement",
			slog.String("settlement_id", st.ID),
			slog.String("transfer_tx", st.TransferTxHash),
			slog.String("error", err.Error()),
		)
		s.alert(ctx, notify.Alert{
			Event:    notify.EventPersistenceFailure,
			Severity: notify.SeverityCritical,
			Title:    "Settlement record not persisted",
			Message:  err.Error(),
			Fields:   map[string]string{"settlement": st.ID, "transfer": st.TransferTxHash},
		})
	}
	s.publishSettlement(ctx, st)

	outcome, err := s.chain.WaitReceipt(ctx, transferHash)
	if err != nil || outcome.Status == domain.ReceiptPending {
		return s.transferUnconfirmed(ctx, st, err)
	}
	return s.afterTransfer(ctx, &st, outcome)
}

// detach keeps the saga running after the caller goes away, bounded by the
// saga timeout.
func (s *SettlementService) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.sagaTimeout)
}

// transferUnconfirmed reports a broadcast transfer whose receipt did not
// arrive in time. The token may still reach the custodian, so the saga is
// flagged for reconciliation.
func (s *SettlementService) transferUnconfirmed(ctx context.Context, st domain.SellSettlement, cause error) (domain.SellResult, error) {
	err := fmt.Errorf("settlement: sell %s transfer %s: %w", st.ID, st.TransferTxHash, domain.ErrReceiptPending)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}

	s.logger.ErrorContext(ctx, "sell transfer unconfirmed, settlement needs reconciliation",
		slog.String("settlement_id", st.ID),
		slog.String("seller", st.Seller),
		slog.String("token_id", st.TokenID),
		slog.String("transfer_tx", st.TransferTxHash),
		slog.String("error", err.Error()),
	)
	s.auditLog(ctx, "sell.transfer_unconfirmed", map[string]any{
		"settlement_id": st.ID,
		"seller":        st.Seller,
		"token_id":      st.TokenID,
		"transfer_tx":   st.TransferTxHash,
		"expected_eth":  st.ExpectedEth,
	})
	s.alertStranded(ctx, st)
	return resultOf(st), err
}

// alertStranded raises a partial-settlement warning for a saga that may
// leave the seller unpaid.
func (s *SettlementService) alertStranded(ctx context.Context, st domain.SellSettlement) {
	s.alert(ctx, notify.Alert{
		Event:    notify.EventPartialSettlement,
		Severity: notify.SeverityWarning,
		Title:    "Settlement awaiting reconciliation",
		Message:  fmt.Sprintf("Sell saga is stuck at %s; the seller may be unpaid.", st.Status),
		Fields: map[string]string{
			"settlement":   st.ID,
			"status":       string(st.Status),
			"seller":       st.Seller,
			"token":        st.TokenID,
			"transfer":     st.TransferTxHash,
			"payment":      st.PaymentTxHash,
			"expected_eth": st.ExpectedEth,
		},
	})
}

// afterTransfer advances a saga whose transfer receipt is known.
func (s *SettlementService) afterTransfer(ctx context.Context, st *domain.SellSettlement, outcome ledger.ReceiptOutcome) (domain.SellResult, error) {
	switch outcome.Status {
	case domain.ReceiptPending:
		return resultOf(*st), fmt.Errorf("settlement: sell %s transfer %s: %w", st.ID, st.TransferTxHash, domain.ErrReceiptPending)
	case domain.ReceiptFailed:
		st.Status = domain.SettlementTransferFailed
		st.LastError = "transfer reverted"
		if err := s.save(ctx, st); err != nil {
			return resultOf(*st), err
		}
		s.publishSettlement(ctx, *st)
		return resultOf(*st), fmt.Errorf("settlement: sell %s transfer %s: %w: reverted", st.ID, st.TransferTxHash, domain.ErrTransaction)
	}

	st.Status = domain.SettlementTransferConfirmed
	if err := s.save(ctx, st); err != nil {
		return resultOf(*st), err
	}
	s.archiveReceipt(ctx, "sell_transfer", st.TransferTxHash, outcome.Receipt)
	return s.pay(ctx, st)
}

// pay sends the custodian payment for a saga whose transfer has confirmed.
// The saga is claimed as payment_submitted before anything is broadcast, so a
// second worker holding an older version cannot pay again.
func (s *SettlementService) pay(ctx context.Context, st *domain.SellSettlement) (domain.SellResult, error) {
	value, ok := new(big.Int).SetString(st.ExpectedWei, 10)
	if !ok {
		return s.partial(ctx, st, fmt.Errorf("invalid expected wei %q", st.ExpectedWei))
	}
	if s.custodian.Signer == nil {
		return s.partial(ctx, st, errors.New("custodian wallet not configured"))
	}

	st.Status = domain.SettlementPaymentSubmitted
	st.PaymentTxHash = ""
	st.LastError = ""
	if err := s.save(ctx, st); err != nil {
		return resultOf(*st), err
	}

	hash, err := s.chain.SubmitPayment(ctx, s.custodian.Signer, common.HexToAddress(st.Seller), value)
	if err != nil {
		return s.partial(ctx, st, err)
	}
	st.PaymentTxHash = hash.Hex()
	_ = s.save(ctx, st)

	outcome, err := s.chain.WaitReceipt(ctx, hash)
	if err != nil {
		return s.partial(ctx, st, err)
	}
	return s.afterPayment(ctx, st, outcome)
}

// afterPayment records the sale once the payment receipt is known.
func (s *SettlementService) afterPayment(ctx context.Context, st *domain.SellSettlement, outcome ledger.ReceiptOutcome) (domain.SellResult, error) {
	switch outcome.Status {
	case domain.ReceiptPending:
		return s.partial(ctx, st, fmt.Errorf("payment %s: %w", st.PaymentTxHash, domain.ErrReceiptPending))
	case domain.ReceiptFailed:
		return s.partial(ctx, st, fmt.Errorf("payment %s: %w: reverted", st.PaymentTxHash, domain.ErrTransaction))
	}
	s.archiveReceipt(ctx, "sell_payment", st.PaymentTxHash, outcome.Receipt)

	row := domain.LedgerTransaction{
		Type:         domain.TxTypeSell,
		Seller:       st.Seller,
		Region:       st.Region,
		Credits:      st.Credits,
		EthAmount:    st.ExpectedEth,
		TokenID:      st.TokenID,
		TxHash:       st.PaymentTxHash,
		SettlementID: st.ID,
	}
	saved, err := s.txs.Insert(ctx, row)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// A previous attempt already recorded this payment.
		saved, err = s.txs.GetByTxHash(ctx, st.PaymentTxHash)
	}
	if err != nil {
		// Payment is final; leave the saga at payment_submitted so the
		// reconciler re-records it.
		st.LastError = err.Error()
		_ = s.save(ctx, st)
		return resultOf(*st), s.recordFailed(ctx, "sell", st.PaymentTxHash, err)
	}

	st.Status = domain.SettlementCompleted
	st.LastError = ""
	_ = s.save(ctx, st)
	s.publishSettlement(ctx, *st)

	s.logger.InfoContext(ctx, "sell recorded",
		slog.String("settlement_id", st.ID),
		slog.String("seller", st.Seller),
		slog.String("token_id", st.TokenID),
		slog.String("transfer_tx", st.TransferTxHash),
		slog.String("payment_tx", st.PaymentTxHash),
	)

	res := resultOf(*st)
	res.Ledger = saved
	return res, nil
}

// partial marks the saga payment_failed, alerts and returns a
// PartialSettlementError.
func (s *SettlementService) partial(ctx context.Context, st *domain.SellSettlement, cause error) (domain.SellResult, error) {
	st.Status = domain.SettlementPaymentFailed
	st.LastError = cause.Error()
	_ = s.save(ctx, st)
	s.publishSettlement(ctx, *st)

	s.logger.ErrorContext(ctx, "partial settlement: token transferred, seller unpaid",
		slog.String("settlement_id", st.ID),
		slog.String("seller", st.Seller),
		slog.String("token_id", st.TokenID),
		slog.String("transfer_tx", st.TransferTxHash),
		slog.String("payment_tx", st.PaymentTxHash),
		slog.String("error", cause.Error()),
	)
	s.auditLog(ctx, "sell.partial_settlement", map[string]any{
		"settlement_id": st.ID,
		"seller":        st.Seller,
		"token_id":      st.TokenID,
		"transfer_tx":   st.TransferTxHash,
		"payment_tx":    st.PaymentTxHash,
		"expected_eth":  st.ExpectedEth,
		"error":         cause.Error(),
	})
	s.alert(ctx, notify.Alert{
		Event:    notify.EventPartialSettlement,
		Severity: notify.SeverityCritical,
		Title:    "Partial settlement",
		Message:  "Token transferred to the custodian but the seller was not paid.",
		Fields: map[string]string{
			"settlement":   st.ID,
			"seller":       st.Seller,
			"token":        st.TokenID,
			"transfer":     st.TransferTxHash,
			"expected_eth": st.ExpectedEth,
			"error":        cause.Error(),
		},
	})

	return resultOf(*st), &domain.PartialSettlementError{
		SettlementID:   st.ID,
		TransferTxHash: st.TransferTxHash,
		PaymentTxHash:  st.PaymentTxHash,
		Cause:          cause,
	}
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

// StrandedStatuses are the saga states the reconciler looks at.
var StrandedStatuses = []domain.SettlementStatus{
	domain.SettlementTransferSubmitted,
	domain.SettlementTransferConfirmed,
	domain.SettlementPaymentSubmitted,
	domain.SettlementPaymentFailed,
}

// ListStranded returns sagas stuck between transfer and payment that were
// last updated before olderThan.
func (s *SettlementService) ListStranded(ctx context.Context, olderThan time.Time) ([]domain.SellSettlement, error) {
	out, err := s.settlements.ListByStatus(ctx, StrandedStatuses, olderThan)
	if err != nil {
		return nil, fmt.Errorf("settlement: list stranded: %w", err)
	}
	return out, nil
}

// RetrySettlement resumes an unfinished saga. Only one worker may hold a
// saga at a time, sagas touched within the stale window are left to their
// owner, and an existing payment hash is checked before anything is re-sent,
// so a seller is never paid twice.
func (s *SettlementService) RetrySettlement(ctx context.Context, id string) (domain.SellResult, error) {
	unlock, err := s.locks.acquire(ctx, id)
	if err != nil {
		return domain.SellResult{}, fmt.Errorf("settlement: retry: %w", err)
	}
	defer unlock()

	st, err := s.settlements.GetByID(ctx, id)
	if err != nil {
		return domain.SellResult{}, fmt.Errorf("settlement: retry %s: %w", id, err)
	}
	if slices.Contains(StrandedStatuses, st.Status) && s.staleAfter > 0 {
		if age := s.now().Sub(st.UpdatedAt); age < s.staleAfter {
			return resultOf(st), fmt.Errorf("settlement: retry %s: %w: updated %s ago, still in flight",
				id, domain.ErrConflict, age.Round(time.Second))
		}
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	s.logger.InfoContext(ctx, "retrying settlement",
		slog.String("settlement_id", st.ID),
		slog.String("status", string(st.Status)),
	)

	var res domain.SellResult
	switch st.Status {
	case domain.SettlementCompleted:
		return resultOf(st), fmt.Errorf("settlement: retry %s: %w: already completed", id, domain.ErrAlreadyExists)
	case domain.SettlementTransferFailed:
		return resultOf(st), &domain.ValidationError{Reason: "settlement transfer failed, nothing to recover"}

	case domain.SettlementTransferSubmitted:
		outcome, rerr := s.chain.Receipt(ctx, common.HexToHash(st.TransferTxHash))
		if rerr != nil {
			return resultOf(st), fmt.Errorf("settlement: retry %s: %w", id, rerr)
		}
		res, err = s.afterTransfer(ctx, &st, outcome)

	case domain.SettlementTransferConfirmed:
		res, err = s.pay(ctx, &st)

	case domain.SettlementPaymentSubmitted, domain.SettlementPaymentFailed:
		if st.PaymentTxHash == "" {
			res, err = s.pay(ctx, &st)
			break
		}
		outcome, rerr := s.chain.Receipt(ctx, common.HexToHash(st.PaymentTxHash))
		if rerr != nil {
			return resultOf(st), fmt.Errorf("settlement: retry %s: %w", id, rerr)
		}
		switch outcome.Status {
		case domain.ReceiptPending:
			return resultOf(st), fmt.Errorf("settlement: retry %s payment %s: %w", id, st.PaymentTxHash, domain.ErrReceiptPending)
		case domain.ReceiptFailed:
			res, err = s.pay(ctx, &st)
		default:
			res, err = s.afterPayment(ctx, &st, outcome)
		}

	default:
		return resultOf(st), fmt.Errorf("settlement: retry %s: unknown status %q", id, st.Status)
	}
	if err != nil {
		return res, err
	}

	s.auditLog(ctx, "sell.recovered", map[string]any{
		"settlement_id": st.ID,
		"payment_tx":    st.PaymentTxHash,
	})
	s.alert(ctx, notify.Alert{
		Event:    notify.EventSettlementRecovered,
		Severity: notify.SeverityInfo,
		Title:    "Settlement recovered",
		Fields:   map[string]string{"settlement": st.ID, "payment": st.PaymentTxHash},
	})
	return res, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ListTransactions returns the ledger rows where wallet bought or sold.
func (s *SettlementService) ListTransactions(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.LedgerTransaction, error) {
	if !common.IsHexAddress(wallet) {
		return nil, &domain.ValidationError{Fields: []string{"wallet"}, Reason: "invalid address"}
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	out, err := s.txs.ListByWallet(ctx, wallet, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: list transactions: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Side effects
// ---------------------------------------------------------------------------

func resultOf(st domain.SellSettlement) domain.SellResult {
	return domain.SellResult{
		SettlementID:   st.ID,
		TransferTxHash: st.TransferTxHash,
		PaymentTxHash:  st.PaymentTxHash,
	}
}

// save persists a saga transition against the version st was read at. It
// returns an error only when another worker advanced the saga first; other
// failures are logged because the chain state has already moved on.
func (s *SettlementService) save(ctx context.Context, st *domain.SellSettlement) error {
	st.UpdatedAt = s.now().UTC()
	err := s.settlements.Update(ctx, *st)
	if err == nil {
		st.Version++
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		s.logger.WarnContext(ctx, "settlement advanced by another worker",
			slog.String("settlement_id", st.ID),
			slog.String("status", string(st.Status)),
			slog.Int64("version", st.Version),
		)
		return fmt.Errorf("settlement: save %s: %w", st.ID, err)
	}
	s.logger.ErrorContext(ctx, "failed to update settlement",
		slog.String("settlement_id", st.ID),
		slog.String("status", string(st.Status)),
		slog.String("error", err.Error()),
	)
	return nil
}

func (s *SettlementService) recordFailed(ctx context.Context, kind, txHash string, err error) error {
	if errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("settlement: record %s %s: %w", kind, txHash, err)
	}
	s.logger.ErrorContext(ctx, "confirmed on chain but not recorded",
		slog.String("kind", kind),
		slog.String("tx", txHash),
		slog.String("error", err.Error()),
	)
	s.alert(ctx, notify.Alert{
		Event:    notify.EventPersistenceFailure,
		Severity: notify.SeverityCritical,
		Title:    "Ledger write failed",
		Message:  err.Error(),
		Fields:   map[string]string{"kind": kind, "tx": txHash},
	})
	if errors.Is(err, domain.ErrPersistence) {
		return fmt.Errorf("settlement: record %s %s: %w", kind, txHash, err)
	}
	return fmt.Errorf("settlement: record %s %s: %w: %w", kind, txHash, domain.ErrPersistence, err)
}

func (s *SettlementService) publishSettlement(ctx context.Context, st domain.SellSettlement) {
	s.events.publish(ctx, SettlementEvent{
		Event:        "sell." + string(st.Status),
		Type:         string(domain.TxTypeSell),
		Wallet:       st.Seller,
		Region:       st.Region,
		Credits:      st.Credits,
		TokenID:      st.TokenID,
		TxHash:       firstNonEmpty(st.PaymentTxHash, st.TransferTxHash),
		SettlementID: st.ID,
		Status:       string(st.Status),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *SettlementService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "failed to write audit entry",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) alert(ctx context.Context, a notify.Alert) {
	if err := s.notifier.Notify(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}

// archiveReceipt uploads a confirmed receipt. A failure only costs the cold
// copy.
func (s *SettlementService) archiveReceipt(ctx context.Context, kind, txHash string, receipt *types.Receipt) {
	if s.archiver == nil || receipt == nil {
		return
	}
	if err := s.archiver.ArchiveReceipt(ctx, kind, txHash, receipt); err != nil {
		s.logger.WarnContext(ctx, "failed to archive receipt",
			slog.String("kind", kind),
			slog.String("tx", txHash),
			slog.String("error", err.Error()),
		)
	}
}
