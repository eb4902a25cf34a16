package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
)

// CompanyService registers companies on chain and mirrors them locally.
type CompanyService struct {
	chain     Chain
	companies domain.CompanyStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewCompanyService creates a CompanyService. audit may be nil.
func NewCompanyService(chain Chain, companies domain.CompanyStore, audit domain.AuditStore, logger *slog.Logger) *CompanyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompanyService{
		chain:     chain,
		companies: companies,
		audit:     audit,
		logger:    logger.With(slog.String("component", "company_service")),
	}
}

// Register sends registerCompany for req.FromAddress and records the company
// once the transaction is mined. A wallet that already has a record is
// rejected with domain.ErrAlreadyExists before anything is sent. Without a
// private key the transaction goes through the node's unlocked account.
func (s *CompanyService) Register(ctx context.Context, req domain.RegisterRequest) (domain.CompanyRecord, error) {
	var missing []string
	if strings.TrimSpace(req.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(req.FromAddress) == "" {
		missing = append(missing, "fromAddress")
	}
	if len(missing) > 0 {
		return domain.CompanyRecord{}, &domain.ValidationError{Fields: missing}
	}
	if !common.IsHexAddress(req.FromAddress) {
		return domain.CompanyRecord{}, &domain.ValidationError{Fields: []string{"fromAddress"}, Reason: "invalid address"}
	}
	if !req.CompanyType.Valid() {
		return domain.CompanyRecord{}, &domain.ValidationError{Fields: []string{"companyType"}, Reason: "unknown company type"}
	}

	var signer *crypto.Signer
	if strings.TrimSpace(req.PrivateKey) != "" {
		var err error
		signer, err = crypto.SignerFor(req.PrivateKey, req.FromAddress)
		if err != nil {
			return domain.CompanyRecord{}, &domain.ValidationError{Fields: []string{"privateKey"}, Reason: err.Error()}
		}
	}

	from := common.HexToAddress(req.FromAddress)
	if _, err := s.companies.GetByWallet(ctx, from.Hex()); err == nil {
		return domain.CompanyRecord{}, fmt.Errorf("company_service: register %s: %w", from.Hex(), domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.CompanyRecord{}, fmt.Errorf("company_service: lookup %s: %w", from.Hex(), err)
	}

	hash, err := s.chain.RegisterCompany(ctx, from, signer, req.Name, req.CompanyType)
	if err != nil {
		return domain.CompanyRecord{}, fmt.Errorf("company_service: register: %w", err)
	}
	rec := domain.CompanyRecord{
		Name:   req.Name,
		Wallet: from.Hex(),
		Type:   req.CompanyType,
		TxHash: hash.Hex(),
	}

	outcome, err := s.chain.WaitReceipt(ctx, hash)
	if err != nil {
		return rec, fmt.Errorf("company_service: register %s: %w: %w", rec.TxHash, domain.ErrReceiptPending, err)
	}
	switch outcome.Status {
	case domain.ReceiptPending:
		return rec, fmt.Errorf("company_service: register %s: %w", rec.TxHash, domain.ErrReceiptPending)
	case domain.ReceiptFailed:
		return rec, fmt.Errorf("company_service: register %s: %w: reverted", rec.TxHash, domain.ErrTransaction)
	}

	// The threshold is assigned by the contract.
	if info, err := s.chain.ReadCompany(ctx, from); err == nil {
		rec.Threshold = info.Threshold
	} else {
		s.logger.WarnContext(ctx, "read back registered company failed",
			slog.String("wallet", rec.Wallet),
			slog.String("error", err.Error()),
		)
	}

	saved, err := s.companies.Create(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return rec, fmt.Errorf("company_service: record %s: %w", rec.Wallet, err)
		}
		s.logger.ErrorContext(ctx, "company registered on chain but not recorded",
			slog.String("wallet", rec.Wallet),
			slog.String("tx", rec.TxHash),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrPersistence) {
			return rec, fmt.Errorf("company_service: record %s: %w", rec.Wallet, err)
		}
		return rec, fmt.Errorf("company_service: record %s: %w: %w", rec.Wallet, domain.ErrPersistence, err)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "company.registered", map[string]any{
			"wallet":  saved.Wallet,
			"name":    saved.Name,
			"type":    saved.Type.String(),
			"tx_hash": saved.TxHash,
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to write audit entry", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "company registered",
		slog.String("wallet", saved.Wallet),
		slog.String("type", saved.Type.String()),
		slog.String("tx", saved.TxHash),
	)
	return saved, nil
}

// GetCompany reads a company from the contract. An unregistered wallet
// yields domain.ErrNotFound.
func (s *CompanyService) GetCompany(ctx context.Context, address string) (domain.CompanyInfo, error) {
	if !common.IsHexAddress(address) {
		return domain.CompanyInfo{}, &domain.ValidationError{Fields: []string{"address"}, Reason: "invalid address"}
	}
	info, err := s.chain.ReadCompany(ctx, common.HexToAddress(address))
	if err != nil {
		return domain.CompanyInfo{}, fmt.Errorf("company_service: get %s: %w", address, err)
	}
	return info, nil
}
