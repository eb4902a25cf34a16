package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/greenledger/internal/crypto"
	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/ledger"
)

// Chain is the part of the ledger gateway the services drive.
// *ledger.Gateway implements it.
type Chain interface {
	ContractAddress() common.Address
	ReadCompany(ctx context.Context, wallet common.Address) (domain.CompanyInfo, error)
	RegisterCompany(ctx context.Context, from common.Address, signer *crypto.Signer, name string, ctype domain.CompanyType) (common.Hash, error)
	SubmitBuy(ctx context.Context, signer *crypto.Signer, region string, amount int64, tokenURI string, value *big.Int) (common.Hash, error)
	SubmitTransfer(ctx context.Context, signer *crypto.Signer, to common.Address, tokenID *big.Int) (common.Hash, error)
	SubmitPayment(ctx context.Context, signer *crypto.Signer, to common.Address, value *big.Int) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) (ledger.ReceiptOutcome, error)
	Receipt(ctx context.Context, txHash common.Hash) (ledger.ReceiptOutcome, error)
}

var _ Chain = (*ledger.Gateway)(nil)

// Custodian is the service-held wallet that takes custody of sold tokens and
// pays sellers. It is built once at startup and injected.
type Custodian struct {
	Address common.Address
	Signer  *crypto.Signer
}
