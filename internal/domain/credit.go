package domain

import "time"

// TxType distinguishes the two kinds of ledger rows.
type TxType string

const (
	TxTypeBuy  TxType = "BUY"
	TxTypeSell TxType = "SELL"
)

// UnknownTokenID is recorded when a mined buy emitted no Transfer event.
const UnknownTokenID = "unknown"

// LedgerTransaction is one append-only row of the transaction ledger. A BUY
// row is a CreditPurchase (Buyer set), a SELL row is a CreditSale (Seller set).
type LedgerTransaction struct {
	ID            int64     `json:"id"`
	Type          TxType    `json:"type"`
	Buyer         string    `json:"buyer,omitempty"`
	Seller        string    `json:"seller,omitempty"`
	Region        string    `json:"region"`
	Credits       int64     `json:"credits"`
	QuotedCredits float64   `json:"quotedCredits,omitempty"`
	EthAmount     string    `json:"ethAmount"`
	TokenID       string    `json:"tokenId"`
	TxHash        string    `json:"txHash"`
	SettlementID  string    `json:"settlementId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Wallet returns the counterparty address the row belongs to.
func (t LedgerTransaction) Wallet() string {
	if t.Type == TxTypeSell {
		return t.Seller
	}
	return t.Buyer
}

// BuyRequest is a caller's intent to buy credits.
type BuyRequest struct {
	From       string
	PrivateKey string
	Region     string
	EthAmount  string
	Amount     int64
}

// BuyResult is the outcome of a recorded buy.
type BuyResult struct {
	TxHash          string
	TokenID         string
	ContractAddress string
	Ledger          LedgerTransaction
}

// SellRequest is a caller's intent to sell a credit token back to the
// custodian.
type SellRequest struct {
	From        string
	PrivateKey  string
	TokenID     string
	Region      string
	Credits     int64
	ExpectedEth string
}

// SellResult is the outcome of a completed sell.
type SellResult struct {
	SettlementID   string
	TransferTxHash string
	PaymentTxHash  string
	Ledger         LedgerTransaction
}
