package domain

import "time"

// SettlementStatus tracks a sell saga between its two transactions.
type SettlementStatus string

const (
	SettlementTransferSubmitted SettlementStatus = "transfer_submitted"
	SettlementTransferFailed    SettlementStatus = "transfer_failed"
	SettlementTransferConfirmed SettlementStatus = "transfer_confirmed"
	SettlementPaymentSubmitted  SettlementStatus = "payment_submitted"
	SettlementPaymentFailed     SettlementStatus = "payment_failed"
	SettlementCompleted         SettlementStatus = "completed"
)

// Stranded reports whether the token has (or may have) left the seller
// without a confirmed payment.
func (s SettlementStatus) Stranded() bool {
	switch s {
	case SettlementTransferConfirmed, SettlementPaymentSubmitted, SettlementPaymentFailed:
		return true
	}
	return false
}

// SellSettlement is the persisted intermediate state of a sell.
type SellSettlement struct {
	ID             string           `json:"id"`
	Seller         string           `json:"seller"`
	Custodian      string           `json:"custodian"`
	TokenID        string           `json:"tokenId"`
	Region         string           `json:"region"`
	Credits        int64            `json:"credits"`
	ExpectedEth    string           `json:"expectedEth"`
	ExpectedWei    string           `json:"expectedWei"`
	TransferTxHash string           `json:"transferTxHash,omitempty"`
	PaymentTxHash  string           `json:"paymentTxHash,omitempty"`
	Status         SettlementStatus `json:"status"`
	LastError      string           `json:"lastError,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ReceiptStatus is the outcome of waiting for a transaction receipt.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)
