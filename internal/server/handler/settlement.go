package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// SettlementService defines the methods the settlement handler requires.
type SettlementService interface {
	Buy(ctx context.Context, req domain.BuyRequest) (domain.BuyResult, error)
	Sell(ctx context.Context, req domain.SellRequest) (domain.SellResult, error)
	ListTransactions(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.LedgerTransaction, error)
	ListStranded(ctx context.Context, olderThan time.Time) ([]domain.SellSettlement, error)
	RetrySettlement(ctx context.Context, id string) (domain.SellResult, error)
}

// SettlementHandler serves the buy, sell and ledger endpoints.
type SettlementHandler struct {
	settlements SettlementService
	logger      *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlements SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settlements: settlements, logger: logger}
}

type buyBody struct {
	From       string      `json:"from"`
	PrivateKey string      `json:"privateKey"`
	Region     string      `json:"region"`
	EthAmount  json.Number `json:"ethAmount"`
	Amount     json.Number `json:"amount"`
}

type buyLedger struct {
	Buyer           string `json:"buyer"`
	Region          string `json:"region"`
	Credits         int64  `json:"credits"`
	EthSpent        string `json:"ethSpent"`
	Contract        string `json:"contract"`
	TransactionHash string `json:"transactionHash"`
	TokenID         string `json:"tokenId"`
}

type buyResponse struct {
	Message string    `json:"message"`
	TxHash  string    `json:"txHash"`
	Ledger  buyLedger `json:"ledger"`
}

// Buy buys carbon credits for the caller's wallet.
// POST /api/buy
func (h *SettlementHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var body buyBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	amount, err := parseInt("amount", body.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "buy", err)
		return
	}

	req := domain.BuyRequest{
		From:       body.From,
		PrivateKey: body.PrivateKey,
		Region:     body.Region,
		EthAmount:  body.EthAmount.String(),
		Amount:     amount,
	}
	res, err := h.settlements.Buy(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrReceiptPending):
			writePending(w, res.TxHash, nil)
		case errors.Is(err, domain.ErrPersistence):
			h.logger.ErrorContext(r.Context(), "handler: buy not recorded",
				slog.String("tx", res.TxHash),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":  err.Error(),
				"txHash": res.TxHash,
			})
		default:
			writeServiceError(w, r, h.logger, "buy", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, buyResponse{
		Message: fmt.Sprintf("Bought %d carbon credits from region %s", req.Amount, req.Region),
		TxHash:  res.TxHash,
		Ledger: buyLedger{
			Buyer:           req.From,
			Region:          req.Region,
			Credits:         req.Amount,
			EthSpent:        req.EthAmount,
			Contract:        res.ContractAddress,
			TransactionHash: res.TxHash,
			TokenID:         res.TokenID,
		},
	})
}

type sellBody struct {
	From        string      `json:"from"`
	PrivateKey  string      `json:"privateKey"`
	TokenID     json.Number `json:"tokenId"`
	Region      string      `json:"region"`
	Credits     json.Number `json:"credits"`
	ExpectedEth json.Number `json:"expectedEth"`
}

type sellLedger struct {
	TxHash    string `json:"txHash"`
	TokenID   string `json:"tokenId"`
	Region    string `json:"region"`
	Credits   int64  `json:"credits"`
	Seller    string `json:"seller"`
	EthAmount string `json:"ethAmount"`
}

type sellResponse struct {
	Message        string     `json:"message"`
	SettlementID   string     `json:"settlementId"`
	TransferTxHash string     `json:"transferTxHash"`
	Ledger         sellLedger `json:"ledger"`
}

// Sell sells a credit token back to the custodian wallet.
// POST /api/sell
func (h *SettlementHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var body sellBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	credits, err := parseInt("credits", body.Credits)
	if err != nil {
		writeServiceError(w, r, h.logger, "sell", err)
		return
	}

	req := domain.SellRequest{
		From:        body.From,
		PrivateKey:  body.PrivateKey,
		TokenID:     body.TokenID.String(),
		Region:      body.Region,
		Credits:     credits,
		ExpectedEth: body.ExpectedEth.String(),
	}
	res, err := h.settlements.Sell(r.Context(), req)
	if err != nil {
		var partial *domain.PartialSettlementError
		if !errors.As(err, &partial) && errors.Is(err, domain.ErrReceiptPending) {
			writePending(w, res.TransferTxHash, map[string]any{"settlementId": res.SettlementID})
			return
		}
		writeServiceError(w, r, h.logger, "sell", err)
		return
	}

	writeJSON(w, http.StatusOK, sellResponse{
		Message:        fmt.Sprintf("Sold token %s for %s ETH", req.TokenID, req.ExpectedEth),
		SettlementID:   res.SettlementID,
		TransferTxHash: res.TransferTxHash,
		Ledger: sellLedger{
			TxHash:    res.PaymentTxHash,
			TokenID:   req.TokenID,
			Region:    req.Region,
			Credits:   req.Credits,
			Seller:    firstNonEmpty(res.Ledger.Seller, req.From),
			EthAmount: req.ExpectedEth,
		},
	})
}

// ListTransactions returns the ledger rows for a wallet.
// GET /api/transactions?wallet=0x...&limit=50&offset=0
func (h *SettlementHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	txs, err := h.settlements.ListTransactions(r.Context(), wallet, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []domain.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// ListStranded returns sell settlements stuck between transfer and payment.
// GET /api/settlements/stranded?olderThan=5m
func (h *SettlementHandler) ListStranded(w http.ResponseWriter, r *http.Request) {
	age := time.Duration(0)
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid olderThan duration")
			return
		}
		age = d
	}

	out, err := h.settlements.ListStranded(r.Context(), time.Now().Add(-age))
	if err != nil {
		writeServiceError(w, r, h.logger, "list stranded", err)
		return
	}
	if out == nil {
		out = []domain.SellSettlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": out})
}

// RetrySettlement resumes a stranded sell settlement.
// POST /api/settlements/{id}/retry
func (h *SettlementHandler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing settlement id")
		return
	}

	res, err := h.settlements.RetrySettlement(r.Context(), id)
	if err != nil {
		var partial *domain.PartialSettlementError
		if !errors.As(err, &partial) && errors.Is(err, domain.ErrReceiptPending) {
			writePending(w, firstNonEmpty(res.PaymentTxHash, res.TransferTxHash), map[string]any{"settlementId": id})
			return
		}
		writeServiceError(w, r, h.logger, "retry settlement", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "settlement completed",
		"settlementId":   res.SettlementID,
		"transferTxHash": res.TransferTxHash,
		"paymentTxHash":  res.PaymentTxHash,
		"ledger":         res.Ledger,
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
