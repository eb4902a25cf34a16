package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptOutcome is the typed result of WaitReceipt. Receipt is nil while the
// transaction is pending.
type ReceiptOutcome struct {
	TxHash  common.Hash
	Status  domain.ReceiptStatus
	Receipt *types.Receipt
}

// WaitReceipt polls for the receipt of txHash until it is mined, the
// configured receipt timeout elapses, or ctx is cancelled. A timeout is not an
// error: it reports ReceiptPending so the caller can answer "still pending".
// Cancellation of ctx is returned as an error.
func (g *Gateway) WaitReceipt(ctx context.Context, txHash common.Hash) (ReceiptOutcome, error) {
	out := ReceiptOutcome{TxHash: txHash, Status: domain.ReceiptPending}

	var deadline <-chan time.Time
	if g.opts.ReceiptTimeout > 0 {
		timer := time.NewTimer(g.opts.ReceiptTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(g.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			out.Receipt = receipt
			if receipt.Status == types.ReceiptStatusSuccessful {
				out.Status = domain.ReceiptConfirmed
			} else {
				out.Status = domain.ReceiptFailed
			}
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return out, fmt.Errorf("ledger: wait receipt %s: %w", txHash.Hex(), ctx.Err())
			}
			// Transient node errors are retried until the deadline.
			g.logger.WarnContext(ctx, "receipt poll failed",
				slog.String("tx", txHash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return out, fmt.Errorf("ledger: wait receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-deadline:
			g.logger.WarnContext(ctx, "receipt wait timed out",
				slog.String("tx", txHash.Hex()),
				slog.Duration("timeout", g.opts.ReceiptTimeout),
			)
			return out, nil
		case <-ticker.C:
		}
	}
}

// Receipt fetches a receipt once without waiting. A not-yet-mined
// transaction reports ReceiptPending.
func (g *Gateway) Receipt(ctx context.Context, txHash common.Hash) (ReceiptOutcome, error) {
	out := ReceiptOutcome{TxHash: txHash, Status: domain.ReceiptPending}
	receipt, err := g.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("ledger: receipt %s: %w", txHash.Hex(), err)
	}
	out.Receipt = receipt
	if receipt.Status == types.ReceiptStatusSuccessful {
		out.Status = domain.ReceiptConfirmed
	} else {
		out.Status = domain.ReceiptFailed
	}
	return out, nil
}
