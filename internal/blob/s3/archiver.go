package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

const ndjson = "application/x-ndjson"

// multipartThreshold is the payload size above which ledger archives are
// uploaded in parts.
const multipartThreshold = 5 * 1024 * 1024

// TransactionArchiveStore is the read side of the ledger the archiver needs.
type TransactionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerTransaction, error)
}

// ArchiveImpl implements domain.Archiver. Ledger rows are copied, never
// deleted; pruning the primary store is a separate decision.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	txs    TransactionArchiveStore
	audit  domain.AuditStore
	now    func() time.Time
}

// NewArchiver creates an ArchiveImpl. reader may be nil, in which case
// receipts are always uploaded.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, txs TransactionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		txs:    txs,
		audit:  audit,
		now:    time.Now,
	}
}

// ArchiveReceipt uploads a mined receipt as JSON to
// receipts/<kind>/<yyyy>/<mm>/<hash>.json. Receipts are immutable, so an
// object already present is left alone.
func (a *ArchiveImpl) ArchiveReceipt(ctx context.Context, kind, txHash string, receipt any) error {
	path := receiptPath(kind, txHash, a.now())

	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("s3blob: archive receipt: %w", err)
		}
		if exists {
			return nil
		}
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("s3blob: archive receipt marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive receipt upload: %w", err)
	}
	return nil
}

// ArchiveTransactions uploads every ledger row created before the cutoff as
// JSONL to archive/transactions/<yyyy-mm>.jsonl and records the run in the
// audit log. It returns the number of rows archived.
func (a *ArchiveImpl) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.txs.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
	}

	path := archivePath("transactions", before)
	multipart := len(buf) > multipartThreshold
	if multipart {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), ndjson)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions upload: %w", err)
	}

	count := int64(len(rows))
	if err := a.audit.Log(ctx, "archive.transactions", map[string]any{
		"path":      path,
		"count":     count,
		"bytes":     len(buf),
		"multipart": multipart,
		"before":    before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive transactions audit log: %w", err)
	}
	return count, nil
}

// archivePath builds the key for a ledger archive, partitioned by the
// year-month of the cutoff:
//
//	archive/transactions/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// receiptPath builds the key for a single receipt:
//
//	receipts/sell_payment/2025/01/0xabc.json
func receiptPath(kind, txHash string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("receipts/%s/%04d/%02d/%s.json", kind, at.Year(), int(at.Month()), strings.ToLower(txHash))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
