package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

type putCall struct {
	path        string
	body        []byte
	contentType string
	multipart   bool
}

type fakeWriter struct {
	calls []putCall
	err   error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	b, _ := io.ReadAll(data)
	f.calls = append(f.calls, putCall{path: path, body: b, contentType: contentType})
	return nil
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	if f.err != nil {
		return f.err
	}
	b, _ := io.ReadAll(data)
	f.calls = append(f.calls, putCall{path: path, body: b, multipart: true})
	return nil
}

type fakeReader struct{ existing map[string]bool }

func (f *fakeReader) Exists(_ context.Context, path string) (bool, error) {
	return f.existing[path], nil
}

type fakeTxs struct{ rows []domain.LedgerTransaction }

func (f *fakeTxs) ListBefore(context.Context, time.Time) ([]domain.LedgerTransaction, error) {
	return f.rows, nil
}

type fakeAudit struct{ events []string }

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveTransactions_WritesJSONL(t *testing.T) {
	w := &fakeWriter{}
	audit := &fakeAudit{}
	txs := &fakeTxs{rows: []domain.LedgerTransaction{
		{Type: domain.TxTypeBuy, Buyer: "0xa", Region: "UK", Credits: 2, TxHash: "0x1"},
		{Type: domain.TxTypeSell, Seller: "0xb", Region: "China", Credits: 1, TxHash: "0x2"},
	}}
	a := NewArchiver(w, nil, txs, audit)

	cutoff := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveTransactions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, w.calls, 1)
	assert.Equal(t, "archive/transactions/2025-03.jsonl", w.calls[0].path)
	assert.Equal(t, ndjson, w.calls[0].contentType)
	assert.False(t, w.calls[0].multipart)

	sc := bufio.NewScanner(bytes.NewReader(w.calls[0].body))
	var lines int
	for sc.Scan() {
		var row domain.LedgerTransaction
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.Equal(t, []string{"archive.transactions"}, audit.events)
}

func TestArchiveTransactions_LargePayloadUsesMultipart(t *testing.T) {
	w := &fakeWriter{}
	big := strings.Repeat("x", 1024)
	rows := make([]domain.LedgerTransaction, 6000)
	for i := range rows {
		rows[i] = domain.LedgerTransaction{Type: domain.TxTypeBuy, Region: big}
	}
	a := NewArchiver(w, nil, &fakeTxs{rows: rows}, &fakeAudit{})

	_, err := a.ArchiveTransactions(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, w.calls, 1)
	assert.True(t, w.calls[0].multipart)
}

func TestArchiveTransactions_NothingToDo(t *testing.T) {
	w := &fakeWriter{}
	audit := &fakeAudit{}
	n, err := NewArchiver(w, nil, &fakeTxs{}, audit).ArchiveTransactions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.calls)
	assert.Empty(t, audit.events)
}

func TestArchiveReceipt(t *testing.T) {
	w := &fakeWriter{}
	r := &fakeReader{existing: map[string]bool{}}
	a := NewArchiver(w, r, &fakeTxs{}, &fakeAudit{})
	a.now = func() time.Time { return time.Date(2025, 1, 9, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, a.ArchiveReceipt(context.Background(), "buy", "0xABC", map[string]string{"status": "0x1"}))
	require.Len(t, w.calls, 1)
	assert.Equal(t, "receipts/buy/2025/01/0xabc.json", w.calls[0].path)
	assert.Equal(t, "application/json", w.calls[0].contentType)

	// already archived: no second upload
	r.existing["receipts/buy/2025/01/0xabc.json"] = true
	require.NoError(t, a.ArchiveReceipt(context.Background(), "buy", "0xabc", map[string]string{}))
	assert.Len(t, w.calls, 1)
}

func TestArchiveReceipt_UploadError(t *testing.T) {
	w := &fakeWriter{err: errors.New("503")}
	a := NewArchiver(w, nil, &fakeTxs{}, &fakeAudit{})
	assert.Error(t, a.ArchiveReceipt(context.Background(), "sell_payment", "0x1", struct{}{}))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}
