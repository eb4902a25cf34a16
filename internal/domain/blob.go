package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies settlement artifacts to cold storage.
type Archiver interface {
	ArchiveReceipt(ctx context.Context, kind string, txHash string, receipt any) error
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
}
