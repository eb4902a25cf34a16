package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/config"
)

type fakeArchiver struct {
	before time.Time
	rows   int64
	err    error
}

func (f *fakeArchiver) ArchiveReceipt(context.Context, string, string, any) error { return nil }

func (f *fakeArchiver) ArchiveTransactions(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.rows, f.err
}

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = "archive"
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArchiveMode_UsesRetentionWindow(t *testing.T) {
	a := testApp(t)
	a.cfg.Archive.RetentionDays = 30
	arch := &fakeArchiver{rows: 12}

	require.NoError(t, a.ArchiveMode(context.Background(), &Dependencies{Archiver: arch}))
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), arch.before, time.Minute)
}

func TestArchiveMode_Errors(t *testing.T) {
	a := testApp(t)

	err := a.ArchiveMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "requires s3")

	err = a.ArchiveMode(context.Background(), &Dependencies{Archiver: &fakeArchiver{err: errors.New("bucket gone")}})
	assert.ErrorContains(t, err, "bucket gone")
}

func TestNeedsChain(t *testing.T) {
	assert.False(t, needsChain("archive"))
	for _, m := range []string{"server", "reconcile", "full"} {
		assert.True(t, needsChain(m), m)
	}
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(nil))
	assert.NoError(t, ignoreCanceled(fmt.Errorf("hub: %w", context.Canceled)))
	assert.Error(t, ignoreCanceled(errors.New("listen: address in use")))
}
