package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// sagaLocks keeps at most one worker on a settlement. The local set covers
// this process; a LockManager, when present, covers the others. Acquisition
// never waits: a held saga is reported as domain.ErrConflict.
type sagaLocks struct {
	mu     sync.Mutex
	held   map[string]struct{}
	remote domain.LockManager
	ttl    time.Duration
	logger *slog.Logger
}

func newSagaLocks(remote domain.LockManager, ttl time.Duration, logger *slog.Logger) *sagaLocks {
	if ttl <= 0 {
		ttl = DefaultSagaTimeout
	}
	return &sagaLocks{
		held:   make(map[string]struct{}),
		remote: remote,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *sagaLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	if _, busy := l.held[id]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("settlement %s: %w: already being processed", id, domain.ErrConflict)
	}
	l.held[id] = struct{}{}
	l.mu.Unlock()

	local := func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}
	if l.remote == nil {
		return local, nil
	}

	unlock, err := l.remote.Acquire(ctx, "settlement:"+id, l.ttl)
	switch {
	case err == nil:
		return func() {
			unlock()
			local()
		}, nil
	case errors.Is(err, domain.ErrLockHeld):
		local()
		return nil, fmt.Errorf("settlement %s: %w: already being processed", id, domain.ErrConflict)
	default:
		// The versioned update still rejects a second writer.
		l.logger.WarnContext(ctx, "settlement lock unavailable, relying on versioned updates",
			slog.String("settlement_id", id),
			slog.String("error", err.Error()),
		)
		return local, nil
	}
}
