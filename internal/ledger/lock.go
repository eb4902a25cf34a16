package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

const distributedRetryInterval = 100 * time.Millisecond

// senderLocks serializes writes per sender address so that nonce computation
// and broadcast are never interleaved for the same account. Each address gets
// a one-slot channel locally; a LockManager, when present, extends the
// exclusion across processes.
type senderLocks struct {
	mu     sync.Mutex
	slots  map[common.Address]chan struct{}
	remote domain.LockManager
	ttl    time.Duration
}

func newSenderLocks(remote domain.LockManager, ttl time.Duration) *senderLocks {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &senderLocks{
		slots:  make(map[common.Address]chan struct{}),
		remote: remote,
		ttl:    ttl,
	}
}

func (l *senderLocks) slot(addr common.Address) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[addr]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[addr] = ch
	}
	return ch
}

// acquire blocks until addr is free or ctx ends.
func (l *senderLocks) acquire(ctx context.Context, addr common.Address) (func(), error) {
	ch := l.slot(addr)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("ledger: sender lock %s: %w", addr.Hex(), ctx.Err())
	}
	local := func() { <-ch }

	if l.remote == nil {
		return local, nil
	}

	key := "sender:" + strings.ToLower(addr.Hex())
	for {
		unlock, err := l.remote.Acquire(ctx, key, l.ttl)
		if err == nil {
			return func() {
				unlock()
				local()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			local()
			return nil, fmt.Errorf("ledger: sender lock %s: %w", addr.Hex(), err)
		}

		timer := time.NewTimer(distributedRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			local()
			return nil, fmt.Errorf("ledger: sender lock %s: %w", addr.Hex(), ctx.Err())
		case <-timer.C:
		}
	}
}
