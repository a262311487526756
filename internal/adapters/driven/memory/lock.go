package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

// Lock is a process-local DistributedLock for single-node deployments.
// Entries expire after their TTL so a crashed pipeline cannot hold a
// document forever.
type Lock struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

// NewLock creates an in-process lock.
func NewLock() *Lock {
	return &Lock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire takes name unless it is held and unexpired.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, held := l.locks[name]; held && now.Before(expiry) {
		return false, nil
	}
	l.locks[name] = now.Add(ttl)
	return true, nil
}

// Release drops name. Releasing a free lock is a no-op.
func (l *Lock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, name)
	return nil
}

// Extend pushes the expiry of a held lock.
func (l *Lock) Extend(_ context.Context, name string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expiry, held := l.locks[name]
	if !held || !now.Before(expiry) {
		return fmt.Errorf("lock %s not held", name)
	}
	l.locks[name] = now.Add(ttl)
	return nil
}

// Ping always succeeds.
func (l *Lock) Ping(context.Context) error {
	return nil
}
