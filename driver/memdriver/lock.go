package memdriver

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// operationType tells the lock manager whether an operation mutates state
type operationType int

const (
	readOperation operationType = iota
	writeOperation
)

// lockManager serializes writers and lets readers run concurrently
type lockManager struct {
	mu sync.RWMutex
}

func (lm *lockManager) execute(opType operationType, fn func() error) error {
	switch opType {
	case readOperation:
		lm.mu.RLock()
		defer lm.mu.RUnlock()
	case writeOperation:
		lm.mu.Lock()
		defer lm.mu.Unlock()
	}
	return fn()
}

// FileLock guards the snapshot file against other processes
type FileLock interface {
	// TryLockContext attempts to acquire an exclusive lock with retries
	TryLockContext(ctx context.Context, retryInterval time.Duration) (bool, error)

	// Unlock releases the lock
	Unlock() error
}

// FileLockFactory creates FileLock instances
type FileLockFactory interface {
	New(path string) FileLock
}

type flockFactory struct{}

func (flockFactory) New(path string) FileLock {
	return flock.New(path)
}

const (
	lockTimeout    = 3 * time.Second
	lockMaxRetries = 3
	lockRetryDelay = 100 * time.Millisecond
)

func acquireLock(ctx context.Context, lock FileLock) error {
	for i := 0; i < lockMaxRetries; i++ {
		locked, err := lock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return errorf("failed to acquire lock: %v", err)
		}
		if locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return errorf("failed to acquire lock after %d attempts", lockMaxRetries)
}

// withFileLock runs fn while holding the cross-process lock
func withFileLock(lock FileLock, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := acquireLock(ctx, lock); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}
