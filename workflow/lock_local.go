package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalExecutionLock creates the in-process lock used by default. It has
// the same non-blocking, reentrant, self-expiring contract as the Redis
// variant, scoped to one process.
func NewLocalExecutionLock() ExecutionLock {
	return &localExecutionLock{
		locks: &sync.Map{},
	}
}

type localExecutionLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	mu       sync.Mutex
	value    string // holder token, checked on release
	expireAt time.Time
	timer    *time.Timer // fires the automatic release
}

func (l *localExecutionLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTime time.Duration, f func(context.Context) error) error {
	// Reentrancy: a context that already carries the holder token for this
	// key is inside the lock, so just run.
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		return f(ctx)
	}

	value := l.randomValue()

	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)

	if !info.mu.TryLock() {
		return errors.WithMessage(LockFailedError, "[localExecutionLock.NonBlockingSynchronized] has been locked")
	}

	info.value = value
	info.expireAt = time.Now().Add(maxLockTime)
	info.timer = time.AfterFunc(maxLockTime, func() {
		l.releaseKey(key, value)
	})

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer l.releaseKey(key, value)
	return f(withKeyCtx)
}

func (l *localExecutionLock) randomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (l *localExecutionLock) releaseKey(key string, value string) {
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		// Already released, either by the holder or by the expiry timer.
		return
	}
	info := lockInfo.(*localLockInfo)

	if info.value != value {
		slog.Warn("local execution lock release skipped, holder mismatch", "key", key)
		return
	}
	if info.timer != nil {
		info.timer.Stop()
	}
	info.mu.Unlock()
	l.locks.Delete(key)
}
