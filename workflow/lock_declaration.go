package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var LockFailedError = errors.New("lock failed")

// ExecutionLock serializes workflow executions by name for hosts sharing one
// definition store across processes.
type ExecutionLock interface {
	// NonBlockingSynchronized runs f while holding the named lock. When the
	// lock is already held by someone else it fails immediately with
	// LockFailedError instead of waiting. The lock is reentrant: f may call
	// NonBlockingSynchronized again for the same key on the context it
	// received. maxLockTime bounds how long the lock is held before it
	// expires on its own.
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTime time.Duration, f func(context.Context) error) error
}
