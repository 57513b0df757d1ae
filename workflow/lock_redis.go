package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type lockKey string

// delCommand releases the lock only when the caller still holds it, so an
// expired lock taken over by someone else is never deleted.
const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisExecutionLock creates a lock backed by Redis SetNX, for several
// processes sharing one workflow store.
func NewRedisExecutionLock(redisClient redis.Cmdable) ExecutionLock {
	return &redisExecutionLock{redisClient: redisClient}
}

type redisExecutionLock struct {
	redisClient redis.Cmdable
}

func (d *redisExecutionLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTime time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// Reentrant call, the lock is already held further up the stack.
		return f(ctx)
	}

	value := d.randomValue()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTime).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisExecutionLock.NonBlockingSynchronized], err:%v", err)
	}
	if !isLock {
		return errors.WithMessage(LockFailedError, "[redisExecutionLock.NonBlockingSynchronized] has been locked")
	}

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisExecutionLock) randomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisExecutionLock) releaseKey(key string, value string) {
	// The caller's context may already be cancelled; the release must still
	// go through, so it runs on a fresh context.
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.Warn("redis execution lock release failed", "key", key, "err", err)
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		slog.Warn("redis execution lock not released", "key", key, "reply", replyInterface)
	}
}
