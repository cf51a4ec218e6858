package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("pair lock not acquired")
)

// Locker guards the submit critical section for one (requester, doctor)
// pair so that concurrent submissions for the same pair serialize. The
// database's partial unique index remains the authoritative guard; the
// lock only turns a constraint violation into a fast retry.
type Locker interface {
	WithPairLock(ctx context.Context, requesterID, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisPairLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPairLocker creates a locker that uses a per pair Redis key.
func NewRedisPairLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisPairLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisPairLocker) WithPairLock(ctx context.Context, requesterID, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:pair:%s:%s", requesterID.String(), doctorID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire pair lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisPairLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release pair lock: %w", err)
	}
	return nil
}

// NoopLocker runs the critical section without a distributed lock.
// Suitable for tests and single-node setups where the database
// constraints alone are enough.
type NoopLocker struct{}

func (NoopLocker) WithPairLock(ctx context.Context, _, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
