package xredis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/rand"
)

var ErrLockNotAcquired = errors.New("xredis: lock not acquired")

// KEYS[1] lock key, ARGV[1] owner token. Only the owner may delete.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// KEYS[1] lock key, ARGV[1] owner token, ARGV[2] ttl in ms.
const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

type DistLock struct {
	client     redis.Cmdable
	key        string
	token      string
	expiration time.Duration
}

func NewDistLock(client redis.Cmdable, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(),
		expiration: expiration,
	}
}

func (l *DistLock) Key() string { return l.key }

// TryLock makes a single SET NX PX attempt.
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock spins until the lock is taken, retryTimes is exhausted or ctx ends.
func (l *DistLock) Lock(ctx context.Context, retryTimes int, retryInterval time.Duration) error {
	for i := 0; i < retryTimes; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// jitter so waiters do not wake in lockstep
		sleep := retryInterval + time.Duration(rand.Intn(10))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return ErrLockNotAcquired
}

// Refresh extends the TTL if this instance still owns the lock.
func (l *DistLock) Refresh(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// KeepAlive refreshes the TTL every interval until stop is called or ownership is
// lost. onLost, if set, runs once when a refresh finds the key gone or taken.
func (l *DistLock) KeepAlive(ctx context.Context, interval time.Duration, onLost func(err error)) (stop func()) {
	if interval <= 0 {
		interval = l.expiration / 3
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := l.Refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Unlock deletes the key only if this instance still owns it.
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
