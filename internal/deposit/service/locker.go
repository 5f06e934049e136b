package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"abepay.com/pkg/logger"
	"abepay.com/pkg/xredis"
)

// Locker serialises work on one correlation id.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process mutex per key. Entries are dropped once nobody holds or
// waits for them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e := l.locks[key]
	if e == nil {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

func (l *KeyedLocker) release(key string, e *keyedEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len is the number of keys currently held or waited on.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// RedisLocker takes a SET NX lock shared by every replica.
type RedisLocker struct {
	client        redis.Cmdable
	prefix        string
	ttl           time.Duration
	retryTimes    int
	retryInterval time.Duration
}

// NewRedisLocker: a held lock is refreshed every ttl/3, so ttl only bounds how long a
// crashed holder keeps other replicas waiting.
func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		client:        client,
		prefix:        prefix,
		ttl:           ttl,
		retryTimes:    100,
		retryInterval: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock := xredis.NewDistLock(l.client, l.prefix+key, l.ttl)
	if err := lock.Lock(ctx, l.retryTimes, l.retryInterval); err != nil {
		return nil, err
	}
	// a transfer plus its outcome write can outlast the ttl
	stop := lock.KeepAlive(ctx, l.ttl/3, func(err error) {
		logger.Warn(ctx, "deposit lock lost while held", zap.String("key", lock.Key()), zap.Error(err))
	})
	return func() {
		stop()
		// the caller's ctx may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := lock.Unlock(ctx); err != nil || !ok {
			logger.Warn(ctx, "release deposit lock failed", zap.String("key", lock.Key()), zap.Bool("owned", ok), zap.Error(err))
		}
	}, nil
}

// chainLocker takes the local lock, then the shared one. A shared lock failure is
// logged and tolerated: the store's compare-and-swap still admits one winner.
type chainLocker struct {
	local  *KeyedLocker
	shared Locker
}

func (c chainLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := c.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.shared == nil {
		return unlockLocal, nil
	}
	unlockShared, err := c.shared.Lock(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			unlockLocal()
			return nil, ctx.Err()
		}
		logger.Warn(ctx, "shared deposit lock unavailable, relying on state CAS", zap.String("key", key), zap.Error(err))
		return unlockLocal, nil
	}
	return func() {
		unlockShared()
		unlockLocal()
	}, nil
}
