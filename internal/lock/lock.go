// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package lock implements named, expiring locks shared by every broker process.
//
// A lock is a single key holding a random token. Only the holder of the
// token may extend or release it, so a lock that expired and was taken by
// another process is never released by its previous owner.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/pool"
)

// KEYS[1] -> lock key
// ARGV[1] -> token
//
// Output:
// 1 if released, 0 if the token does not own the lock
var releaseCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS[1] -> lock key
// ARGV[1] -> token
// ARGV[2] -> ttl in milliseconds
//
// Output:
// 1 if extended, 0 if the token does not own the lock
var extendCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires locks through a connection pool.
type Locker struct {
	pool   *pool.Pool
	logger *log.Logger
}

// NewLocker returns a Locker using the given pool.
func NewLocker(p *pool.Pool, logger *log.Logger) *Locker {
	if logger == nil {
		logger = log.Discard()
	}
	return &Locker{pool: p, logger: logger}
}

// Lock is a held lock. Methods are safe for concurrent use.
type Lock struct {
	locker     *Locker
	name       string
	key        string
	token      string
	ttl        time.Duration
	autoExtend bool

	mu       sync.Mutex
	released bool // guarded by mu

	done chan struct{}
	wg   sync.WaitGroup
}

// Acquire takes the named lock for ttl. It fails with ErrLockNotAcquired if
// another token holds the lock.
//
// With autoExtend, the lock is renewed every ttl/3 until Release is called,
// and Extend is not allowed.
func (lk *Locker) Acquire(ctx context.Context, name string, ttl time.Duration, autoExtend bool) (*Lock, error) {
	var op errors.Op = "lock.Acquire"
	if ttl < time.Millisecond {
		return nil, errors.E(op, errors.InvalidArgument, "lock ttl must be at least 1ms")
	}
	l := &Lock{
		locker:     lk,
		name:       name,
		key:        base.LockKey(name),
		token:      uuid.NewString(),
		ttl:        ttl,
		autoExtend: autoExtend,
		done:       make(chan struct{}),
	}
	var ok bool
	err := lk.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		ok, err = c.SetNX(ctx, l.key, l.token, ttl).Result()
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	if !ok {
		return nil, errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	lk.logger.Debugf("Acquired lock %q", name)
	if autoExtend {
		l.wg.Add(1)
		go l.extendLoop()
	}
	return l, nil
}

// AcquireWait is like Acquire but retries every retryInterval while the lock
// is held elsewhere, until it is acquired or ctx is done.
func (lk *Locker) AcquireWait(ctx context.Context, name string, ttl time.Duration, autoExtend bool, retryInterval time.Duration) (*Lock, error) {
	var op errors.Op = "lock.AcquireWait"
	if retryInterval <= 0 {
		return nil, errors.E(op, errors.InvalidArgument, "retry interval must be positive")
	}
	for {
		if ctx.Err() != nil {
			return nil, errors.E(op, errors.Canceled, ctx.Err())
		}
		l, err := lk.Acquire(ctx, name, ttl, autoExtend)
		if err == nil {
			return l, nil
		}
		if ctx.Err() != nil {
			return nil, errors.E(op, errors.Canceled, ctx.Err())
		}
		if !errors.Is(err, errors.ErrLockNotAcquired) {
			return nil, err
		}
		t := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.E(op, errors.Canceled, ctx.Err())
		case <-t.C:
		}
	}
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Key returns the store key of the lock.
func (l *Lock) Key() string { return l.key }

// Token returns the token owning the lock.
func (l *Lock) Token() string { return l.token }

// Extend renews the lock for another ttl.
func (l *Lock) Extend(ctx context.Context) error {
	var op errors.Op = "lock.Extend"
	if l.autoExtend {
		return errors.E(op, errors.FailedPrecondition, errors.ErrMethodNotAllowed)
	}
	return l.extend(ctx, op)
}

func (l *Lock) extend(ctx context.Context, op errors.Op) error {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	n, err := l.run(ctx, op, extendCmd, l.token, l.ttl.Milliseconds())
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	return nil
}

// Release frees the lock. Releasing a lock that expired or was already
// released fails with ErrLockNotAcquired.
func (l *Lock) Release(ctx context.Context) error {
	var op errors.Op = "lock.Release"
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	l.released = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	n, err := l.run(ctx, op, releaseCmd, l.token)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
	}
	l.locker.logger.Debugf("Released lock %q", l.name)
	return nil
}

func (l *Lock) run(ctx context.Context, op errors.Op, script *redis.Script, args ...interface{}) (int64, error) {
	var n int64
	err := l.locker.pool.Exclusive(ctx, op, func(s redis.Scripter) error {
		var err error
		n, err = script.Run(ctx, s, []string{l.key}, args...).Int64()
		return err
	})
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}

// wrap keeps the code assigned by the pool.
func wrap(op errors.Op, err error) error {
	if errors.CanonicalCode(err) != errors.Unspecified {
		return errors.E(op, err)
	}
	return errors.E(op, errors.Unknown, err)
}

func (l *Lock) extendLoop() {
	defer l.wg.Done()
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.extend(ctx, "lock.extendLoop")
			cancel()
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, errors.ErrLockNotAcquired) {
				l.locker.logger.Warnf("Lock %q was lost before release", l.name)
				return
			}
			if err != nil {
				l.locker.logger.Errorf("Could not extend lock %q: %v", l.name, err)
			}
			timer.Reset(interval)
		}
	}
}
