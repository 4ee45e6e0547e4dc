// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package queuestate serializes operational state changes of queues.
//
// Every change runs under the per-queue state lock, and the store rejects
// the write if the lock changed hands in the meantime.
package queuestate

import (
	"context"
	"time"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/lock"
	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/rdb"
)

const (
	defaultLockTTL       = 30 * time.Second
	defaultLockWait      = 5 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	// LockTTL is the ttl of the state lock. The lock is renewed while held.
	LockTTL time.Duration

	// LockWait bounds how long a change waits for another change of the
	// same queue to finish.
	LockWait time.Duration

	// OnChange, if set, is called after every successful change.
	OnChange func(q base.QueueRef, from, to base.QueueState)

	Logger *log.Logger
}

// Manager changes queue states.
type Manager struct {
	rdb      *rdb.RDB
	locker   *lock.Locker
	logger   *log.Logger
	lockTTL  time.Duration
	lockWait time.Duration
	onChange func(q base.QueueRef, from, to base.QueueState)
}

// NewManager returns a Manager.
func NewManager(r *rdb.RDB, locker *lock.Locker, cfg Config) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	return &Manager{
		rdb:      r,
		locker:   locker,
		logger:   cfg.Logger,
		lockTTL:  cfg.LockTTL,
		lockWait: cfg.LockWait,
		onChange: cfg.OnChange,
	}
}

// Steps moves a queue through states while its state lock is held.
type Steps struct {
	m    *Manager
	q    base.QueueRef
	lock *lock.Lock
}

// Move changes the queue to the given state and returns the previous one.
func (s *Steps) Move(ctx context.Context, to base.QueueState) (base.QueueState, error) {
	from, err := s.m.rdb.SetQueueState(ctx, s.q, to, s.lock.Key(), s.lock.Token())
	if err != nil {
		return from, err
	}
	s.m.logger.Infof("Queue %s moved from %v to %v", s.q, from, to)
	if s.m.onChange != nil {
		s.m.onChange(s.q, from, to)
	}
	return from, nil
}

// WithLock runs fn while holding the state lock of the queue. The lock is
// released when fn returns.
func (m *Manager) WithLock(ctx context.Context, q base.QueueRef, fn func(ctx context.Context, s *Steps) error) error {
	var op errors.Op = "queuestate.WithLock"
	wctx, cancel := context.WithTimeout(ctx, m.lockWait)
	l, err := m.locker.AcquireWait(wctx, base.QueueStateLockName(q), m.lockTTL, true, defaultRetryInterval)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.CanonicalCode(err) == errors.Canceled {
			return errors.E(op, errors.FailedPrecondition, errors.ErrLockNotAcquired)
		}
		return errors.E(op, err)
	}
	defer func() {
		if err := l.Release(context.Background()); err != nil {
			m.logger.Warnf("Could not release state lock of queue %s: %v", q, err)
		}
	}()
	return fn(ctx, &Steps{m: m, q: q, lock: l})
}

// Transition moves the queue to the given state in a single step and
// returns the previous state.
func (m *Manager) Transition(ctx context.Context, q base.QueueRef, to base.QueueState) (base.QueueState, error) {
	var from base.QueueState
	err := m.WithLock(ctx, q, func(ctx context.Context, s *Steps) error {
		var err error
		from, err = s.Move(ctx, to)
		return err
	})
	return from, err
}

// Path moves the queue through each given state in order, stopping at the
// first failure.
func (m *Manager) Path(ctx context.Context, q base.QueueRef, states ...base.QueueState) error {
	return m.WithLock(ctx, q, func(ctx context.Context, s *Steps) error {
		for _, to := range states {
			if _, err := s.Move(ctx, to); err != nil {
				return err
			}
		}
		return nil
	})
}
