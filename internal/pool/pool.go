// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package pool hands out store connections to the broker components.
//
// Shared mode returns the multiplexed client for single-command operations.
// Exclusive mode pins one connection for the duration of a callback and is
// required for scripts and optimistic transactions. The connection is always
// returned to the pool, on both success and error paths.
package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	terrors "github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/log"
)

const (
	defaultMaxExclusive = 32
	defaultMaxRetries   = 3
	defaultMinBackoff   = 50 * time.Millisecond
	defaultMaxBackoff   = 1 * time.Second
	defaultMaxTxRetries = 10
)

// Config specifies pool behavior. Zero values are replaced by defaults.
type Config struct {
	// MaxExclusive caps the number of concurrently pinned connections.
	MaxExclusive int64

	// MaxRetries is the number of retries of a transient failure.
	MaxRetries int

	// MinBackoff and MaxBackoff bound the exponential backoff between retries.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxTxRetries is the number of attempts of an optimistic transaction
	// before it fails with a concurrency error.
	MaxTxRetries int

	Logger *log.Logger
}

// Pool wraps a redis client.
type Pool struct {
	client    redis.UniversalClient
	exclusive *semaphore.Weighted
	logger    *log.Logger

	maxRetries   int
	minBackoff   time.Duration
	maxBackoff   time.Duration
	maxTxRetries int
}

// New returns a Pool over the given client.
func New(client redis.UniversalClient, cfg Config) *Pool {
	if cfg.MaxExclusive <= 0 {
		cfg.MaxExclusive = defaultMaxExclusive
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = defaultMaxTxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	return &Pool{
		client:       client,
		exclusive:    semaphore.NewWeighted(cfg.MaxExclusive),
		logger:       cfg.Logger,
		maxRetries:   cfg.MaxRetries,
		minBackoff:   cfg.MinBackoff,
		maxBackoff:   cfg.MaxBackoff,
		maxTxRetries: cfg.MaxTxRetries,
	}
}

// Client returns the underlying client.
func (p *Pool) Client() redis.UniversalClient {
	return p.client
}

// Close closes the underlying client.
func (p *Pool) Close() error {
	return p.client.Close()
}

// Shared runs fn with the multiplexed client. Transient failures are retried.
func (p *Pool) Shared(ctx context.Context, op terrors.Op, fn func(c redis.Cmdable) error) error {
	return p.retry(ctx, op, func() error { return fn(p.client) })
}

// Exclusive runs fn with a pinned connection. Transient failures are retried,
// each attempt on a freshly acquired connection.
func (p *Pool) Exclusive(ctx context.Context, op terrors.Op, fn func(s redis.Scripter) error) error {
	return p.retry(ctx, op, func() error {
		if err := p.exclusive.Acquire(ctx, 1); err != nil {
			return err
		}
		defer p.exclusive.Release(1)

		c, ok := p.client.(*redis.Client)
		if !ok {
			// Cluster and failover clients route each script by its keys.
			return fn(p.client)
		}
		conn := c.Conn()
		defer conn.Close()
		return fn(conn)
	})
}

// Watch runs fn as an optimistic transaction over the watched keys.
// A transaction aborted by a concurrent write is retried up to MaxTxRetries
// times, then fails with a concurrency error.
func (p *Pool) Watch(ctx context.Context, op terrors.Op, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < p.maxTxRetries; i++ {
		err := p.retry(ctx, op, func() error {
			if err := p.exclusive.Acquire(ctx, 1); err != nil {
				return err
			}
			defer p.exclusive.Release(1)
			return p.client.Watch(ctx, fn, keys...)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		p.logger.Debugf("%s: optimistic transaction aborted (attempt %d/%d)", op, i+1, p.maxTxRetries)
	}
	return terrors.E(op, terrors.Aborted, terrors.ErrMaxRetriesExceeded)
}

// retry calls fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. A spent budget surfaces as an Unavailable error.
func (p *Pool) retry(ctx context.Context, op terrors.Op, fn func() error) error {
	backoff := p.minBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= p.maxRetries {
			break
		}
		p.logger.Warnf("%s: transient store error, retrying in %v: %v", op, backoff, err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return terrors.E(op, terrors.Unavailable, ctx.Err())
		case <-t.C:
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
	return terrors.E(op, terrors.Unavailable, err)
}

// IsTransient reports whether err is a connection-level failure worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING ") || strings.HasPrefix(msg, "TRYAGAIN ") ||
		strings.HasPrefix(msg, "CLUSTERDOWN ") || strings.HasPrefix(msg, "MASTERDOWN ")
}
