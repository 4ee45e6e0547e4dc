// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/hemant/titanbroker/internal/errors"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Pool) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := New(client, Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxTxRetries: 3})
	t.Cleanup(func() { _ = p.Close() })
	return mr, p
}

func TestShared(t *testing.T) {
	mr, p := setup(t)
	ctx := context.Background()

	err := p.Shared(ctx, "test.Shared", func(c redis.Cmdable) error {
		return c.Set(ctx, "k", "v", 0).Err()
	})
	require.NoError(t, err)
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestExclusiveRunsScript(t *testing.T) {
	_, p := setup(t)
	ctx := context.Background()
	script := redis.NewScript(`return redis.call("INCRBY", KEYS[1], ARGV[1])`)

	var n int64
	err := p.Exclusive(ctx, "test.Exclusive", func(s redis.Scripter) error {
		var err error
		n, err = script.Run(ctx, s, []string{"counter"}, 5).Int64()
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestExclusiveReleasesOnError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := New(client, Config{MaxExclusive: 1})
	defer p.Close()
	ctx := context.Background()

	wantErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		// With a single slot, a leaked slot would block the second call forever.
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		err := p.Exclusive(cctx, "test.Exclusive", func(s redis.Scripter) error { return wantErr })
		cancel()
		assert.ErrorIs(t, err, wantErr)
	}
}

func TestRetryTransientThenSurface(t *testing.T) {
	_, p := setup(t)
	ctx := context.Background()

	var calls int32
	err := p.Shared(ctx, "test.Retry", func(c redis.Cmdable) error {
		atomic.AddInt32(&calls, 1)
		return io.EOF
	})
	require.Error(t, err)
	assert.True(t, terrors.IsTransient(err))
	assert.Equal(t, int32(defaultMaxRetries+1), atomic.LoadInt32(&calls))
}

func TestRetryRecovers(t *testing.T) {
	_, p := setup(t)
	ctx := context.Background()

	var calls int32
	err := p.Shared(ctx, "test.Retry", func(c redis.Cmdable) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return io.ErrUnexpectedEOF
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNonTransientNotRetried(t *testing.T) {
	_, p := setup(t)
	var calls int32
	err := p.Shared(context.Background(), "test.Retry", func(c redis.Cmdable) error {
		atomic.AddInt32(&calls, 1)
		return redis.Nil
	})
	assert.ErrorIs(t, err, redis.Nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStoreDown(t *testing.T) {
	mr, p := setup(t)
	mr.Close()
	err := p.Shared(context.Background(), "test.Down", func(c redis.Cmdable) error {
		return c.Ping(context.Background()).Err()
	})
	require.Error(t, err)
	assert.True(t, terrors.IsTransient(err))
}

func TestWatchCommits(t *testing.T) {
	mr, p := setup(t)
	ctx := context.Background()
	mr.Set("balance", "10")

	err := p.Watch(ctx, "test.Watch", func(tx *redis.Tx) error {
		n, err := tx.Get(ctx, "balance").Int()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "balance", n+5, 0)
			return nil
		})
		return err
	}, "balance")
	require.NoError(t, err)
	got, _ := mr.Get("balance")
	assert.Equal(t, "15", got)
}

func TestWatchExhaustsRetries(t *testing.T) {
	mr, p := setup(t)
	ctx := context.Background()
	mr.Set("balance", "10")
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	var attempts int
	err := p.Watch(ctx, "test.Watch", func(tx *redis.Tx) error {
		attempts++
		// A concurrent writer touches the watched key on every attempt.
		if err := other.Set(ctx, "balance", fmt.Sprint(attempts), 0).Err(); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "balance", 0, 0)
			return nil
		})
		return err
	}, "balance")
	require.Error(t, err)
	assert.True(t, terrors.IsConcurrency(err))
	assert.ErrorIs(t, err, terrors.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(redis.Nil))
	assert.False(t, IsTransient(redis.TxFailedErr))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(redis.ErrPoolTimeout))
	assert.True(t, IsTransient(errors.New("LOADING Redis is loading the dataset in memory")))
	assert.False(t, IsTransient(errors.New("ERR wrong number of arguments")))
}
