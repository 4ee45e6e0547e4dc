// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/lock"
	"github.com/hemant/titanbroker/internal/pool"
	"github.com/hemant/titanbroker/internal/rdb"
)

func setup(t *testing.T, cfg Config) (*Manager, *lock.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	p := pool.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), pool.Config{})
	r := rdb.NewRDB(p)
	locker := lock.NewLocker(p, nil)
	if cfg.BatchesPerSecond == 0 {
		cfg.BatchesPerSecond = rate.Inf
	}
	m := NewManager(r, locker, cfg)
	t.Cleanup(func() {
		m.Shutdown()
		_ = r.Close()
	})
	return m, locker
}

// countdown returns work that drains n items.
func countdown(n int64) Work {
	var mu sync.Mutex
	return func(_ context.Context, batchSize int) (int64, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		k := int64(batchSize)
		if k > n {
			k = n
		}
		n -= k
		return k, n == 0, nil
	}
}

// gated returns work that blocks every batch until the test lets it through.
func gated(gate <-chan struct{}) Work {
	return func(ctx context.Context, batchSize int) (int64, bool, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
		return int64(batchSize), false, nil
	}
}

func TestJobCompletes(t *testing.T) {
	var mu sync.Mutex
	var finished []*base.Job
	m, _ := setup(t, Config{OnFinish: func(j *base.Job) {
		mu.Lock()
		finished = append(finished, j)
		mu.Unlock()
	}})
	ctx := context.Background()

	j, err := m.Start(ctx, "purge:orders@default", 10, 25, countdown(25))
	require.NoError(t, err)
	assert.Equal(t, base.JobPending, j.Status)

	got, err := m.Wait(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, base.JobCompleted, got.Status)
	assert.Equal(t, int64(25), got.Processed)
	assert.Equal(t, int64(25), got.Total)
	assert.Empty(t, got.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 1)
	assert.Equal(t, j.ID, finished[0].ID)
	assert.Equal(t, base.JobCompleted, finished[0].Status)
}

func TestJobReleasesTarget(t *testing.T) {
	m, _ := setup(t, Config{})
	ctx := context.Background()

	j, err := m.Start(ctx, "purge:orders@default", 10, 0, countdown(5))
	require.NoError(t, err)
	_, err = m.Wait(ctx, j.ID)
	require.NoError(t, err)

	j, err = m.Start(ctx, "purge:orders@default", 10, 0, countdown(5))
	require.NoError(t, err)
	_, err = m.Wait(ctx, j.ID)
	require.NoError(t, err)
}

func TestTargetLocked(t *testing.T) {
	m, _ := setup(t, Config{})
	ctx := context.Background()
	gate := make(chan struct{})

	first, err := m.Start(ctx, "purge:orders@default", 1, 0, gated(gate))
	require.NoError(t, err)

	_, err = m.Start(ctx, "purge:orders@default", 1, 0, countdown(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTargetLocked))
	assert.True(t, errors.IsConflict(err))

	// Another target is independent.
	other, err := m.Start(ctx, "purge:payments@default", 1, 0, countdown(1))
	require.NoError(t, err)
	_, err = m.Wait(ctx, other.ID)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, first.ID))
	close(gate)
	got, err := m.Wait(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, base.JobCanceled, got.Status)
}

func TestCancelBetweenBatches(t *testing.T) {
	m, _ := setup(t, Config{})
	ctx := context.Background()
	gate := make(chan struct{})

	j, err := m.Start(ctx, "purge:orders@default", 5, 0, gated(gate))
	require.NoError(t, err)

	gate <- struct{}{} // first batch
	require.NoError(t, m.Cancel(ctx, j.ID))
	// A batch started before the flag was seen finishes normally.
	close(gate)

	got, err := m.Wait(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, base.JobCanceled, got.Status)
	assert.GreaterOrEqual(t, got.Processed, int64(5))

	err = m.Cancel(ctx, j.ID)
	assert.True(t, errors.IsConflict(err))
}

func TestJobFails(t *testing.T) {
	m, _ := setup(t, Config{})
	ctx := context.Background()
	calls := 0
	work := func(context.Context, int) (int64, bool, error) {
		calls++
		if calls == 2 {
			return 1, false, fmt.Errorf("disk on fire")
		}
		return 3, false, nil
	}

	j, err := m.Start(ctx, "purge:orders@default", 3, 0, work)
	require.NoError(t, err)
	got, err := m.Wait(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, base.JobFailed, got.Status)
	assert.Equal(t, "disk on fire", got.Error)
	assert.Equal(t, int64(4), got.Processed)

	// The failed job no longer holds the target.
	_, err = m.Start(ctx, "purge:orders@default", 3, 0, countdown(1))
	require.NoError(t, err)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	m, _ := setup(t, Config{})
	ctx := context.Background()

	j, err := m.Start(ctx, "purge:orders@default", 1, 0, gated(make(chan struct{})))
	require.NoError(t, err)
	m.Shutdown()

	got, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsFinal())
}

func TestListAndGet(t *testing.T) {
	m, _ := setup(t, Config{})
	ctx := context.Background()

	a, err := m.Start(ctx, "purge:a@default", 1, 0, countdown(1))
	require.NoError(t, err)
	_, err = m.Wait(ctx, a.ID)
	require.NoError(t, err)

	jobs, err := m.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)

	_, err = m.Get(ctx, "no-such-job")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(m.Cancel(ctx, "no-such-job")))
}

func TestStartInvalidBatchSize(t *testing.T) {
	m, _ := setup(t, Config{})
	_, err := m.Start(context.Background(), "purge:a@default", 0, 0, countdown(1))
	assert.True(t, errors.IsValidation(err))
}
