// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package jobs runs long maintenance work in batches, one job per target.
//
// A job holds the lock of its target for its whole run, so two jobs never
// touch the same target at once. Progress and status are persisted after
// every batch, and a cancel request is honored between batches.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/lock"
	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/rdb"
	"github.com/hemant/titanbroker/internal/timeutil"
)

const (
	defaultLockTTL          = 30 * time.Second
	defaultBatchesPerSecond = 20
	defaultPollInterval     = 100 * time.Millisecond
)

// Work processes one batch of at most batchSize items. It returns the
// number of items processed and whether the job is done.
type Work func(ctx context.Context, batchSize int) (processed int64, done bool, err error)

// Config configures a Manager.
type Config struct {
	// LockTTL is the ttl of the target lock. The lock is renewed while the job runs.
	LockTTL time.Duration

	// BatchesPerSecond paces the batches of each job. Use rate.Inf to disable pacing.
	BatchesPerSecond rate.Limit

	// OnFinish, if set, is called with the final record of every job.
	OnFinish func(*base.Job)

	Logger *log.Logger
}

// Manager starts and tracks jobs.
type Manager struct {
	rdb      *rdb.RDB
	locker   *lock.Locker
	logger   *log.Logger
	clock    timeutil.Clock
	lockTTL  time.Duration
	limit    rate.Limit
	onFinish func(*base.Job)

	// base context of every job run, canceled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{} // guarded by mu
}

// NewManager returns a Manager.
func NewManager(r *rdb.RDB, locker *lock.Locker, cfg Config) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.BatchesPerSecond <= 0 {
		cfg.BatchesPerSecond = defaultBatchesPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rdb:      r,
		locker:   locker,
		logger:   cfg.Logger,
		clock:    timeutil.NewRealClock(),
		lockTTL:  cfg.LockTTL,
		limit:    cfg.BatchesPerSecond,
		onFinish: cfg.OnFinish,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]chan struct{}),
	}
}

// Start takes the lock of target and runs work in the background until it
// is done, fails or is canceled. total is the expected number of items, or
// zero if unknown.
//
// Start fails with ErrTargetLocked while another job holds the target.
func (m *Manager) Start(ctx context.Context, target string, batchSize int, total int64, work Work) (*base.Job, error) {
	var op errors.Op = "jobs.Start"
	if batchSize <= 0 {
		return nil, errors.E(op, errors.InvalidArgument, "batch size must be positive")
	}
	l, err := m.locker.Acquire(ctx, base.JobTargetLockName(target), m.lockTTL, true)
	if errors.Is(err, errors.ErrLockNotAcquired) {
		return nil, errors.E(op, errors.FailedPrecondition, errors.ErrTargetLocked)
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	now := m.clock.Now()
	j := &base.Job{
		ID:        uuid.NewString(),
		Target:    target,
		Status:    base.JobPending,
		BatchSize: batchSize,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.rdb.SaveJob(ctx, j); err != nil {
		if rerr := l.Release(context.Background()); rerr != nil {
			m.logger.Warnf("Could not release lock of target %q: %v", target, rerr)
		}
		return nil, errors.E(op, err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.running[j.ID] = done
	m.mu.Unlock()

	snapshot := *j
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.run(j, l, work)
		m.mu.Lock()
		delete(m.running, j.ID)
		m.mu.Unlock()
	}()
	return &snapshot, nil
}

func (m *Manager) run(j *base.Job, l *lock.Lock, work Work) {
	ctx := m.ctx
	defer func() {
		if err := l.Release(context.Background()); err != nil {
			m.logger.Warnf("Could not release lock of target %q: %v", j.Target, err)
		}
		if m.onFinish != nil {
			final := *j
			m.onFinish(&final)
		}
	}()

	j.Status = base.JobProcessing
	m.save(j)
	m.logger.Infof("Job %s started on %q", j.ID, j.Target)

	limiter := rate.NewLimiter(m.limit, 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			m.finish(j, base.JobCanceled, "job interrupted by shutdown")
			return
		}
		canceled, err := m.rdb.IsJobCancelRequested(ctx, j.ID)
		if err != nil {
			m.finish(j, base.JobFailed, err.Error())
			return
		}
		if canceled {
			m.finish(j, base.JobCanceled, "")
			return
		}
		n, done, err := work(ctx, j.BatchSize)
		j.Processed += n
		if err != nil {
			m.finish(j, base.JobFailed, err.Error())
			return
		}
		if done {
			m.finish(j, base.JobCompleted, "")
			return
		}
		m.save(j)
	}
}

func (m *Manager) finish(j *base.Job, status base.JobStatus, msg string) {
	j.Status = status
	j.Error = msg
	m.save(j)
	switch status {
	case base.JobFailed:
		m.logger.Errorf("Job %s on %q failed after %d items: %s", j.ID, j.Target, j.Processed, msg)
	default:
		m.logger.Infof("Job %s on %q ended %v after %d items", j.ID, j.Target, status, j.Processed)
	}
}

func (m *Manager) save(j *base.Job) {
	j.UpdatedAt = m.clock.Now()
	// Progress writes outlive a shutdown of the run context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.rdb.SaveJob(ctx, j); err != nil {
		m.logger.Errorf("Could not save job %s: %v", j.ID, err)
	}
}

// Get returns the job record.
func (m *Manager) Get(ctx context.Context, id string) (*base.Job, error) {
	return m.rdb.GetJob(ctx, id)
}

// List returns the most recent job records, newest first.
func (m *Manager) List(ctx context.Context, limit int64) ([]*base.Job, error) {
	return m.rdb.ListJobs(ctx, limit)
}

// Cancel asks the job to stop. The job stops before its next batch.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	var op errors.Op = "jobs.Cancel"
	j, err := m.rdb.GetJob(ctx, id)
	if err != nil {
		return errors.E(op, err)
	}
	if j.Status.IsFinal() {
		return errors.E(op, errors.FailedPrecondition, "job has already ended "+j.Status.String())
	}
	return m.rdb.RequestJobCancel(ctx, id)
}

// Wait blocks until the job ended and returns its final record. Jobs run
// by another process are polled.
func (m *Manager) Wait(ctx context.Context, id string) (*base.Job, error) {
	var op errors.Op = "jobs.Wait"
	m.mu.Lock()
	done, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, errors.E(op, errors.Canceled, ctx.Err())
		}
	}
	t := time.NewTicker(defaultPollInterval)
	defer t.Stop()
	for {
		j, err := m.rdb.GetJob(ctx, id)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if j.Status.IsFinal() {
			return j, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, errors.E(op, errors.Canceled, ctx.Err())
		}
	}
}

// Shutdown interrupts the running jobs and waits for them to record their
// final status.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
