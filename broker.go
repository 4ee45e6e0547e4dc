// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/jobs"
	"github.com/hemant/titanbroker/internal/lock"
	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/pool"
	"github.com/hemant/titanbroker/internal/queuestate"
	"github.com/hemant/titanbroker/internal/rdb"
	"github.com/hemant/titanbroker/internal/timeutil"
)

// DefaultNamespace is used when BrokerConfig.Namespace is empty.
const DefaultNamespace = "default"

const (
	defaultLockTTL             = 30 * time.Second
	defaultJobBatchSize        = 1000
	defaultJobBatchesPerSecond = 20
)

// AuditPolicy controls what happens to messages that reached a terminal
// status (acknowledged or dead-lettered).
type AuditPolicy struct {
	// Store keeps the message for inspection. When false the message is
	// deleted as soon as it reaches the terminal status.
	Store bool

	// QueueSize caps the number of kept messages per queue (or consumer
	// group). The oldest are dropped first. Zero means no cap.
	QueueSize int64

	// Expire is how long a kept message is retained. Zero means until purged.
	Expire time.Duration
}

func (p *AuditPolicy) internal() base.AuditPolicy {
	if p == nil {
		return base.DefaultAuditPolicy
	}
	return base.AuditPolicy{Store: p.Store, QueueSize: p.QueueSize, Expire: p.Expire}
}

// BrokerConfig holds the settings shared by Client, Server and Inspector.
type BrokerConfig struct {
	// Namespace scopes queue and exchange names. It may contain letters,
	// digits, '_' and '-'.
	//
	// If unset, DefaultNamespace is used.
	Namespace string

	// Logger specifies the logger used by the broker.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// DisableLogging turns every log statement into a no-op.
	DisableLogging bool

	// AcknowledgedAudit is the retention of acknowledged messages.
	//
	// If nil, acknowledged messages are kept until purged.
	AcknowledgedAudit *AuditPolicy

	// DeadLetterAudit is the retention of dead-lettered messages.
	//
	// If nil, dead-lettered messages are kept until purged.
	DeadLetterAudit *AuditPolicy

	// EventsEnabled publishes broker events on the store so that every
	// process can subscribe to them.
	EventsEnabled bool

	// EventListeners are called for every event emitted by this process,
	// whether or not EventsEnabled is set.
	EventListeners []EventListener

	// MaxExclusiveConns caps the number of connections pinned concurrently
	// for scripts and transactions.
	//
	// If unset or zero, 32 connections are allowed.
	MaxExclusiveConns int64

	// MaxTxRetries is the number of attempts of an optimistic transaction
	// before it fails with a concurrency error.
	//
	// If unset or zero, 10 attempts are made.
	MaxTxRetries int

	// LockTTL is the ttl of the locks taken by queue maintenance and
	// background jobs. Held locks are renewed automatically.
	//
	// If unset or zero, 30 seconds is used.
	LockTTL time.Duration

	// JobBatchSize is the number of messages a background job handles per batch.
	//
	// If unset or zero, 1000 is used.
	JobBatchSize int

	// JobBatchesPerSecond paces the batches of background jobs.
	//
	// If unset or zero, 20 batches per second are allowed.
	JobBatchesPerSecond float64
}

// broker is the application context shared by the components of one
// Client, Server or Inspector.
type broker struct {
	ns     string
	logger *log.Logger
	clock  timeutil.Clock

	rdb    *rdb.RDB
	locker *lock.Locker
	states *queuestate.Manager
	jobs   *jobs.Manager
	events *eventBus

	jobBatchSize int

	// When the broker has been created with an existing Redis connection,
	// we do not want to close it.
	sharedConnection bool
}

func newBroker(c redis.UniversalClient, cfg BrokerConfig) *broker {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if err := base.ValidateNamespace(ns); err != nil {
		panic(fmt.Sprintf("titanbroker: %v", err))
	}
	var logger *log.Logger
	if cfg.DisableLogging {
		logger = log.Discard()
	} else {
		logger = log.NewLogger(cfg.Logger)
		loglevel := cfg.LogLevel
		if loglevel == level_unspecified {
			loglevel = InfoLevel
		}
		logger.SetLevel(toInternalLogLevel(loglevel))
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	batchSize := cfg.JobBatchSize
	if batchSize <= 0 {
		batchSize = defaultJobBatchSize
	}
	batchRate := rate.Limit(cfg.JobBatchesPerSecond)
	if batchRate <= 0 {
		batchRate = defaultJobBatchesPerSecond
	}

	p := pool.New(c, pool.Config{
		MaxExclusive: cfg.MaxExclusiveConns,
		MaxTxRetries: cfg.MaxTxRetries,
		Logger:       logger,
	})
	r := rdb.NewRDB(p)
	r.SetAuditPolicies(cfg.AcknowledgedAudit.internal(), cfg.DeadLetterAudit.internal())

	b := &broker{
		ns:           ns,
		logger:       logger,
		clock:        timeutil.NewRealClock(),
		rdb:          r,
		locker:       lock.NewLocker(p, logger),
		jobBatchSize: batchSize,
	}
	b.events = &eventBus{
		logger:    logger,
		rdb:       r,
		clock:     b.clock,
		publish:   cfg.EventsEnabled,
		listeners: cfg.EventListeners,
	}
	b.states = queuestate.NewManager(r, b.locker, queuestate.Config{
		LockTTL:  lockTTL,
		Logger:   logger,
		OnChange: b.queueStateChanged,
	})
	b.jobs = jobs.NewManager(r, b.locker, jobs.Config{
		LockTTL:          lockTTL,
		BatchesPerSecond: batchRate,
		OnFinish:         b.jobFinished,
		Logger:           logger,
	})
	return b
}

// setClock replaces the clock of the broker and its store. Used in tests.
func (b *broker) setClock(c timeutil.Clock) {
	b.clock = c
	b.events.clock = c
	b.rdb.SetClock(c)
}

func (b *broker) queue(name string) base.QueueRef {
	return base.QueueRef{Namespace: b.ns, Name: name}
}

func (b *broker) exchange(name string) base.ExchangeRef {
	return base.ExchangeRef{Namespace: b.ns, Name: name}
}

func (b *broker) queueStateChanged(q base.QueueRef, from, to base.QueueState) {
	b.events.emit(Event{
		Type:      EventQueueStateChanged,
		Namespace: q.Namespace,
		Queue:     q.Name,
		Detail:    from.String() + ">" + to.String(),
	})
}

func (b *broker) jobFinished(j *base.Job) {
	e := Event{Namespace: b.ns, JobID: j.ID, Detail: j.Target}
	switch j.Status {
	case base.JobCompleted:
		e.Type = EventJobCompleted
	case base.JobFailed:
		e.Type = EventJobFailed
		e.Detail = j.Target + ": " + j.Error
	case base.JobCanceled:
		e.Type = EventJobCanceled
	default:
		return
	}
	b.events.emit(e)
}

func (b *broker) close() error {
	b.jobs.Shutdown()
	if b.sharedConnection {
		return nil
	}
	return b.rdb.Close()
}
