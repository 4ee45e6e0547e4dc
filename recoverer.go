// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/log"
)

// errLeaseExpired is passed to the RetryDelayFunc for recovered messages.
var errLeaseExpired = errors.New("consumer lease expired")

// recoverer takes back messages whose consumer lease lapsed, typically
// because the consumer process died, and redelivers them.
type recoverer struct {
	logger         *log.Logger
	broker         *broker
	retryDelayFunc RetryDelayFunc

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// queues and consumer groups to check.
	targets []consumeTarget

	// poll interval.
	interval time.Duration
}

type recovererParams struct {
	logger         *log.Logger
	broker         *broker
	retryDelayFunc RetryDelayFunc
	targets        []consumeTarget
	interval       time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:         params.logger,
		broker:         params.broker,
		retryDelayFunc: params.retryDelayFunc,
		done:           make(chan struct{}),
		targets:        params.targets,
		interval:       params.interval,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop polling.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.recover()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.recover()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *recoverer) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	now := r.broker.clock.Now()
	for _, t := range r.targets {
		ids, err := r.broker.rdb.ListLeaseExpired(ctx, t.queue, t.group, now)
		if err != nil {
			r.logger.Warnf("recoverer: could not list lease expired messages of %s: %v", t.queue, err)
			continue
		}
		for _, id := range ids {
			msg, err := r.broker.rdb.GetMessage(ctx, t.queue, id)
			if errors.IsNotFound(err) {
				continue
			}
			if err != nil {
				r.logger.Warnf("recoverer: could not read message id=%s of %s: %v", id, t.queue, err)
				continue
			}
			requeueMessage(r.broker, r.logger, msg, base.CauseTimeout, r.retryDelay(msg), "")
		}
	}
}

func (r *recoverer) retryDelay(msg *base.Message) time.Duration {
	if msg.RetryDelay > 0 {
		return time.Duration(msg.RetryDelay) * time.Millisecond
	}
	if r.retryDelayFunc != nil {
		return r.retryDelayFunc(msg.Attempts, errLeaseExpired, newMessage(msg))
	}
	return 0
}
