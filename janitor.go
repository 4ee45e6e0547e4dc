// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/titanbroker/internal/log"
)

// janitor is responsible for periodically deleting acknowledged and
// dead-lettered messages whose audit retention expired.
type janitor struct {
	logger *log.Logger
	broker *broker

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// queues and consumer groups to clean.
	targets []consumeTarget

	// interval between cleanup runs.
	interval time.Duration

	// number of messages to delete in a single call.
	batchSize int
}

type janitorParams struct {
	logger    *log.Logger
	broker    *broker
	targets   []consumeTarget
	interval  time.Duration
	batchSize int
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:    params.logger,
		broker:    params.broker,
		done:      make(chan struct{}),
		targets:   params.targets,
		interval:  params.interval,
		batchSize: params.batchSize,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()
	for _, t := range j.targets {
		n, err := j.broker.rdb.DeleteExpiredAudit(ctx, t.queue, t.group, j.batchSize)
		if err != nil {
			j.logger.Errorf("Failed to delete expired audit messages from %s: %v", t.queue, err)
			continue
		}
		if n > 0 {
			j.logger.Debugf("Deleted %d expired audit messages from %s", n, t.queue)
		}
	}
}
