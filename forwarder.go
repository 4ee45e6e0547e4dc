// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/schedule"
)

// A forwarder is responsible for moving scheduled and delayed messages to
// pending once they are due, and for firing recurring messages.
type forwarder struct {
	logger *log.Logger
	broker *broker

	// channel to communicate back to the long running "forwarder" goroutine.
	done chan struct{}

	// list of queues to check for due messages.
	queues []base.QueueRef

	// poll interval on average
	avgInterval time.Duration

	// number of messages forwarded in one script call.
	batchSize int
}

type forwarderParams struct {
	logger    *log.Logger
	broker    *broker
	queues    []base.QueueRef
	interval  time.Duration
	batchSize int
}

func newForwarder(params forwarderParams) *forwarder {
	return &forwarder{
		logger:      params.logger,
		broker:      params.broker,
		done:        make(chan struct{}),
		queues:      params.queues,
		avgInterval: params.interval,
		batchSize:   params.batchSize,
	}
}

func (f *forwarder) shutdown() {
	f.logger.Debug("Forwarder shutting down...")
	// Signal the forwarder goroutine to stop polling.
	f.done <- struct{}{}
}

// start starts the "forwarder" goroutine.
func (f *forwarder) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(f.avgInterval)
		for {
			select {
			case <-f.done:
				f.logger.Debug("Forwarder done")
				timer.Stop()
				return
			case <-timer.C:
				f.exec()
				timer.Reset(f.avgInterval)
			}
		}
	}()
}

func (f *forwarder) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), f.avgInterval+5*time.Second)
	defer cancel()
	for _, q := range f.queues {
		f.forward(ctx, q)
	}
}

// forward drains the due part of the scheduled index of q.
func (f *forwarder) forward(ctx context.Context, q base.QueueRef) {
	for {
		moved, recurring, err := f.broker.rdb.ForwardDue(ctx, q, f.batchSize)
		if err != nil {
			if !errors.IsQueueNotFound(err) {
				f.logger.Errorf("Failed to forward scheduled messages of %s: %v", q, err)
			}
			return
		}
		for _, id := range recurring {
			f.fire(ctx, q, id)
		}
		if moved < f.batchSize {
			return
		}
	}
}

// fire delivers one occurrence of a recurring message and reschedules it.
// Occurrences missed while no forwarder ran are delivered one per pass.
func (f *forwarder) fire(ctx context.Context, q base.QueueRef, id string) {
	tmpl, err := f.broker.rdb.GetMessage(ctx, q, id)
	if errors.IsNotFound(err) {
		return
	}
	if err != nil {
		f.logger.Errorf("Failed to read recurring message id=%s of %s: %v", id, q, err)
		return
	}
	now := f.broker.clock.Now()
	due := now
	if tmpl.NextScheduledAt > 0 {
		due = time.UnixMilli(tmpl.NextScheduledAt)
	}
	next, remaining, err := schedule.Next(schedule.PlanOf(tmpl), tmpl.RepeatRemaining, due)
	if err != nil {
		f.logger.Errorf("Recurring message id=%s of %s has an invalid schedule: %v", id, q, err)
		return
	}
	fired := tmpl.Clone(uuid.NewString(), now)
	fired.ScheduledMessageID = tmpl.ID
	fired.ScheduledDelay = 0
	fired.ScheduledCron = ""
	fired.ScheduledRepeat = 0
	fired.ScheduledRepeatPeriod = 0

	ok, err := f.broker.rdb.FireRecurring(ctx, tmpl, fired, next, remaining)
	if err != nil {
		f.logger.Errorf("Failed to fire recurring message id=%s of %s: %v", id, q, err)
		return
	}
	if !ok {
		return
	}
	f.broker.events.emit(Event{
		Type:      EventMessageProduced,
		Namespace: q.Namespace,
		Queue:     q.Name,
		Group:     fired.ConsumerGroupID,
		MessageID: fired.ID,
		Detail:    tmpl.ID,
	})
}
