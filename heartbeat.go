// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/log"
)

// heartbeater is responsible for writing consumer information to redis
// periodically and for renewing the leases of in-flight messages.
type heartbeater struct {
	logger *log.Logger
	broker *broker

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	// interval between heartbeats.
	interval time.Duration

	// leaseDuration is how far each beat pushes the lease of in-flight messages.
	leaseDuration time.Duration

	// consumers of the server. Only the heartbeater goroutine touches them
	// once started.
	consumers []*base.ConsumerInfo

	// workers maps message id to the in-flight worker.
	workers map[string]*workerInfo

	starting <-chan *workerInfo
	finished <-chan *base.Message
}

// workerInfo holds an active worker information.
type workerInfo struct {
	// the message the worker is processing.
	msg *base.Message
	// the time the worker has started processing the message.
	started time.Time
	// consumer running the worker.
	consumerID string
}

type heartbeaterParams struct {
	logger        *log.Logger
	broker        *broker
	interval      time.Duration
	leaseDuration time.Duration
	consumers     []*base.ConsumerInfo
	starting      <-chan *workerInfo
	finished      <-chan *base.Message
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	return &heartbeater{
		logger:        params.logger,
		broker:        params.broker,
		done:          make(chan struct{}),
		interval:      params.interval,
		leaseDuration: params.leaseDuration,
		consumers:     params.consumers,
		workers:       make(map[string]*workerInfo),
		starting:      params.starting,
		finished:      params.finished,
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	// Signal the heartbeater goroutine to stop.
	h.done <- struct{}{}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	now := h.broker.clock.Now()
	for _, c := range h.consumers {
		c.Started = now
	}
	h.beat()
	for _, c := range h.consumers {
		h.emit(EventConsumerUp, c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				h.clear()
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return

			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)

			case w := <-h.starting:
				h.workers[w.msg.ID] = w

			case msg := <-h.finished:
				delete(h.workers, msg.ID)
			}
		}
	}()
}

func (h *heartbeater) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	active := make(map[string]int)
	leased := make(map[consumeTarget][]string)
	for id, w := range h.workers {
		active[w.consumerID]++
		t := consumeTarget{queue: w.msg.Queue, group: w.msg.ConsumerGroupID}
		leased[t] = append(leased[t], id)
	}

	// Consumer info expires after two missed beats.
	ttl := h.interval * 2
	for _, c := range h.consumers {
		c.Active = active[c.ID]
		if err := h.broker.rdb.WriteConsumerState(ctx, c, ttl); err != nil {
			h.logger.Errorf("Failed to write consumer state of %s: %v", c.Queue, err)
			continue
		}
		h.emit(EventConsumerHeartbeat, c)
	}

	deadline := h.broker.clock.Now().Add(h.leaseDuration)
	for t, ids := range leased {
		if err := h.broker.rdb.ExtendLease(ctx, t.queue, t.group, deadline, ids...); err != nil {
			h.logger.Errorf("Failed to extend lease of %d messages in %s: %v", len(ids), t.queue, err)
		}
	}
}

func (h *heartbeater) clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range h.consumers {
		if err := h.broker.rdb.ClearConsumerState(ctx, c.Queue, c.ID); err != nil {
			h.logger.Errorf("Failed to clear consumer state of %s: %v", c.Queue, err)
		}
		h.emit(EventConsumerDown, c)
	}
}

func (h *heartbeater) emit(t EventType, c *base.ConsumerInfo) {
	h.broker.events.emit(Event{
		Type:       t,
		Namespace:  c.Queue.Namespace,
		Queue:      c.Queue.Name,
		Group:      c.Group,
		ConsumerID: c.ID,
	})
}
