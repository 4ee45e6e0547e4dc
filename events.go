// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/rdb"
	"github.com/hemant/titanbroker/internal/timeutil"
)

// EventType names a broker event.
type EventType string

const (
	EventQueueCreated        EventType = "queue_created"
	EventQueueDeleted        EventType = "queue_deleted"
	EventQueueStateChanged   EventType = "queue_state_changed"
	EventMessageProduced     EventType = "message_produced"
	EventMessageAcknowledged EventType = "message_acknowledged"
	EventMessageRequeued     EventType = "message_requeued"
	EventMessageDeadLettered EventType = "message_dead_lettered"
	EventConsumerUp          EventType = "consumer_up"
	EventConsumerDown        EventType = "consumer_down"
	EventConsumerHeartbeat   EventType = "consumer_heartbeat"
	EventJobCompleted        EventType = "job_completed"
	EventJobFailed           EventType = "job_failed"
	EventJobCanceled         EventType = "job_canceled"
)

// Event describes something that happened in the broker.
// Fields that do not apply to the event type are left empty.
type Event struct {
	Type       EventType `json:"type"`
	Namespace  string    `json:"namespace,omitempty"`
	Queue      string    `json:"queue,omitempty"`
	Group      string    `json:"group,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ConsumerID string    `json:"consumer_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// An EventListener is called synchronously for every event emitted by
// the process. It must not block.
type EventListener func(*Event)

// eventBus delivers events to the in-process listeners and, when enabled,
// publishes them on the store's event channel.
type eventBus struct {
	logger    *log.Logger
	rdb       *rdb.RDB
	clock     timeutil.Clock
	publish   bool
	listeners []EventListener
}

func (b *eventBus) emit(e Event) {
	e.Time = b.clock.Now()
	for _, l := range b.listeners {
		ev := e
		l(&ev)
	}
	if !b.publish {
		return
	}
	data, err := json.Marshal(&e)
	if err != nil {
		b.logger.Errorf("Could not encode %s event: %v", e.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.PublishEvent(ctx, data); err != nil {
		b.logger.Warnf("Could not publish %s event: %v", e.Type, err)
	}
}

// EventSubscription receives the events published by every broker process
// sharing the store.
type EventSubscription struct {
	pubsub *redis.PubSub
	logger *log.Logger
	ch     chan *Event

	once sync.Once
	done chan struct{}
}

func newEventSubscription(ps *redis.PubSub, logger *log.Logger) *EventSubscription {
	s := &EventSubscription{
		pubsub: ps,
		logger: logger,
		ch:     make(chan *Event, 64),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *EventSubscription) loop() {
	defer close(s.ch)
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
				s.logger.Warnf("Dropping malformed event: %v", err)
				continue
			}
			select {
			case s.ch <- &e:
			case <-s.done:
				return
			}
		}
	}
}

// Channel returns the channel of received events. It is closed when the
// subscription is closed.
func (s *EventSubscription) Channel() <-chan *Event {
	return s.ch
}

// Close ends the subscription.
func (s *EventSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
