// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"time"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/schedule"
)

// MessageStatus is the lifecycle status of a message.
type MessageStatus = base.MessageStatus

const (
	StatusUnpublished    = base.StatusUnpublished
	StatusScheduled      = base.StatusScheduled
	StatusPending        = base.StatusPending
	StatusProcessing     = base.StatusProcessing
	StatusAcknowledged   = base.StatusAcknowledged
	StatusUnackDelaying  = base.StatusUnackDelaying
	StatusUnackRequeuing = base.StatusUnackRequeuing
	StatusDeadLettered   = base.StatusDeadLettered
)

// MessageType names one storage structure of a queue.
type MessageType = base.MessageType

const (
	MessageTypeScheduled    = base.MessageTypeScheduled
	MessageTypePending      = base.MessageTypePending
	MessageTypeProcessing   = base.MessageTypeProcessing
	MessageTypeAcknowledged = base.MessageTypeAcknowledged
	MessageTypeDeadLettered = base.MessageTypeDeadLettered
)

// Message priorities, honored by PRIORITY queues.
const (
	PriorityLowest      = base.PriorityLowest
	PriorityVeryLow     = base.PriorityVeryLow
	PriorityLow         = base.PriorityLow
	PriorityNormal      = base.PriorityNormal
	PriorityAboveNormal = base.PriorityAboveNormal
	PriorityHigh        = base.PriorityHigh
	PriorityVeryHigh    = base.PriorityVeryHigh
	PriorityHighest     = base.PriorityHighest
)

// Message is a unit of work exchanged through the broker.
//
// A producer fills in the destination (Queue, or Exchange and RoutingKey),
// the Body and the delivery options. The remaining fields are set by the
// broker and are read-only.
type Message struct {
	// Body is the opaque payload.
	Body []byte

	// Queue is the destination queue. It is ignored when Exchange is set.
	Queue string

	// Exchange routes the message to the queues bound to it.
	Exchange string

	// RoutingKey is matched against binding patterns of TOPIC exchanges.
	RoutingKey string

	// Priority from PriorityLowest to PriorityHighest.
	Priority int

	// TTL after which an undelivered message is dead-lettered. Zero disables expiry.
	TTL time.Duration

	// RetryThreshold is the number of redeliveries allowed after a failure
	// before the message is dead-lettered.
	RetryThreshold int

	// RetryDelay is the wait between a failure and the next delivery.
	RetryDelay time.Duration

	// ConsumeTimeout bounds one handler invocation. Zero uses the server default.
	ConsumeTimeout time.Duration

	// ScheduledDelay postpones the first delivery.
	ScheduledDelay time.Duration

	// Cron makes the message recurring on a five-field cron schedule.
	Cron string

	// Repeat is the number of extra deliveries, RepeatPeriod apart, after
	// each cron occurrence, or after the first delivery without Cron.
	Repeat       int
	RepeatPeriod time.Duration

	// Read-only fields.

	ID                 string
	Namespace          string
	ConsumerGroup      string
	ScheduledMessageID string
	Status             MessageStatus
	Attempts           int
	LastUnackCause     string
	CreatedAt          time.Time
	ConsumerID         string
}

func (m *Message) plan() schedule.Plan {
	return schedule.Plan{
		Delay:        m.ScheduledDelay,
		Cron:         m.Cron,
		Repeat:       m.Repeat,
		RepeatPeriod: m.RepeatPeriod,
	}
}

// toBase builds the stored form of the message for queue q.
func (m *Message) toBase(id string, q base.QueueRef, group string, now time.Time) *base.Message {
	msg := &base.Message{
		ID:                    id,
		Body:                  m.Body,
		Queue:                 q,
		ConsumerGroupID:       group,
		Priority:              m.Priority,
		TTL:                   m.TTL.Milliseconds(),
		RetryThreshold:        m.RetryThreshold,
		RetryDelay:            m.RetryDelay.Milliseconds(),
		ConsumeTimeout:        m.ConsumeTimeout.Milliseconds(),
		ScheduledDelay:        m.ScheduledDelay.Milliseconds(),
		ScheduledCron:         m.Cron,
		ScheduledRepeat:       m.Repeat,
		ScheduledRepeatPeriod: m.RepeatPeriod.Milliseconds(),
		RoutingKey:            m.RoutingKey,
		CreatedAt:             now.UnixMilli(),
	}
	if m.Exchange != "" {
		msg.Exchange = &base.ExchangeRef{Namespace: q.Namespace, Name: m.Exchange}
	}
	return msg
}

func newMessage(msg *base.Message) *Message {
	m := &Message{
		Body:               msg.Body,
		Queue:              msg.Queue.Name,
		RoutingKey:         msg.RoutingKey,
		Priority:           msg.Priority,
		TTL:                time.Duration(msg.TTL) * time.Millisecond,
		RetryThreshold:     msg.RetryThreshold,
		RetryDelay:         time.Duration(msg.RetryDelay) * time.Millisecond,
		ConsumeTimeout:     time.Duration(msg.ConsumeTimeout) * time.Millisecond,
		ScheduledDelay:     time.Duration(msg.ScheduledDelay) * time.Millisecond,
		Cron:               msg.ScheduledCron,
		Repeat:             msg.ScheduledRepeat,
		RepeatPeriod:       time.Duration(msg.ScheduledRepeatPeriod) * time.Millisecond,
		ID:                 msg.ID,
		Namespace:          msg.Queue.Namespace,
		ConsumerGroup:      msg.ConsumerGroupID,
		ScheduledMessageID: msg.ScheduledMessageID,
		Status:             msg.Status,
		Attempts:           msg.Attempts,
		LastUnackCause:     msg.LastUnackCause,
		CreatedAt:          time.UnixMilli(msg.CreatedAt),
		ConsumerID:         msg.ConsumerID,
	}
	if msg.Exchange != nil {
		m.Exchange = msg.Exchange.Name
	}
	return m
}
