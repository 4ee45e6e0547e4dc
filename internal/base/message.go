// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hemant/titanbroker/internal/errors"
)

// MessageStatus denotes the lifecycle status of a message.
type MessageStatus int

const (
	StatusUnpublished MessageStatus = iota + 1
	StatusScheduled
	StatusPending
	StatusProcessing
	StatusAcknowledged
	StatusUnackDelaying
	StatusUnackRequeuing
	StatusDeadLettered
)

var messageStatuses = map[MessageStatus]string{
	StatusUnpublished:    "unpublished",
	StatusScheduled:      "scheduled",
	StatusPending:        "pending",
	StatusProcessing:     "processing",
	StatusAcknowledged:   "acknowledged",
	StatusUnackDelaying:  "unack_delaying",
	StatusUnackRequeuing: "unack_requeuing",
	StatusDeadLettered:   "dead_lettered",
}

func (s MessageStatus) String() string {
	if v, ok := messageStatuses[s]; ok {
		return v
	}
	panic(fmt.Sprintf("internal error: unknown message status %d", s))
}

// MessageStatusFromString parses the stored representation of a status.
func MessageStatusFromString(s string) (MessageStatus, error) {
	for k, v := range messageStatuses {
		if v == s {
			return k, nil
		}
	}
	return 0, errors.E(errors.Internal, fmt.Sprintf("%q is not a message status", s))
}

// statusGraph lists the statuses a message may move to from each status.
var statusGraph = map[MessageStatus][]MessageStatus{
	StatusUnpublished:    {StatusScheduled, StatusPending},
	StatusScheduled:      {StatusPending},
	StatusPending:        {StatusProcessing, StatusDeadLettered},
	StatusUnackRequeuing: {StatusProcessing, StatusDeadLettered},
	StatusProcessing:     {StatusAcknowledged, StatusUnackDelaying, StatusUnackRequeuing, StatusDeadLettered},
	StatusUnackDelaying:  {StatusPending},
}

// CanMoveTo reports whether a message in status s may move to status next.
func (s MessageStatus) CanMoveTo(next MessageStatus) bool {
	for _, n := range statusGraph[s] {
		if n == next {
			return true
		}
	}
	return false
}

// MessageType denotes a storage structure of a queue.
type MessageType int

const (
	MessageTypeScheduled MessageType = iota + 1
	MessageTypePending
	MessageTypeProcessing
	MessageTypeAcknowledged
	MessageTypeDeadLettered
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeScheduled:
		return "scheduled"
	case MessageTypePending:
		return "pending"
	case MessageTypeProcessing:
		return "processing"
	case MessageTypeAcknowledged:
		return "acknowledged"
	case MessageTypeDeadLettered:
		return "deadlettered"
	}
	panic(fmt.Sprintf("internal error: unknown message type %d", t))
}

// MessageTypeFromString parses a message type name.
func MessageTypeFromString(s string) (MessageType, error) {
	switch s {
	case "scheduled":
		return MessageTypeScheduled, nil
	case "pending":
		return MessageTypePending, nil
	case "processing":
		return MessageTypeProcessing, nil
	case "acknowledged":
		return MessageTypeAcknowledged, nil
	case "deadlettered", "dead_lettered":
		return MessageTypeDeadLettered, nil
	}
	return 0, errors.E(errors.InvalidArgument, fmt.Sprintf("%q is not a supported message type", s))
}

// AllMessageTypes lists every storage structure of a queue.
var AllMessageTypes = []MessageType{
	MessageTypeScheduled,
	MessageTypePending,
	MessageTypeProcessing,
	MessageTypeAcknowledged,
	MessageTypeDeadLettered,
}

// Message priorities. Higher values are delivered first from PRIORITY queues.
const (
	PriorityLowest = iota
	PriorityVeryLow
	PriorityLow
	PriorityNormal
	PriorityAboveNormal
	PriorityHigh
	PriorityVeryHigh
	PriorityHighest
)

// ValidatePriority returns an error if p is out of the supported range.
func ValidatePriority(p int) error {
	if p < PriorityLowest || p > PriorityHighest {
		return errors.E(errors.InvalidArgument, fmt.Sprintf("priority %d is out of range [%d, %d]", p, PriorityLowest, PriorityHighest))
	}
	return nil
}

// Unack causes recorded on requeue.
const (
	CauseHandlerError = "handler_error"
	CauseTimeout      = "timeout"
	CauseTTLExpired   = "ttl_expired"
	CauseShutdown     = "shutdown"
	CauseRejected     = "rejected"
)

// Message is the internal representation of a message with additional metadata fields.
// The immutable part is JSON encoded into the "msg" field of the message hash;
// status, attempts and transition timestamps live in their own hash fields.
type Message struct {
	// ID is a unique identifier for each message.
	ID string `json:"id"`

	// Body holds the opaque message payload.
	Body []byte `json:"body"`

	// Queue is the destination queue of this message copy.
	Queue QueueRef `json:"queue"`

	// ConsumerGroupID is set for copies delivered to a PUB_SUB queue.
	ConsumerGroupID string `json:"consumer_group_id,omitempty"`

	// Priority is honored by PRIORITY queues only.
	Priority int `json:"priority"`

	// TTL in milliseconds. Zero disables expiry.
	TTL int64 `json:"ttl,omitempty"`

	// RetryThreshold is the number of redeliveries allowed before dead-lettering.
	RetryThreshold int `json:"retry_threshold"`

	// RetryDelay in milliseconds between a failure and the next delivery.
	RetryDelay int64 `json:"retry_delay,omitempty"`

	// ConsumeTimeout in milliseconds. Zero uses the consumer default.
	ConsumeTimeout int64 `json:"consume_timeout,omitempty"`

	// ScheduledDelay in milliseconds before the first delivery.
	ScheduledDelay int64 `json:"scheduled_delay,omitempty"`

	// ScheduledCron is a five-field cron expression.
	ScheduledCron string `json:"scheduled_cron,omitempty"`

	// ScheduledRepeat is the number of extra deliveries, ScheduledRepeatPeriod
	// apart, after each cron occurrence (or after the first delivery without cron).
	ScheduledRepeat int `json:"scheduled_repeat,omitempty"`

	// ScheduledRepeatPeriod in milliseconds.
	ScheduledRepeatPeriod int64 `json:"scheduled_repeat_period,omitempty"`

	// Exchange is the exchange this message was routed through, if any.
	Exchange *ExchangeRef `json:"exchange,omitempty"`

	// RoutingKey used for TOPIC exchanges.
	RoutingKey string `json:"routing_key,omitempty"`

	// ScheduledMessageID links a copy fired from a recurring message to its template.
	ScheduledMessageID string `json:"scheduled_message_id,omitempty"`

	// CreatedAt is the creation time in Unix milliseconds.
	CreatedAt int64 `json:"created_at"`

	// Fields below are populated from dedicated hash fields on read.

	Status               MessageStatus `json:"-"`
	Attempts             int           `json:"-"`
	LastUnackCause       string        `json:"-"`
	PublishedAt          int64         `json:"-"`
	ScheduledAt          int64         `json:"-"`
	ProcessingStartedAt  int64         `json:"-"`
	AcknowledgedAt       int64         `json:"-"`
	RequeuedAt           int64         `json:"-"`
	DeadLetteredAt       int64         `json:"-"`
	LastUnacknowledgedAt int64         `json:"-"`
	NextScheduledAt      int64         `json:"-"`
	RepeatRemaining      int           `json:"-"`
	ConsumerID           string        `json:"-"`
}

// IsRecurring reports whether the message is fired more than once by the scheduler.
func (m *Message) IsRecurring() bool {
	return m.ScheduledCron != "" || (m.ScheduledRepeat > 0 && m.ScheduledRepeatPeriod > 0)
}

// IsScheduled reports whether the message goes to the due-time index on enqueue.
func (m *Message) IsScheduled() bool {
	return m.ScheduledDelay > 0 || m.IsRecurring()
}

// ExpireAt returns the expiry instant in Unix milliseconds, or zero.
func (m *Message) ExpireAt() int64 {
	if m.TTL <= 0 {
		return 0
	}
	return m.CreatedAt + m.TTL
}

// Clone returns a copy of the message's immutable part under a new id.
func (m *Message) Clone(id string, createdAt time.Time) *Message {
	c := &Message{
		ID:                    id,
		Body:                  append([]byte(nil), m.Body...),
		Queue:                 m.Queue,
		ConsumerGroupID:       m.ConsumerGroupID,
		Priority:              m.Priority,
		TTL:                   m.TTL,
		RetryThreshold:        m.RetryThreshold,
		RetryDelay:            m.RetryDelay,
		ConsumeTimeout:        m.ConsumeTimeout,
		ScheduledDelay:        m.ScheduledDelay,
		ScheduledCron:         m.ScheduledCron,
		ScheduledRepeat:       m.ScheduledRepeat,
		ScheduledRepeatPeriod: m.ScheduledRepeatPeriod,
		RoutingKey:            m.RoutingKey,
		ScheduledMessageID:    m.ScheduledMessageID,
		CreatedAt:             createdAt.UnixMilli(),
	}
	if m.Exchange != nil {
		ex := *m.Exchange
		c.Exchange = &ex
	}
	return c
}

// EncodeMessage marshals the given message and returns an encoded bytes.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
