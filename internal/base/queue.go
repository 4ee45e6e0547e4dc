// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"fmt"
	"time"

	"github.com/hemant/titanbroker/internal/errors"
)

// QueueRef identifies a queue by namespace and name.
type QueueRef struct {
	Namespace string `json:"ns"`
	Name      string `json:"name"`
}

func (q QueueRef) String() string {
	return q.Name + "@" + q.Namespace
}

// Validate returns a validation error for malformed references.
func (q QueueRef) Validate() error {
	if err := ValidateNamespace(q.Namespace); err != nil {
		return err
	}
	return ValidateName("queue", q.Name)
}

// QueueType selects the storage of the pending structure.
type QueueType int

const (
	QueueTypeFIFO QueueType = iota + 1
	QueueTypeLIFO
	QueueTypePriority
)

func (t QueueType) String() string {
	switch t {
	case QueueTypeFIFO:
		return "fifo"
	case QueueTypeLIFO:
		return "lifo"
	case QueueTypePriority:
		return "priority"
	}
	panic(fmt.Sprintf("internal error: unknown queue type %d", t))
}

// QueueTypeFromString parses a queue type name.
func QueueTypeFromString(s string) (QueueType, error) {
	switch s {
	case "fifo":
		return QueueTypeFIFO, nil
	case "lifo":
		return QueueTypeLIFO, nil
	case "priority":
		return QueueTypePriority, nil
	}
	return 0, errors.E(errors.InvalidArgument, fmt.Sprintf("%q is not a supported queue type", s))
}

// DeliveryModel selects how a produced message is delivered to consumers.
type DeliveryModel int

const (
	DeliveryPointToPoint DeliveryModel = iota + 1
	DeliveryPubSub
)

func (d DeliveryModel) String() string {
	switch d {
	case DeliveryPointToPoint:
		return "point_to_point"
	case DeliveryPubSub:
		return "pub_sub"
	}
	panic(fmt.Sprintf("internal error: unknown delivery model %d", d))
}

// DeliveryModelFromString parses a delivery model name.
func DeliveryModelFromString(s string) (DeliveryModel, error) {
	switch s {
	case "point_to_point":
		return DeliveryPointToPoint, nil
	case "pub_sub":
		return DeliveryPubSub, nil
	}
	return 0, errors.E(errors.InvalidArgument, fmt.Sprintf("%q is not a supported delivery model", s))
}

// RateLimit is a fixed-window throttle: at most Limit fetches per Interval.
type RateLimit struct {
	Limit    int64
	Interval time.Duration
}

// Validate returns a validation error for non-positive settings.
func (rl RateLimit) Validate() error {
	if rl.Limit <= 0 {
		return errors.E(errors.InvalidArgument, "rate limit must be greater than zero")
	}
	if rl.Interval < time.Millisecond {
		return errors.E(errors.InvalidArgument, "rate limit interval must be at least 1ms")
	}
	return nil
}

// QueueProperties holds queue attributes persisted in the queue properties hash.
type QueueProperties struct {
	Queue         QueueRef
	Type          QueueType
	DeliveryModel DeliveryModel
	State         QueueState
	RateLimit     *RateLimit
	CreatedAt     time.Time
}

// ValidateGroupFor checks the consumer-group rule of the delivery model:
// PUB_SUB requires a group id, POINT_TO_POINT forbids one.
func (p *QueueProperties) ValidateGroupFor(group string) error {
	switch p.DeliveryModel {
	case DeliveryPubSub:
		if group == "" {
			return errors.E(errors.InvalidArgument, fmt.Sprintf("queue %s is pub_sub: a consumer group is required", p.Queue))
		}
	case DeliveryPointToPoint:
		if group != "" {
			return errors.E(errors.InvalidArgument, fmt.Sprintf("queue %s is point_to_point: a consumer group is not allowed", p.Queue))
		}
	}
	return nil
}

// QueueCounts holds per-structure sizes of a queue (or one of its groups).
type QueueCounts struct {
	Scheduled    int64
	Pending      int64
	Processing   int64
	Acknowledged int64
	DeadLettered int64
}

// Total returns the sum of all structures.
func (c QueueCounts) Total() int64 {
	return c.Scheduled + c.Pending + c.Processing + c.Acknowledged + c.DeadLettered
}

// ConsumerInfo holds heartbeat information about a running consumer.
type ConsumerInfo struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	PID         int       `json:"pid"`
	Queue       QueueRef  `json:"queue"`
	Group       string    `json:"group,omitempty"`
	Concurrency int       `json:"concurrency"`
	Active      int       `json:"active"`
	Started     time.Time `json:"started"`
}

// AuditPolicy controls retention of messages that reached a terminal status.
type AuditPolicy struct {
	// Store keeps the message in the archive. When false the message is
	// deleted on reaching the terminal status.
	Store bool

	// QueueSize caps the archive. Zero means no cap.
	QueueSize int64

	// Expire is how long an archived message is kept. Zero means forever.
	Expire time.Duration
}

// DefaultAuditPolicy keeps every terminal message until purged.
var DefaultAuditPolicy = AuditPolicy{Store: true}
