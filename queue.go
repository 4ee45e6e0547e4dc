// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"time"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/rdb"
)

// QueueType selects the delivery order of a queue.
type QueueType = base.QueueType

const (
	FIFO     = base.QueueTypeFIFO
	LIFO     = base.QueueTypeLIFO
	Priority = base.QueueTypePriority
)

// DeliveryModel selects how a queue shares its messages between consumers.
type DeliveryModel = base.DeliveryModel

const (
	// PointToPoint delivers each message to one consumer.
	PointToPoint = base.DeliveryPointToPoint

	// PubSub delivers each message once to every consumer group of the queue.
	PubSub = base.DeliveryPubSub
)

// QueueState is the operational state of a queue. Messages are produced
// and consumed only while the queue is up.
type QueueState = base.QueueState

const (
	QueueUp        = base.QueueStateUp
	QueueGoingUp   = base.QueueStateGoingUp
	QueueGoingDown = base.QueueStateGoingDown
	QueueDown      = base.QueueStateDown
	QueueLocked    = base.QueueStateLocked
)

// ExchangeType selects how an exchange routes messages.
type ExchangeType = base.ExchangeType

const (
	Direct = base.ExchangeDirect
	Fanout = base.ExchangeFanout
	Topic  = base.ExchangeTopic
)

// RateLimit allows at most Limit fetches per Interval on a queue.
type RateLimit struct {
	Limit    int64
	Interval time.Duration
}

// Queue describes a queue.
type Queue struct {
	Name          string
	Namespace     string
	Type          QueueType
	DeliveryModel DeliveryModel
	State         QueueState
	RateLimit     *RateLimit
	CreatedAt     time.Time
}

func newQueue(p *base.QueueProperties) *Queue {
	q := &Queue{
		Name:          p.Queue.Name,
		Namespace:     p.Queue.Namespace,
		Type:          p.Type,
		DeliveryModel: p.DeliveryModel,
		State:         p.State,
		CreatedAt:     p.CreatedAt,
	}
	if p.RateLimit != nil {
		q.RateLimit = &RateLimit{Limit: p.RateLimit.Limit, Interval: p.RateLimit.Interval}
	}
	return q
}

// MessageCounts holds the number of messages in each structure.
type MessageCounts struct {
	Scheduled    int64
	Pending      int64
	Processing   int64
	Acknowledged int64
	DeadLettered int64
}

// Total returns the sum of all counts.
func (c MessageCounts) Total() int64 {
	return c.Scheduled + c.Pending + c.Processing + c.Acknowledged + c.DeadLettered
}

// QueueInfo holds a queue and the sizes of its structures.
type QueueInfo struct {
	*Queue

	// Counts holds queue-level sizes. Messages of PUB_SUB queues other
	// than scheduled ones are counted per group in Groups.
	Counts MessageCounts

	// Groups holds per consumer group sizes of PUB_SUB queues.
	Groups map[string]MessageCounts

	// Consumers is the number of consumers with a live heartbeat.
	Consumers int64
}

// Size returns the number of messages held by the queue.
func (i *QueueInfo) Size() int64 {
	n := i.Counts.Total()
	for _, c := range i.Groups {
		n += c.Total()
	}
	return n
}

func newQueueInfo(info *rdb.QueueInfo) *QueueInfo {
	qi := &QueueInfo{
		Queue:     newQueue(info.Props),
		Counts:    MessageCounts(info.Counts),
		Consumers: info.Consumers,
	}
	if info.Props.DeliveryModel == base.DeliveryPubSub {
		qi.Groups = make(map[string]MessageCounts, len(info.Groups))
		for g, c := range info.Groups {
			qi.Groups[g] = MessageCounts(c)
		}
	}
	return qi
}
