// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"strconv"
)

// Global Redis keys.
const (
	AllNamespaces = "titanbroker:namespaces" // SET
	AllJobs       = "titanbroker:jobs"       // ZSET
	EventsChannel = "titanbroker:events"     // PubSub channel
)

// NamespaceKeyPrefix returns a prefix for namespace scoped keys.
func NamespaceKeyPrefix(ns string) string {
	return "titanbroker:" + ns + ":"
}

// AllQueuesKey returns a redis key for the set of queue names in the namespace.
func AllQueuesKey(ns string) string {
	return NamespaceKeyPrefix(ns) + "queues"
}

// AllExchangesKey returns a redis key for the set of exchange names in the namespace.
func AllExchangesKey(ns string) string {
	return NamespaceKeyPrefix(ns) + "exchanges"
}

// ExchangeKey returns a redis key for the exchange properties hash.
func ExchangeKey(ex ExchangeRef) string {
	return NamespaceKeyPrefix(ex.Namespace) + "exchange:" + ex.Name
}

// ExchangeBindingsKey returns a redis key for the exchange's binding set.
func ExchangeBindingsKey(ex ExchangeRef) string {
	return ExchangeKey(ex) + ":bindings"
}

// QueueKeyPrefix returns a prefix for all keys in the given queue.
// The hash tag keeps every key of a queue in one cluster slot so that
// a single script may touch all of them.
func QueueKeyPrefix(q QueueRef) string {
	return "titanbroker:{" + q.Namespace + ":" + q.Name + "}:"
}

// GroupKeyPrefix returns a prefix for keys owned by a consumer group of the queue.
// An empty group yields the queue-level prefix.
func GroupKeyPrefix(q QueueRef, group string) string {
	if group == "" {
		return QueueKeyPrefix(q)
	}
	return QueueKeyPrefix(q) + "g:" + group + ":"
}

// PropertiesKey returns a redis key for the queue properties hash.
func PropertiesKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "props"
}

// SequenceKey returns a redis key for the queue's monotonic arrival counter.
func SequenceKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "seq"
}

// GroupsKey returns a redis key for the queue's consumer group set.
func GroupsKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "groups"
}

// ConsumersKey returns a redis key for the queue's consumer heartbeat ZSET.
func ConsumersKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "consumers"
}

// ConsumerInfoKey returns a redis key for the hash of consumer heartbeat payloads.
func ConsumerInfoKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "consumer-info"
}

// BoundExchangesKey returns a redis key for the set of exchanges the queue is bound to.
func BoundExchangesKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "exchanges"
}

// MessageKeyPrefix returns a prefix for message keys.
func MessageKeyPrefix(q QueueRef) string {
	return QueueKeyPrefix(q) + "m:"
}

// MessageKey returns a redis key for the given message.
func MessageKey(q QueueRef, id string) string {
	return MessageKeyPrefix(q) + id
}

// ScheduledKey returns a redis key for the due-time index of the queue.
func ScheduledKey(q QueueRef) string {
	return QueueKeyPrefix(q) + "scheduled"
}

// PendingKey returns a redis key for the pending structure.
func PendingKey(q QueueRef, group string) string {
	return GroupKeyPrefix(q, group) + "pending"
}

// ProcessingKey returns a redis key for the processing leases.
func ProcessingKey(q QueueRef, group string) string {
	return GroupKeyPrefix(q, group) + "processing"
}

// AcknowledgedKey returns a redis key for the acknowledged archive.
func AcknowledgedKey(q QueueRef, group string) string {
	return GroupKeyPrefix(q, group) + "acknowledged"
}

// DeadLetteredKey returns a redis key for the dead-letter archive.
func DeadLetteredKey(q QueueRef, group string) string {
	return GroupKeyPrefix(q, group) + "deadlettered"
}

// RateLimitKeyPrefix returns a prefix for rate limit window counters.
func RateLimitKeyPrefix(q QueueRef) string {
	return QueueKeyPrefix(q) + "ratelimit:"
}

// RateLimitKey returns a redis key for the counter of the given window bucket.
func RateLimitKey(q QueueRef, bucket int64) string {
	return RateLimitKeyPrefix(q) + strconv.FormatInt(bucket, 10)
}

// KeyForType returns the storage key holding messages of the given type.
func KeyForType(q QueueRef, group string, t MessageType) string {
	switch t {
	case MessageTypeScheduled:
		return ScheduledKey(q)
	case MessageTypePending:
		return PendingKey(q, group)
	case MessageTypeProcessing:
		return ProcessingKey(q, group)
	case MessageTypeAcknowledged:
		return AcknowledgedKey(q, group)
	case MessageTypeDeadLettered:
		return DeadLetteredKey(q, group)
	}
	panic("base: unknown message type " + strconv.Itoa(int(t)))
}

// LockKey returns a redis key for the named distributed lock.
func LockKey(name string) string {
	return "titanbroker:lock:" + name
}

// QueueStateLockName returns the lock name serializing state transitions of the queue.
func QueueStateLockName(q QueueRef) string {
	return "queue-state:" + q.Namespace + ":" + q.Name
}

// JobTargetLockName returns the lock name guarding a background job target.
func JobTargetLockName(target string) string {
	return "job-target:" + target
}

// JobKey returns a redis key for the background job record.
func JobKey(id string) string {
	return "titanbroker:job:" + id
}
