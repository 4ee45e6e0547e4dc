// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import "github.com/hemant/titanbroker/internal/errors"

// Sentinel errors reported by the broker. Use errors.Is to test for them.
var (
	// ErrNoMatchedQueue indicates that a produced message resolved to zero destination queues.
	ErrNoMatchedQueue = errors.ErrNoMatchedQueue

	// ErrNoConsumerGroup indicates that a PUB_SUB queue has no consumer group to deliver to.
	ErrNoConsumerGroup = errors.ErrNoConsumerGroup

	// ErrOperationForbidden indicates that the queue is not UP.
	ErrOperationForbidden = errors.ErrOperationForbidden

	// ErrTargetLocked indicates that a background job already holds the target.
	ErrTargetLocked = errors.ErrTargetLocked

	// ErrLockNotAcquired indicates that a maintenance lock is held by someone else.
	ErrLockNotAcquired = errors.ErrLockNotAcquired

	// ErrLockOwnerMismatch indicates that a lock was lost while in use.
	ErrLockOwnerMismatch = errors.ErrLockOwnerMismatch

	ErrMaxRetriesExceeded    = errors.ErrMaxRetriesExceeded
	ErrQueueNotEmpty         = errors.ErrQueueNotEmpty
	ErrExchangeHasBindings   = errors.ErrExchangeHasBindings
	ErrConsumerGroupNotEmpty = errors.ErrConsumerGroupNotEmpty
)

// Typed errors carried in the chain of returned errors. Use errors.As to
// extract them.
type (
	QueueNotFoundError         = errors.QueueNotFoundError
	QueueAlreadyExistsError    = errors.QueueAlreadyExistsError
	ExchangeNotFoundError      = errors.ExchangeNotFoundError
	MessageNotFoundError       = errors.MessageNotFoundError
	ConsumerGroupNotFoundError = errors.ConsumerGroupNotFoundError
	RateLimitedError           = errors.RateLimitedError
)

// IsValidation reports whether err is caused by invalid input.
// Such errors are never worth retrying.
func IsValidation(err error) bool { return errors.IsValidation(err) }

// IsNotFound reports whether err is caused by a missing queue, exchange,
// consumer group, message or job.
func IsNotFound(err error) bool { return errors.IsNotFound(err) }

// IsConflict reports whether err is caused by the current state of the
// broker: an existing name, a non-empty queue, a held lock, a queue that
// is not up.
func IsConflict(err error) bool { return errors.IsConflict(err) }

// IsConcurrency reports whether an optimistic transaction kept losing
// to concurrent writers.
func IsConcurrency(err error) bool { return errors.IsConcurrency(err) }

// IsTransient reports whether err is caused by the store being unreachable.
func IsTransient(err error) bool { return errors.IsTransient(err) }

// IsScript reports whether a server-side script failed unexpectedly.
func IsScript(err error) bool { return errors.IsScript(err) }

func IsQueueNotFound(err error) bool         { return errors.IsQueueNotFound(err) }
func IsExchangeNotFound(err error) bool      { return errors.IsExchangeNotFound(err) }
func IsMessageNotFound(err error) bool       { return errors.IsMessageNotFound(err) }
func IsConsumerGroupNotFound(err error) bool { return errors.IsConsumerGroupNotFound(err) }
func IsRateLimited(err error) bool           { return errors.IsRateLimited(err) }
