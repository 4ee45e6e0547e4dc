// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors defines the error type and functions used by
// titanbroker and its internal packages.
package errors

// Note: This package is inspired by a blog post about error handling in project Upspin
// https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html.

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	Code Code
	Op   Op
	Err  error
}

func (e *Error) DebugString() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Code != Unspecified {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Code != Unspecified {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code defines the canonical error code.
//
// The codes group into the broker's error taxonomy:
//
//	InvalidArgument                  ValidationError
//	NotFound                         NotFoundError
//	AlreadyExists, FailedPrecondition ConflictError
//	Aborted                          ConcurrencyError
//	Internal                         ScriptError
//	Unavailable                      TransientInfraError
type Code uint8

// List of canonical error codes.
const (
	Unspecified Code = iota
	InvalidArgument
	NotFound
	AlreadyExists
	FailedPrecondition
	Aborted
	Internal
	Unavailable
	Canceled
	Unknown
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case Aborted:
		return "ABORTED"
	case Internal:
		return "INTERNAL_ERROR"
	case Unavailable:
		return "UNAVAILABLE"
	case Canceled:
		return "CANCELED"
	case Unknown:
		return "UNKNOWN"
	}
	panic(fmt.Sprintf("unknown error code %d", c))
}

// Op describes an operation, usually as the package and method,
// such as "rdb.Enqueue".
type Op string

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//
//	errors.Op
//		The operation being performed, usually the method
//		being invoked (Get, Put, etc.).
//	errors.Code
//		The canonical error code, such as NOT_FOUND.
//	string
//		Treated as an error message and assigned to the
//		Err field after a call to errors.New.
//	error
//		The underlying error that triggered this one.
//
// If the error is printed, only those items that have been
// set to non-zero values will appear in the result.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			e.Op = arg
		case Code:
			e.Code = arg
		case error:
			e.Err = arg
		case string:
			e.Err = errors.New(arg)
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Printf("errors.E: bad call from %s:%d: %v", file, line, args)
			return fmt.Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	return e
}

// CanonicalCode returns the canonical code of the given error if one is present.
// Otherwise it returns Unspecified.
func CanonicalCode(err error) Code {
	if err == nil {
		return Unspecified
	}
	e, ok := err.(*Error)
	if !ok {
		return Unspecified
	}
	if e.Code == Unspecified {
		return CanonicalCode(e.Err)
	}
	return e.Code
}

// Taxonomy predicates.

// IsValidation reports whether err is a validation error. Validation errors
// are returned immediately and never retried.
func IsValidation(err error) bool { return CanonicalCode(err) == InvalidArgument }

// IsNotFound reports whether err reports an absent queue, exchange, message or group.
func IsNotFound(err error) bool { return CanonicalCode(err) == NotFound }

// IsConflict reports whether err reports an existing resource, a wrong
// operational state or a held lock.
func IsConflict(err error) bool {
	c := CanonicalCode(err)
	return c == AlreadyExists || c == FailedPrecondition
}

// IsConcurrency reports whether err reports exhausted optimistic-transaction retries.
func IsConcurrency(err error) bool { return CanonicalCode(err) == Aborted }

// IsScript reports whether err reports an unexpected script reply.
func IsScript(err error) bool { return CanonicalCode(err) == Internal }

// IsTransient reports whether err reports an unavailable store.
func IsTransient(err error) bool { return CanonicalCode(err) == Unavailable }

/******************************************
    Domain Specific Error Types & Values
*******************************************/

var (
	// ErrNoMatchedQueue indicates that a produced message resolved to zero destination queues.
	ErrNoMatchedQueue = errors.New("no matched queue")

	// ErrNoConsumerGroup indicates that a PUB_SUB queue has no registered consumer group.
	ErrNoConsumerGroup = errors.New("queue has no consumer group")

	// ErrOperationForbidden indicates that the queue is not in a state that allows the operation.
	ErrOperationForbidden = errors.New("operation forbidden in current queue state")

	// ErrLockNotAcquired indicates that the lock is not (or no longer) held by the caller.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockOwnerMismatch indicates that the presented lock token does not own the lock.
	ErrLockOwnerMismatch = errors.New("lock owner mismatch")

	// ErrMethodNotAllowed indicates a call that conflicts with an active auto-extend loop.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrTargetLocked indicates that a background job already holds the target.
	ErrTargetLocked = errors.New("target locked")

	// ErrMaxRetriesExceeded indicates that an optimistic transaction kept failing.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrQueueNotEmpty indicates that a queue still holds messages.
	ErrQueueNotEmpty = errors.New("queue is not empty")

	// ErrExchangeHasBindings indicates that an exchange still has bound queues.
	ErrExchangeHasBindings = errors.New("exchange has bound queues")

	// ErrConsumerGroupNotEmpty indicates that a consumer group still holds messages.
	ErrConsumerGroupNotEmpty = errors.New("consumer group is not empty")
)

// QueueNotFoundError indicates that a queue with the given name does not exist.
type QueueNotFoundError struct {
	Queue string // queue name
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("queue %q does not exist", e.Queue)
}

// IsQueueNotFound reports whether any error in err's chain is of type QueueNotFoundError.
func IsQueueNotFound(err error) bool {
	var target *QueueNotFoundError
	return As(err, &target)
}

// QueueAlreadyExistsError indicates that a queue with the given name already exists.
type QueueAlreadyExistsError struct {
	Queue string
}

func (e *QueueAlreadyExistsError) Error() string {
	return fmt.Sprintf("queue %q already exists", e.Queue)
}

// ExchangeNotFoundError indicates that an exchange with the given name does not exist.
type ExchangeNotFoundError struct {
	Exchange string
}

func (e *ExchangeNotFoundError) Error() string {
	return fmt.Sprintf("exchange %q does not exist", e.Exchange)
}

// IsExchangeNotFound reports whether any error in err's chain is of type ExchangeNotFoundError.
func IsExchangeNotFound(err error) bool {
	var target *ExchangeNotFoundError
	return As(err, &target)
}

// MessageNotFoundError indicates that a message with the given id does not exist
// in the given queue.
type MessageNotFoundError struct {
	Queue string
	ID    string
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("cannot find message with id=%s in queue %q", e.ID, e.Queue)
}

// IsMessageNotFound reports whether any error in err's chain is of type MessageNotFoundError.
func IsMessageNotFound(err error) bool {
	var target *MessageNotFoundError
	return As(err, &target)
}

// ConsumerGroupNotFoundError indicates that a consumer group is not registered on the queue.
type ConsumerGroupNotFoundError struct {
	Queue string
	Group string
}

func (e *ConsumerGroupNotFoundError) Error() string {
	return fmt.Sprintf("consumer group %q is not registered on queue %q", e.Group, e.Queue)
}

// IsConsumerGroupNotFound reports whether any error in err's chain is of type ConsumerGroupNotFoundError.
func IsConsumerGroupNotFound(err error) bool {
	var target *ConsumerGroupNotFoundError
	return As(err, &target)
}

// RateLimitedError indicates that the queue's rate limit window is exhausted.
// The caller should back off for RetryAfter before fetching again.
type RateLimitedError struct {
	Queue      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("queue %q is rate limited, retry after %v", e.Queue, e.RetryAfter)
}

// IsRateLimited reports whether any error in err's chain is of type RateLimitedError.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return As(err, &target)
}

/*************************************************
    Standard Library errors package functions
*************************************************/

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
//
// This function is the errors.New function from the standard library (https://golang.org/pkg/errors/#New).
// It is exported from this package for import convenience.
func New(text string) error { return errors.New(text) }

// Is reports whether any error in err's chain matches target.
//
// This function is the errors.Is function from the standard library (https://golang.org/pkg/errors/#Is).
// It is exported from this package for import convenience.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
// Otherwise, it returns false.
//
// This function is the errors.As function from the standard library (https://golang.org/pkg/errors/#As).
// It is exported from this package for import convenience.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
//
// This function is the errors.Unwrap function from the standard library (https://golang.org/pkg/errors/#Unwrap).
// It is exported from this package for import convenience.
func Unwrap(err error) error { return errors.Unwrap(err) }
