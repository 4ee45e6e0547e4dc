// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in titanbroker package.
package base

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/timeutil"
)

// Version of titanbroker library.
const Version = "1.0.0"

// DefaultNamespace is the namespace used if none is specified by user.
const DefaultNamespace = "default"

var (
	namespaceRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	nameRE      = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// ValidateNamespace validates a given namespace against the alphanumeric,
// hyphen and underscore charset.
func ValidateNamespace(ns string) error {
	if !namespaceRE.MatchString(ns) {
		return errors.E(errors.Op("base.ValidateNamespace"), errors.InvalidArgument,
			fmt.Sprintf("invalid namespace %q: only letters, digits, '-' and '_' are allowed", ns))
	}
	return nil
}

// ValidateName validates a queue, exchange or consumer group name.
// Dots are allowed in addition to the namespace charset.
func ValidateName(kind, name string) error {
	if !nameRE.MatchString(name) {
		return errors.E(errors.Op("base.ValidateName"), errors.InvalidArgument,
			fmt.Sprintf("invalid %s name %q: only letters, digits, '.', '-' and '_' are allowed", kind, name))
	}
	return nil
}

// Cancelations is a collection that holds cancel functions for all in-flight messages.
//
// Cancelations are safe for concurrent use by multiple goroutines.
type Cancelations struct {
	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewCancelations returns a Cancelations instance.
func NewCancelations() *Cancelations {
	return &Cancelations{
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Add adds a new cancel func to the collection.
func (c *Cancelations) Add(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFuncs[id] = fn
}

// Delete deletes a cancel func from the collection given an id.
func (c *Cancelations) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFuncs, id)
}

// Get returns a cancel func given an id.
func (c *Cancelations) Get(id string) (fn context.CancelFunc, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok = c.cancelFuncs[id]
	return fn, ok
}

// CancelAll calls every registered cancel func.
func (c *Cancelations) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fn := range c.cancelFuncs {
		fn()
	}
}

// Lease is a time bound lease for a consumer to process a message.
// It provides a communication channel between lessor and lessee about lease expiration.
type Lease struct {
	once sync.Once
	ch   chan struct{}

	Clock timeutil.Clock

	mu       sync.Mutex
	expireAt time.Time // guarded by mu
}

func NewLease(expirationTime time.Time) *Lease {
	return &Lease{
		ch:       make(chan struct{}),
		expireAt: expirationTime,
		Clock:    timeutil.NewRealClock(),
	}
}

// Reset changes the lease to expire at the given time.
// It returns true if the lease is still valid and reset operation was successful, false if the lease had been expired.
func (l *Lease) Reset(expirationTime time.Time) bool {
	if !l.IsValid() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireAt = expirationTime
	return true
}

// NotifyExpiration sends a notification to lessee about expired lease
// Returns true if notification was sent, returns false if the lease is still valid and notification was not sent.
func (l *Lease) NotifyExpiration() bool {
	if l.IsValid() {
		return false
	}
	l.once.Do(l.closeCh)
	return true
}

func (l *Lease) closeCh() {
	close(l.ch)
}

// Done returns a communication channel from which the lessee can read to get notified when lessor notifies about lease expiration.
func (l *Lease) Done() <-chan struct{} {
	return l.ch
}

// Deadline returns the expiration time of the lease.
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt
}

// IsValid returns true if the lease's expiration time is in the future or equals to the current time,
// returns false otherwise.
func (l *Lease) IsValid() bool {
	now := l.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt.After(now) || l.expireAt.Equal(now)
}
