// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package routing resolves the destination queues of a message produced
// through an exchange.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// Topic pattern syntax.
const (
	Separator = "."

	// AnyOne matches exactly one segment.
	AnyOne = "*"

	// AnyTrailing matches zero or more trailing segments. It may only
	// appear as the last segment of a pattern.
	AnyTrailing = "#"
)

// ValidatePattern checks a topic binding pattern.
func ValidatePattern(pattern string) error {
	var op errors.Op = "routing.ValidatePattern"
	if pattern == "" {
		return errors.E(op, errors.InvalidArgument, "routing key pattern must not be empty")
	}
	segs := strings.Split(pattern, Separator)
	for i, s := range segs {
		switch {
		case s == "":
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("routing key pattern %q has an empty segment", pattern))
		case s == AnyTrailing && i != len(segs)-1:
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("%q must be the last segment of pattern %q", AnyTrailing, pattern))
		case s != AnyOne && s != AnyTrailing && strings.ContainsAny(s, AnyOne+AnyTrailing):
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("wildcards must fill a whole segment in pattern %q", pattern))
		}
	}
	return nil
}

// ValidateRoutingKey checks the routing key of a produced message.
func ValidateRoutingKey(key string) error {
	var op errors.Op = "routing.ValidateRoutingKey"
	if key == "" {
		return errors.E(op, errors.InvalidArgument, "routing key must not be empty")
	}
	if strings.ContainsAny(key, AnyOne+AnyTrailing) {
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("routing key %q must not contain wildcards", key))
	}
	for _, s := range strings.Split(key, Separator) {
		if s == "" {
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("routing key %q has an empty segment", key))
		}
	}
	return nil
}

// Match reports whether the routing key matches the topic pattern.
func Match(pattern, key string) bool {
	return match(strings.Split(pattern, Separator), strings.Split(key, Separator))
}

func match(pat, key []string) bool {
	for i, p := range pat {
		if p == AnyTrailing {
			return true
		}
		if i >= len(key) {
			return false
		}
		if p != AnyOne && p != key[i] {
			return false
		}
	}
	return len(pat) == len(key)
}

// Resolve returns the queues a message with the given routing key is
// delivered to, sorted and without duplicates. It fails with
// ErrNoMatchedQueue when no binding matches.
func Resolve(typ base.ExchangeType, bindings []base.Binding, routingKey string) ([]base.QueueRef, error) {
	var op errors.Op = "routing.Resolve"
	var queues []base.QueueRef
	switch typ {
	case base.ExchangeDirect:
		if len(bindings) > 1 {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("direct exchange has %d bindings", len(bindings)))
		}
		for _, b := range bindings {
			queues = append(queues, b.Queue)
		}
	case base.ExchangeFanout:
		for _, b := range bindings {
			queues = append(queues, b.Queue)
		}
	case base.ExchangeTopic:
		if err := ValidateRoutingKey(routingKey); err != nil {
			return nil, errors.E(op, err)
		}
		for _, b := range bindings {
			if Match(b.Pattern, routingKey) {
				queues = append(queues, b.Queue)
			}
		}
	default:
		return nil, errors.E(op, errors.InvalidArgument, fmt.Sprintf("unknown exchange type %d", typ))
	}
	queues = dedupe(queues)
	if len(queues) == 0 {
		return nil, errors.E(op, errors.NotFound, errors.ErrNoMatchedQueue)
	}
	return queues, nil
}

func dedupe(queues []base.QueueRef) []base.QueueRef {
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].Namespace != queues[j].Namespace {
			return queues[i].Namespace < queues[j].Namespace
		}
		return queues[i].Name < queues[j].Name
	})
	out := queues[:0]
	for _, q := range queues {
		if len(out) > 0 && q == out[len(out)-1] {
			continue
		}
		out = append(out, q)
	}
	return out
}
