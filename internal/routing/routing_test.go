// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

func queue(name string) base.QueueRef {
	return base.QueueRef{Namespace: "default", Name: name}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"orders.created", "orders.created", true},
		{"orders.created", "orders.updated", false},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders", false},
		{"orders.*", "orders.created.eu", false},
		{"*.created", "orders.created", true},
		{"orders.#", "orders", true},
		{"orders.#", "orders.created", true},
		{"orders.#", "orders.created.eu", true},
		{"orders.#", "payments.created", false},
		{"#", "anything.at.all", true},
		{"orders.*.#", "orders", false},
		{"orders.*.#", "orders.created", true},
		{"orders.*.#", "orders.created.eu.west", true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.key), "Match(%q, %q)", tc.pattern, tc.key)
	}
}

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"a", "a.b", "a.*", "*.b.#", "#"} {
		assert.NoError(t, ValidatePattern(p), p)
	}
	for _, p := range []string{"", "a..b", "#.a", "a.b*", "a.#.b"} {
		assert.True(t, errors.IsValidation(ValidatePattern(p)), p)
	}
}

func TestResolveDirect(t *testing.T) {
	got, err := Resolve(base.ExchangeDirect, []base.Binding{{Queue: queue("q1")}}, "")
	require.NoError(t, err)
	assert.Equal(t, []base.QueueRef{queue("q1")}, got)

	_, err = Resolve(base.ExchangeDirect, nil, "")
	assert.True(t, errors.Is(err, errors.ErrNoMatchedQueue))
}

func TestResolveFanout(t *testing.T) {
	_, err := Resolve(base.ExchangeFanout, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoMatchedQueue))

	got, err := Resolve(base.ExchangeFanout, []base.Binding{{Queue: queue("b")}, {Queue: queue("a")}}, "ignored")
	require.NoError(t, err)
	assert.Equal(t, []base.QueueRef{queue("a"), queue("b")}, got)
}

func TestResolveTopic(t *testing.T) {
	bindings := []base.Binding{
		{Queue: queue("eu"), Pattern: "orders.*.eu"},
		{Queue: queue("all"), Pattern: "orders.#"},
		{Queue: queue("all"), Pattern: "orders.created.*"},
		{Queue: queue("payments"), Pattern: "payments.#"},
	}
	got, err := Resolve(base.ExchangeTopic, bindings, "orders.created.eu")
	require.NoError(t, err)
	assert.Equal(t, []base.QueueRef{queue("all"), queue("eu")}, got)

	_, err = Resolve(base.ExchangeTopic, bindings, "shipping.created")
	assert.True(t, errors.Is(err, errors.ErrNoMatchedQueue))

	_, err = Resolve(base.ExchangeTopic, bindings, "orders.*")
	assert.True(t, errors.IsValidation(err))
}
