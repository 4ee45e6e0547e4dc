// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeys(t *testing.T) {
	q := QueueRef{Namespace: "ns1", Name: "orders"}
	tests := []struct {
		got  string
		want string
	}{
		{QueueKeyPrefix(q), "titanbroker:{ns1:orders}:"},
		{PropertiesKey(q), "titanbroker:{ns1:orders}:props"},
		{SequenceKey(q), "titanbroker:{ns1:orders}:seq"},
		{GroupsKey(q), "titanbroker:{ns1:orders}:groups"},
		{MessageKey(q, "abc"), "titanbroker:{ns1:orders}:m:abc"},
		{ScheduledKey(q), "titanbroker:{ns1:orders}:scheduled"},
		{PendingKey(q, ""), "titanbroker:{ns1:orders}:pending"},
		{PendingKey(q, "billing"), "titanbroker:{ns1:orders}:g:billing:pending"},
		{ProcessingKey(q, "billing"), "titanbroker:{ns1:orders}:g:billing:processing"},
		{AcknowledgedKey(q, ""), "titanbroker:{ns1:orders}:acknowledged"},
		{DeadLetteredKey(q, "b"), "titanbroker:{ns1:orders}:g:b:deadlettered"},
		{RateLimitKey(q, 42), "titanbroker:{ns1:orders}:ratelimit:42"},
		{AllQueuesKey("ns1"), "titanbroker:ns1:queues"},
		{ExchangeKey(ExchangeRef{Namespace: "ns1", Name: "ex"}), "titanbroker:ns1:exchange:ex"},
		{ExchangeBindingsKey(ExchangeRef{Namespace: "ns1", Name: "ex"}), "titanbroker:ns1:exchange:ex:bindings"},
		{LockKey(QueueStateLockName(q)), "titanbroker:lock:queue-state:ns1:orders"},
		{LockKey(JobTargetLockName("purge:x")), "titanbroker:lock:job-target:purge:x"},
		{JobKey("j1"), "titanbroker:job:j1"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.got)
	}
}

func TestKeyForType(t *testing.T) {
	q := QueueRef{Namespace: "ns", Name: "q"}
	assert.Equal(t, ScheduledKey(q), KeyForType(q, "g", MessageTypeScheduled))
	assert.Equal(t, PendingKey(q, "g"), KeyForType(q, "g", MessageTypePending))
	assert.Equal(t, ProcessingKey(q, ""), KeyForType(q, "", MessageTypeProcessing))
	assert.Equal(t, AcknowledgedKey(q, ""), KeyForType(q, "", MessageTypeAcknowledged))
	assert.Equal(t, DeadLetteredKey(q, ""), KeyForType(q, "", MessageTypeDeadLettered))
}

func TestValidateNamespace(t *testing.T) {
	for _, ns := range []string{"default", "ns-1", "ns_2", "A9"} {
		assert.NoError(t, ValidateNamespace(ns), ns)
	}
	for _, ns := range []string{"", "with space", "dot.ted", "col:on", "{tag}"} {
		err := ValidateNamespace(ns)
		require.Error(t, err, ns)
		assert.True(t, errors.IsValidation(err), ns)
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("queue", "orders.eu-west_1"))
	assert.Error(t, ValidateName("queue", ""))
	assert.Error(t, ValidateName("queue", "a:b"))
	assert.Error(t, QueueRef{Namespace: "bad ns", Name: "q"}.Validate())
	assert.NoError(t, ExchangeRef{Namespace: "ns", Name: "ex.topic"}.Validate())
}

func TestMessageStatusGraph(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusUnpublished, StatusPending, true},
		{StatusUnpublished, StatusScheduled, true},
		{StatusScheduled, StatusPending, true},
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusAcknowledged, true},
		{StatusProcessing, StatusUnackDelaying, true},
		{StatusProcessing, StatusUnackRequeuing, true},
		{StatusProcessing, StatusDeadLettered, true},
		{StatusUnackDelaying, StatusPending, true},
		{StatusUnackRequeuing, StatusProcessing, true},
		{StatusAcknowledged, StatusPending, false},
		{StatusDeadLettered, StatusPending, false},
		{StatusPending, StatusAcknowledged, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.from.CanMoveTo(tc.to), "%v -> %v", tc.from, tc.to)
	}
}

func TestMessageStatusString(t *testing.T) {
	for s := StatusUnpublished; s <= StatusDeadLettered; s++ {
		got, err := MessageStatusFromString(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := MessageStatusFromString("bogus")
	assert.Error(t, err)
}

func TestQueueStateTransitions(t *testing.T) {
	tests := []struct {
		from, to QueueState
		want     bool
	}{
		{QueueStateDown, QueueStateGoingUp, true},
		{QueueStateGoingUp, QueueStateUp, true},
		{QueueStateUp, QueueStateGoingDown, true},
		{QueueStateGoingDown, QueueStateDown, true},
		{QueueStateUp, QueueStateLocked, true},
		{QueueStateLocked, QueueStateUp, true},
		{QueueStateUp, QueueStateDown, false},
		{QueueStateLocked, QueueStateDown, false},
		{QueueStateDown, QueueStateUp, false},
		{QueueStateUp, QueueStateUp, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%v -> %v", tc.from, tc.to)
	}
	assert.Contains(t, TransitionPairs(), "up>locked")
	assert.NotContains(t, TransitionPairs(), "up>down")
}

func TestQueuePropertiesValidateGroup(t *testing.T) {
	q := QueueRef{Namespace: "ns", Name: "q"}
	p2p := &QueueProperties{Queue: q, DeliveryModel: DeliveryPointToPoint}
	pubsub := &QueueProperties{Queue: q, DeliveryModel: DeliveryPubSub}

	assert.NoError(t, p2p.ValidateGroupFor(""))
	assert.Error(t, p2p.ValidateGroupFor("g1"))
	assert.NoError(t, pubsub.ValidateGroupFor("g1"))
	assert.True(t, errors.IsValidation(pubsub.ValidateGroupFor("")))
}

func TestMessageEncoding(t *testing.T) {
	msg := &Message{
		ID:              "id1",
		Body:            []byte(`{"order":1}`),
		Queue:           QueueRef{Namespace: "ns", Name: "q"},
		ConsumerGroupID: "g",
		Priority:        PriorityHigh,
		TTL:             60000,
		RetryThreshold:  3,
		RetryDelay:      1000,
		ScheduledCron:   "*/5 * * * *",
		Exchange:        &ExchangeRef{Namespace: "ns", Name: "ex"},
		CreatedAt:       1700000000000,
		Status:          StatusPending,
	}
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	got, err := DecodeMessage(data)
	require.NoError(t, err)

	// Status is never carried in the JSON part.
	assert.Equal(t, MessageStatus(0), got.Status)
	got.Status = msg.Status
	assert.Equal(t, msg, got)

	_, err = EncodeMessage(nil)
	assert.Error(t, err)
}

func TestMessageHelpers(t *testing.T) {
	m := &Message{CreatedAt: 1000, TTL: 500}
	assert.Equal(t, int64(1500), m.ExpireAt())
	assert.False(t, m.IsScheduled())

	m.ScheduledDelay = 10
	assert.True(t, m.IsScheduled())
	assert.False(t, m.IsRecurring())

	m.ScheduledRepeat, m.ScheduledRepeatPeriod = 2, 100
	assert.True(t, m.IsRecurring())

	c := m.Clone("other", time.UnixMilli(5000))
	assert.Equal(t, "other", c.ID)
	assert.Equal(t, int64(5000), c.CreatedAt)
	assert.Equal(t, m.ScheduledRepeat, c.ScheduledRepeat)
}

func TestBindingEncoding(t *testing.T) {
	b := Binding{Queue: QueueRef{Namespace: "ns", Name: "q"}, Pattern: "orders.*.created"}
	s, err := EncodeBinding(b)
	require.NoError(t, err)
	got, err := DecodeBinding(s)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestJobEncoding(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &Job{ID: "j", Target: "purge", Status: JobProcessing, BatchSize: 10, Processed: 3, CreatedAt: now, UpdatedAt: now}
	data, err := EncodeJob(j)
	require.NoError(t, err)
	got, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, j, got)
	assert.False(t, JobProcessing.IsFinal())
	assert.True(t, JobCanceled.IsFinal())
}

func TestCancelations(t *testing.T) {
	c := NewCancelations()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, cancel := context.WithCancel(context.Background())
			c.Add(string(rune('a'+i)), cancel)
		}(i)
	}
	wg.Wait()

	_, ok := c.Get("a")
	assert.True(t, ok)
	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	c.CancelAll()
}

func TestLeaseReset(t *testing.T) {
	now := time.Now()
	clock := timeutil.NewSimulatedClock(now)

	l := NewLease(now.Add(30 * time.Second))
	l.Clock = clock

	// Check initial state
	assert.True(t, l.IsValid())
	assert.Equal(t, now.Add(30*time.Second), l.Deadline())

	// Reset the lease
	assert.True(t, l.Reset(now.Add(1*time.Minute)))
	assert.Equal(t, now.Add(1*time.Minute), l.Deadline())

	// Advance clock past the deadline
	clock.AdvanceTime(2 * time.Minute)
	assert.False(t, l.IsValid())
	assert.False(t, l.Reset(now.Add(3*time.Minute)))
}

func TestLeaseNotifyExpiration(t *testing.T) {
	now := time.Now()
	clock := timeutil.NewSimulatedClock(now)

	l := NewLease(now.Add(30 * time.Second))
	l.Clock = clock

	select {
	case <-l.Done():
		t.Fatal("lease channel closed before expiration")
	default:
	}

	assert.False(t, l.NotifyExpiration())

	clock.AdvanceTime(1 * time.Minute)
	assert.True(t, l.NotifyExpiration())

	select {
	case <-l.Done():
	default:
		t.Fatal("lease channel not closed after expiration")
	}
	// Calling again must not panic on double close.
	assert.True(t, l.NotifyExpiration())
}
