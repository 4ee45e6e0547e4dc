// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventListeners(t *testing.T) {
	c := setup(t)
	var first, second eventRecorder
	cfg := testConfig()
	cfg.EventListeners = []EventListener{first.listen, second.listen}
	client, _ := newTestClient(t, c, cfg)

	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	ids, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte("x")})
	require.NoError(t, err)

	want := []EventType{EventQueueCreated, EventMessageProduced}
	assert.Equal(t, want, first.types())
	assert.Equal(t, want, second.types())

	first.mu.Lock()
	defer first.mu.Unlock()
	produced := first.events[1]
	assert.Equal(t, "test", produced.Namespace)
	assert.Equal(t, "orders", produced.Queue)
	assert.Equal(t, ids[0], produced.MessageID)
	assert.True(t, produced.Time.Equal(testNow))
}

func TestSubscribeEvents(t *testing.T) {
	c := setup(t)
	cfg := testConfig()
	cfg.EventsEnabled = true
	client, _ := newTestClient(t, c, cfg)

	// A second process sharing the store.
	observer, _ := newTestClient(t, c, testConfig())
	sub, err := observer.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	require.NoError(t, client.LockQueue(ctx, "orders"))

	var got []*Event
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-sub.Channel():
			got = append(got, e)
		case <-timeout:
			t.Fatalf("received %d events, want 3", len(got))
		}
	}
	assert.Equal(t, EventQueueCreated, got[0].Type)
	assert.Equal(t, EventQueueStateChanged, got[1].Type)
	assert.Equal(t, EventQueueStateChanged, got[2].Type)
	assert.Equal(t, "orders", got[1].Queue)
	assert.True(t, got[0].Time.Equal(testNow))

	require.NoError(t, sub.Close())
	_, ok := <-sub.Channel()
	assert.False(t, ok, "channel closed once the subscription ends")
}

func TestEventsNotPublishedWhenDisabled(t *testing.T) {
	c := setup(t)
	client, _ := newTestClient(t, c, testConfig())
	sub, err := client.SubscribeEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	select {
	case e := <-sub.Channel():
		t.Fatalf("unexpected event %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
