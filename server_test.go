// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestServer(tb testing.TB, c redis.UniversalClient, rec *eventRecorder, consumers ...ConsumerConfig) *Server {
	tb.Helper()
	cfg := Config{
		BrokerConfig:        testConfig(),
		Consumers:           consumers,
		FetchInterval:       10 * time.Millisecond,
		ForwardInterval:     20 * time.Millisecond,
		RecoverInterval:     50 * time.Millisecond,
		HeartbeatInterval:   50 * time.Millisecond,
		JanitorInterval:     50 * time.Millisecond,
		HealthCheckInterval: 50 * time.Millisecond,
		ShutdownTimeout:     500 * time.Millisecond,
	}
	if rec != nil {
		cfg.EventListeners = []EventListener{rec.listen}
	}
	srv := NewServerFromRedisClient(c, cfg)
	tb.Cleanup(srv.Shutdown)
	return srv
}

// collector is a handler recording the bodies it processed.
type collector struct {
	mu     sync.Mutex
	bodies []string
	msgs   []*Message
}

func (h *collector) ProcessMessage(ctx context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies = append(h.bodies, string(msg.Body))
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *collector) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func (h *collector) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bodies...)
}

func countOf(tb testing.TB, inspector *Inspector, queue, group string, t MessageType) int64 {
	tb.Helper()
	n, err := inspector.CountMessages(ctx, queue, group, t)
	require.NoError(tb, err)
	return n
}

func TestServerProcessesMessages(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	inspector := NewInspectorFromRedisClient(c, testConfig())
	defer inspector.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	for i := 0; i < 5; i++ {
		_, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
	}

	var rec eventRecorder
	h := &collector{}
	srv := newTestServer(t, c, &rec, ConsumerConfig{Queue: "orders", HandlerID: "collect", Concurrency: 1})
	require.NoError(t, srv.Start(HandlerTable{"collect": h}))

	require.Eventually(t, func() bool { return h.len() == 5 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return countOf(t, inspector, "orders", "", MessageTypeAcknowledged) == 5
	}, waitFor, tick)
	srv.Shutdown()

	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, h.snapshot())
	assert.Equal(t, int64(0), countOf(t, inspector, "orders", "", MessageTypePending))
	assert.Equal(t, int64(0), countOf(t, inspector, "orders", "", MessageTypeProcessing))
	assert.Equal(t, 5, rec.count(EventMessageAcknowledged))
	assert.Equal(t, 1, rec.count(EventConsumerUp))
	assert.Equal(t, 1, rec.count(EventConsumerDown))
	assert.NotEmpty(t, h.msgs[0].ConsumerID)
	assert.Equal(t, StatusProcessing, h.msgs[0].Status)
}

func TestServerRetryThenDeadLetter(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	inspector := NewInspectorFromRedisClient(c, testConfig())
	defer inspector.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	ids, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte("x"), RetryThreshold: 2})
	require.NoError(t, err)

	var calls atomic.Int32
	var handled sync.Map
	errHandler := ErrorHandlerFunc(func(ctx context.Context, msg *Message, err error) {
		handled.Store(msg.Attempts, err.Error())
	})
	var rec eventRecorder
	srv := NewServerFromRedisClient(c, Config{
		BrokerConfig:  BrokerConfig{Namespace: "test", DisableLogging: true, EventListeners: []EventListener{rec.listen}},
		Consumers:     []ConsumerConfig{{Queue: "orders", HandlerID: "fail"}},
		FetchInterval: 10 * time.Millisecond,
		ErrorHandler:  errHandler,
	})
	defer srv.Shutdown()
	require.NoError(t, srv.Start(HandlerTable{
		"fail": HandlerFunc(func(ctx context.Context, msg *Message) error {
			calls.Add(1)
			return errors.New("boom")
		}),
	}))

	require.Eventually(t, func() bool {
		return countOf(t, inspector, "orders", "", MessageTypeDeadLettered) == 1
	}, waitFor, tick)
	assert.Equal(t, int32(3), calls.Load(), "threshold+1 deliveries")

	msg, err := inspector.GetMessage(ctx, "orders", ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, msg.Status)
	assert.Equal(t, 3, msg.Attempts)
	assert.Equal(t, "handler_error", msg.LastUnackCause)
	v, ok := handled.Load(0)
	require.True(t, ok)
	assert.Equal(t, "boom", v)
	assert.Equal(t, 2, rec.count(EventMessageRequeued))
	assert.Equal(t, 1, rec.count(EventMessageDeadLettered))
}

func TestServerFailureModes(t *testing.T) {
	tests := []struct {
		desc    string
		msg     *Message
		handler HandlerFunc
		cause   string
	}{
		{
			desc: "rejected",
			msg:  &Message{Queue: "orders", Body: []byte("x"), RetryThreshold: 5},
			handler: func(ctx context.Context, msg *Message) error {
				return fmt.Errorf("bad payload: %w", ErrRejectMessage)
			},
			cause: "rejected",
		},
		{
			desc: "panic",
			msg:  &Message{Queue: "orders", Body: []byte("x")},
			handler: func(ctx context.Context, msg *Message) error {
				panic("handler crashed")
			},
			cause: "handler_error",
		},
		{
			desc: "consume timeout",
			msg:  &Message{Queue: "orders", Body: []byte("x"), ConsumeTimeout: 50 * time.Millisecond},
			handler: func(ctx context.Context, msg *Message) error {
				<-ctx.Done()
				time.Sleep(100 * time.Millisecond)
				return nil
			},
			cause: "timeout",
		},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			c := setup(t)
			client := NewClientFromRedisClient(c, testConfig())
			defer client.Close()
			inspector := NewInspectorFromRedisClient(c, testConfig())
			defer inspector.Close()
			mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
			ids, err := client.Produce(ctx, tc.msg)
			require.NoError(t, err)

			srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "orders", HandlerID: "h"})
			require.NoError(t, srv.Start(HandlerTable{"h": tc.handler}))

			require.Eventually(t, func() bool {
				return countOf(t, inspector, "orders", "", MessageTypeDeadLettered) == 1
			}, waitFor, tick)
			msg, err := inspector.GetMessage(ctx, "orders", ids[0])
			require.NoError(t, err)
			assert.Equal(t, tc.cause, msg.LastUnackCause)
		})
	}
}

func TestServerPubSubGroups(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "news", FIFO, PubSub)
	require.NoError(t, client.AddConsumerGroup(ctx, "news", "mail"))
	require.NoError(t, client.AddConsumerGroup(ctx, "news", "sms"))
	_, err := client.Produce(ctx, &Message{Queue: "news", Body: []byte("hello")})
	require.NoError(t, err)

	mail, sms := &collector{}, &collector{}
	srv := newTestServer(t, c, nil,
		ConsumerConfig{Queue: "news", Group: "mail", HandlerID: "mail"},
		ConsumerConfig{Queue: "news", Group: "sms", HandlerID: "sms"},
	)
	require.NoError(t, srv.Start(HandlerTable{"mail": mail, "sms": sms}))

	require.Eventually(t, func() bool { return mail.len() == 1 && sms.len() == 1 }, waitFor, tick)
	assert.Equal(t, "mail", mail.msgs[0].ConsumerGroup)
	assert.Equal(t, "sms", sms.msgs[0].ConsumerGroup)
	assert.NotEqual(t, mail.msgs[0].ID, sms.msgs[0].ID)
}

func TestServerForwardsScheduledMessages(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "reports", FIFO, PointToPoint)

	_, err := client.Produce(ctx, &Message{Queue: "reports", Body: []byte("delayed"), ScheduledDelay: 100 * time.Millisecond})
	require.NoError(t, err)
	tmpl, err := client.Produce(ctx, &Message{
		Queue:        "reports",
		Body:         []byte("repeated"),
		Repeat:       2,
		RepeatPeriod: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	h := &collector{}
	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "reports", HandlerID: "h"})
	require.NoError(t, srv.Start(HandlerTable{"h": h}))

	require.Eventually(t, func() bool { return h.len() == 4 }, waitFor, tick)
	// No more occurrences once the repeats are spent.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 4, h.len())

	var repeated int
	h.mu.Lock()
	for _, m := range h.msgs {
		if string(m.Body) == "repeated" {
			repeated++
			assert.Equal(t, tmpl[0], m.ScheduledMessageID)
			assert.Zero(t, m.Repeat)
		}
	}
	h.mu.Unlock()
	assert.Equal(t, 3, repeated)
}

func TestServerRecoversExpiredLeases(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	_, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte("orphan"), RetryThreshold: 1})
	require.NoError(t, err)

	// A consumer fetched the message and died without renewing its lease.
	msg, err := client.b.rdb.Fetch(ctx, client.b.queue("orders"), "", "dead-consumer", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NotNil(t, msg)

	h := &collector{}
	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "orders", HandlerID: "h"})
	require.NoError(t, srv.Start(HandlerTable{"h": h}))

	require.Eventually(t, func() bool { return h.len() == 1 }, waitFor, tick)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, msg.ID, h.msgs[0].ID)
	assert.Equal(t, 1, h.msgs[0].Attempts)
	assert.Equal(t, "timeout", h.msgs[0].LastUnackCause)
}

func TestServerRateLimit(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	inspector := NewInspectorFromRedisClient(c, testConfig())
	defer inspector.Close()
	mustCreateQueue(t, client, "api", FIFO, PointToPoint)
	require.NoError(t, client.SetRateLimit(ctx, "api", 2, time.Hour))
	for i := 0; i < 5; i++ {
		_, err := client.Produce(ctx, &Message{Queue: "api", Body: []byte("x")})
		require.NoError(t, err)
	}

	h := &collector{}
	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "api", HandlerID: "h"})
	require.NoError(t, srv.Start(HandlerTable{"h": h}))

	require.Eventually(t, func() bool { return h.len() == 2 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, h.len())
	assert.Equal(t, int64(3), countOf(t, inspector, "api", "", MessageTypePending))

	usage, err := inspector.RateLimitUsage(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(2), usage.Used)
	assert.Equal(t, int64(2), usage.Limit.Limit)
	assert.True(t, usage.ResetIn > 0 && usage.ResetIn <= time.Hour)
}

func TestServerPausesWhileQueueLocked(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	_, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, client.LockQueue(ctx, "orders"))

	h := &collector{}
	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "orders", HandlerID: "h"})
	require.NoError(t, srv.Start(HandlerTable{"h": h}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.len())

	require.NoError(t, client.UnlockQueue(ctx, "orders"))
	require.Eventually(t, func() bool { return h.len() == 1 }, waitFor, tick)
}

func TestServerHeartbeat(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	inspector := NewInspectorFromRedisClient(c, testConfig())
	defer inspector.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "orders", HandlerID: "h", Concurrency: 3})
	require.NoError(t, srv.Start(HandlerTable{
		"h": HandlerFunc(func(ctx context.Context, msg *Message) error {
			started <- struct{}{}
			<-release
			return nil
		}),
	}))

	consumers, err := inspector.ListConsumers(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, 3, consumers[0].Concurrency)
	assert.Equal(t, "orders", consumers[0].Queue)

	_, err = client.Produce(ctx, &Message{Queue: "orders", Body: []byte("x")})
	require.NoError(t, err)
	<-started
	require.Eventually(t, func() bool {
		consumers, err := inspector.ListConsumers(ctx, "orders")
		return err == nil && len(consumers) == 1 && consumers[0].Active == 1
	}, waitFor, tick)
	stats, err := inspector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveWorkers)
	assert.Equal(t, int64(1), stats.Counts.Processing)

	close(release)
	srv.Shutdown()
	consumers, err = inspector.ListConsumers(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, consumers)
}

func TestServerStartValidation(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	mustCreateQueue(t, client, "news", FIFO, PubSub)
	h := &collector{}

	tests := []struct {
		desc     string
		consumer ConsumerConfig
	}{
		{"unknown handler", ConsumerConfig{Queue: "orders", HandlerID: "missing"}},
		{"missing queue", ConsumerConfig{Queue: "missing", HandlerID: "h"}},
		{"group on point to point", ConsumerConfig{Queue: "orders", Group: "g", HandlerID: "h"}},
		{"pub sub without group", ConsumerConfig{Queue: "news", HandlerID: "h"}},
		{"unregistered group", ConsumerConfig{Queue: "news", Group: "g", HandlerID: "h"}},
	}
	for _, tc := range tests {
		srv := newTestServer(t, c, nil, tc.consumer)
		assert.Error(t, srv.Start(HandlerTable{"h": h}), tc.desc)
	}

	srv := newTestServer(t, c, nil)
	assert.Error(t, srv.Start(HandlerTable{"h": h}), "no consumer")
}

func TestServerLifecycle(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)

	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "orders", HandlerID: "h"})
	handlers := HandlerTable{"h": &collector{}}
	require.NoError(t, srv.Start(handlers))
	assert.Error(t, srv.Start(handlers), "already running")
	require.NoError(t, srv.Ping(ctx))

	srv.Stop()
	assert.Error(t, srv.Start(handlers), "stopped")
	srv.Shutdown()
	assert.ErrorIs(t, srv.Start(handlers), ErrServerClosed)
}

func TestServerShutdownRequeuesUnfinished(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	inspector := NewInspectorFromRedisClient(c, testConfig())
	defer inspector.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	ids, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte("x"), RetryThreshold: 3})
	require.NoError(t, err)

	started := make(chan struct{})
	srv := newTestServer(t, c, nil, ConsumerConfig{Queue: "orders", HandlerID: "h"})
	require.NoError(t, srv.Start(HandlerTable{
		"h": HandlerFunc(func(ctx context.Context, msg *Message) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	}))
	<-started
	srv.Shutdown()

	msg, err := inspector.GetMessage(ctx, "orders", ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusUnackRequeuing, msg.Status)
	assert.Equal(t, "shutdown", msg.LastUnackCause)
	assert.Equal(t, int64(1), countOf(t, inspector, "orders", "", MessageTypePending))
}

func TestServerHealthCheck(t *testing.T) {
	c := setup(t)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)

	var healthy, failed atomic.Int32
	srv := NewServerFromRedisClient(c, Config{
		BrokerConfig:        testConfig(),
		Consumers:           []ConsumerConfig{{Queue: "orders", HandlerID: "h"}},
		HealthCheckInterval: 20 * time.Millisecond,
		HealthCheckFunc: func(err error) {
			if err != nil {
				failed.Add(1)
				return
			}
			healthy.Add(1)
		},
	})
	t.Cleanup(srv.Shutdown)
	require.NoError(t, srv.Start(HandlerTable{"h": &collector{}}))

	assert.Eventually(t, func() bool { return healthy.Load() >= 2 }, waitFor, tick)
	assert.Zero(t, failed.Load())
}
