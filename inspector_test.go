// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func produceN(tb testing.TB, client *Client, queue string, n int) []string {
	tb.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		got, err := client.Produce(ctx, &Message{Queue: queue, Body: []byte(fmt.Sprintf("m%d", i))})
		require.NoError(tb, err)
		ids = append(ids, got...)
	}
	return ids
}

func TestInspectorQueueInfo(t *testing.T) {
	c := setup(t)
	client, clock := newTestClient(t, c, testConfig())
	inspector := newTestInspector(t, c, clock)
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	mustCreateQueue(t, client, "news", Priority, PubSub)
	require.NoError(t, client.AddConsumerGroup(ctx, "news", "mail"))
	require.NoError(t, client.AddConsumerGroup(ctx, "news", "sms"))

	produceN(t, client, "orders", 2)
	_, err := client.Produce(ctx, &Message{Queue: "orders", Body: []byte("later"), ScheduledDelay: time.Minute})
	require.NoError(t, err)
	_, err = client.Produce(ctx, &Message{Queue: "news", Body: []byte("hello")})
	require.NoError(t, err)

	ns, err := inspector.Namespaces(ctx)
	require.NoError(t, err)
	assert.Contains(t, ns, "test")

	info, err := inspector.GetQueueInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", info.Name)
	assert.Equal(t, MessageCounts{Scheduled: 1, Pending: 2}, info.Counts)
	assert.Equal(t, int64(3), info.Size())

	info, err = inspector.GetQueueInfo(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, map[string]MessageCounts{
		"mail": {Pending: 1},
		"sms":  {Pending: 1},
	}, info.Groups)
	assert.Equal(t, int64(2), info.Size())

	infos, err := inspector.ListQueueInfo(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "news", infos[0].Name)
	assert.Equal(t, "orders", infos[1].Name)

	stats, err := inspector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queues)
	assert.Equal(t, MessageCounts{Scheduled: 1, Pending: 4}, stats.Counts)
	assert.Zero(t, stats.ActiveWorkers)

	_, err = inspector.GetQueueInfo(ctx, "missing")
	assert.True(t, IsQueueNotFound(err))
}

func TestInspectorListMessages(t *testing.T) {
	c := setup(t)
	client, clock := newTestClient(t, c, testConfig())
	inspector := newTestInspector(t, c, clock)
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	produceN(t, client, "orders", 5)

	var got []string
	var cursor int64
	pages := 0
	for {
		msgs, next, err := inspector.ListMessages(ctx, "orders", "", MessageTypePending, Page{Cursor: cursor, Size: 2})
		require.NoError(t, err)
		for _, m := range msgs {
			got = append(got, string(m.Body))
			assert.Equal(t, StatusPending, m.Status)
		}
		pages++
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)
	assert.Equal(t, 3, pages)

	n, err := inspector.CountMessages(ctx, "orders", "", MessageTypePending)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = inspector.CountMessages(ctx, "missing", "", MessageTypePending)
	assert.True(t, IsQueueNotFound(err))
	_, _, err = inspector.ListMessages(ctx, "orders", "g", MessageTypePending, Page{})
	assert.True(t, IsValidation(err))
}

func TestInspectorDeleteMessage(t *testing.T) {
	c := setup(t)
	client, clock := newTestClient(t, c, testConfig())
	inspector := newTestInspector(t, c, clock)
	mustCreateQueue(t, client, "orders", FIFO, PointToPoint)
	ids := produceN(t, client, "orders", 3)

	msg, err := inspector.GetMessage(ctx, "orders", ids[1])
	require.NoError(t, err)
	assert.Equal(t, "m1", string(msg.Body))
	assert.Equal(t, "test", msg.Namespace)

	require.NoError(t, inspector.DeleteMessage(ctx, "orders", ids[1]))
	_, err = inspector.GetMessage(ctx, "orders", ids[1])
	assert.True(t, IsMessageNotFound(err))
	assert.Equal(t, []string{"m0", "m2"}, pendingBodies(t, inspector, "orders", ""))

	err = inspector.DeleteMessage(ctx, "orders", ids[1])
	assert.True(t, IsMessageNotFound(err))
	var nf *MessageNotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestInspectorPurgeQueue(t *testing.T) {
	c := setup(t)
	cfg := testConfig()
	cfg.JobBatchSize = 2
	cfg.JobBatchesPerSecond = 1000
	var rec eventRecorder
	cfg.EventListeners = []EventListener{rec.listen}
	client, _ := newTestClient(t, c, testConfig())
	inspector := NewInspectorFromRedisClient(c, cfg)
	defer inspector.Close()
	mustCreateQueue(t, client, "small", FIFO, PointToPoint)
	mustCreateQueue(t, client, "large", FIFO, PointToPoint)
	produceN(t, client, "small", 2)
	produceN(t, client, "large", 5)

	res, err := inspector.PurgeQueue(ctx, "small", "", MessageTypePending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted)
	assert.Nil(t, res.Job)

	res, err = inspector.PurgeQueue(ctx, "small", "", MessageTypePending)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)

	res, err = inspector.PurgeQueue(ctx, "large", "", MessageTypePending)
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, int64(5), res.Job.Total)
	assert.Equal(t, 2, res.Job.BatchSize)

	j, err := inspector.WaitJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, j.Status)
	assert.Equal(t, int64(5), j.Processed)
	assert.Equal(t, 1, rec.count(EventJobCompleted))

	n, err := inspector.CountMessages(ctx, "large", "", MessageTypePending)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := inspector.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	jobs, err := inspector.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, res.Job.ID, jobs[0].ID)

	_, err = inspector.GetJob(ctx, "no-such-job")
	assert.True(t, IsNotFound(err))
	assert.Error(t, inspector.CancelJob(ctx, res.Job.ID), "job already ended")
}

func TestInspectorCancelPurge(t *testing.T) {
	c := setup(t)
	cfg := testConfig()
	cfg.JobBatchSize = 1
	cfg.JobBatchesPerSecond = 1
	client, _ := newTestClient(t, c, testConfig())
	inspector := NewInspectorFromRedisClient(c, cfg)
	defer inspector.Close()
	mustCreateQueue(t, client, "large", FIFO, PointToPoint)
	produceN(t, client, "large", 5)

	res, err := inspector.PurgeQueue(ctx, "large", "", MessageTypePending)
	require.NoError(t, err)
	require.NotNil(t, res.Job)

	_, err = inspector.PurgeQueue(ctx, "large", "", MessageTypePending)
	assert.True(t, errors.Is(err, ErrTargetLocked))

	require.NoError(t, inspector.CancelJob(ctx, res.Job.ID))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	j, err := inspector.WaitJob(waitCtx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCanceled, j.Status)
	assert.Less(t, j.Processed, int64(5))

	n, err := inspector.CountMessages(ctx, "large", "", MessageTypePending)
	require.NoError(t, err)
	assert.Equal(t, 5-j.Processed, n)
}

func TestInspectorPurgeValidation(t *testing.T) {
	c := setup(t)
	client, clock := newTestClient(t, c, testConfig())
	inspector := newTestInspector(t, c, clock)
	mustCreateQueue(t, client, "news", FIFO, PubSub)
	require.NoError(t, client.AddConsumerGroup(ctx, "news", "mail"))
	_, err := client.Produce(ctx, &Message{Queue: "news", Body: []byte("x"), ScheduledDelay: time.Minute})
	require.NoError(t, err)

	_, err = inspector.PurgeQueue(ctx, "news", "", MessageTypePending)
	assert.True(t, IsValidation(err), "pub sub structures need a group")
	_, err = inspector.PurgeQueue(ctx, "news", "mail", MessageTypeScheduled)
	assert.True(t, IsValidation(err), "scheduled messages are queue level")
	_, err = inspector.PurgeQueue(ctx, "news", "nope", MessageTypePending)
	assert.True(t, IsConsumerGroupNotFound(err))

	res, err := inspector.PurgeQueue(ctx, "news", "", MessageTypeScheduled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)
}

func TestInspectorRateLimitUsage(t *testing.T) {
	c := setup(t)
	client, clock := newTestClient(t, c, testConfig())
	inspector := newTestInspector(t, c, clock)
	mustCreateQueue(t, client, "api", FIFO, PointToPoint)

	usage, err := inspector.RateLimitUsage(ctx, "api")
	require.NoError(t, err)
	assert.Nil(t, usage)

	require.NoError(t, client.SetRateLimit(ctx, "api", 10, time.Minute))
	usage, err = inspector.RateLimitUsage(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(10), usage.Limit.Limit)
	assert.Equal(t, time.Minute, usage.Limit.Interval)
	assert.Zero(t, usage.Used)
}
