package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/titanbroker"
)

func newTestMonitor(t *testing.T) (*titanbroker.Client, http.Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := titanbroker.BrokerConfig{Namespace: "test", DisableLogging: true}
	client := titanbroker.NewClientFromRedisClient(c, cfg)
	inspector := titanbroker.NewInspectorFromRedisClient(c, cfg)
	t.Cleanup(func() {
		client.Close()
		inspector.Close()
		c.Close()
	})

	ctx := context.Background()
	_, err := client.CreateQueue(ctx, "orders", titanbroker.FIFO, titanbroker.PointToPoint)
	require.NoError(t, err)
	for _, body := range []string{"a", "b", "c"} {
		_, err := client.Produce(ctx, &titanbroker.Message{Queue: "orders", Body: []byte(body)})
		require.NoError(t, err)
	}

	mux := http.NewServeMux()
	NewHandler(inspector).RegisterRoutes(mux)
	return client, mux
}

func get(t *testing.T, h http.Handler, path string, v interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
	}
	return rec.Code
}

func TestHandleQueues(t *testing.T) {
	_, h := newTestMonitor(t)

	var queues []QueueView
	require.Equal(t, http.StatusOK, get(t, h, "/api/queues", &queues))
	require.Len(t, queues, 1)
	assert.Equal(t, "orders", queues[0].Name)
	assert.Equal(t, int64(3), queues[0].Counts.Pending)
	assert.Equal(t, int64(3), queues[0].Size)

	var queue QueueView
	require.Equal(t, http.StatusOK, get(t, h, "/api/queues/orders", &queue))
	assert.Equal(t, "up", queue.State)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/queues/missing", nil))

	var stats StatsView
	require.Equal(t, http.StatusOK, get(t, h, "/api/stats", &stats))
	assert.Equal(t, 1, stats.Queues)
	assert.Equal(t, int64(3), stats.Counts.Pending)
}

func TestHandleMessages(t *testing.T) {
	_, h := newTestMonitor(t)

	var res struct {
		Messages   []MessageView `json:"messages"`
		NextCursor int64         `json:"next_cursor"`
	}
	require.Equal(t, http.StatusOK, get(t, h, "/api/queues/orders/messages?size=2", &res))
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "a", res.Messages[0].Body)
	assert.Equal(t, int64(2), res.NextCursor)

	require.Equal(t, http.StatusOK, get(t, h, "/api/queues/orders/messages?size=2&cursor=2", &res))
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "c", res.Messages[0].Body)
	assert.Zero(t, res.NextCursor)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/queues/orders/messages?type=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/queues/orders/messages?cursor=x", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/queues/orders/messages?group=g", nil))
}

func TestHandleJobs(t *testing.T) {
	_, h := newTestMonitor(t)

	var jobs []JobView
	require.Equal(t, http.StatusOK, get(t, h, "/api/jobs", &jobs))
	assert.Empty(t, jobs)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/jobs?limit=0", nil))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/jobs/unknown", nil))
}
