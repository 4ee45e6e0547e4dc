// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/titanbroker/internal/base"
)

func TestForwarderReplaysMissedOccurrences(t *testing.T) {
	c := setup(t)
	client, clock := newTestClient(t, c, testConfig())
	inspector := newTestInspector(t, c, clock)
	mustCreateQueue(t, client, "reports", FIFO, PointToPoint)

	ids, err := client.Produce(ctx, &Message{
		Queue:        "reports",
		Body:         []byte("tick"),
		Repeat:       2,
		RepeatPeriod: time.Minute,
	})
	require.NoError(t, err)

	f := newForwarder(forwarderParams{
		logger:    client.b.logger,
		broker:    client.b,
		queues:    []base.QueueRef{client.b.queue("reports")},
		interval:  time.Second,
		batchSize: 10,
	})

	// All three occurrences are overdue; each pass delivers the next one.
	clock.AdvanceTime(5 * time.Minute)
	for want := 1; want <= 3; want++ {
		f.exec()
		assert.Len(t, pendingBodies(t, inspector, "reports", ""), want)
	}
	f.exec()
	assert.Len(t, pendingBodies(t, inspector, "reports", ""), 3)

	_, err = inspector.GetMessage(ctx, "reports", ids[0])
	assert.True(t, IsNotFound(err))
}
