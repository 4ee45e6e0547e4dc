// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var benchPayload, _ = json.Marshal(map[string]interface{}{
	"task_id": 0,
	"data":    "benchmark payload data for testing throughput",
})

// Simple E2E Benchmark testing producing and consuming messages.
func BenchmarkEndToEndSimple(b *testing.B) {
	const count = 100000
	for n := 0; n < b.N; n++ {
		b.StopTimer() // begin setup
		c := setup(b)
		client := NewClientFromRedisClient(c, testConfig())
		mustCreateQueue(b, client, "default", FIFO, PointToPoint)
		for i := 0; i < count; i++ {
			if _, err := client.Produce(ctx, &Message{Queue: "default", Body: benchPayload}); err != nil {
				b.Fatalf("could not produce a message: %v", err)
			}
		}
		client.Close()

		var wg sync.WaitGroup
		wg.Add(count)
		srv := NewServerFromRedisClient(c, Config{
			BrokerConfig:  testConfig(),
			Consumers:     []ConsumerConfig{{Queue: "default", HandlerID: "h", Concurrency: 10}},
			FetchInterval: time.Millisecond,
		})
		handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
			wg.Done()
			return nil
		})
		b.StartTimer() // end setup

		if err := srv.Start(HandlerTable{"h": handler}); err != nil {
			b.Fatal(err)
		}
		wg.Wait()

		b.StopTimer() // begin teardown
		srv.Shutdown()
		b.StartTimer() // end teardown
	}
}

func BenchmarkProduce(b *testing.B) {
	c := setup(b)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(b, client, "default", FIFO, PointToPoint)
	msg := &Message{Queue: "default", Body: benchPayload}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := client.Produce(ctx, msg); err != nil {
				b.Errorf("could not produce a message: %v", err)
			}
		}
	})
}

func BenchmarkProducePriority(b *testing.B) {
	c := setup(b)
	client := NewClientFromRedisClient(c, testConfig())
	defer client.Close()
	mustCreateQueue(b, client, "default", Priority, PointToPoint)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		msg := &Message{Queue: "default", Body: benchPayload, Priority: n % (PriorityHighest + 1)}
		if _, err := client.Produce(ctx, msg); err != nil {
			b.Fatalf("could not produce a message: %v", err)
		}
	}
}

// Benchmark fanning out one message to many queues bound to a FANOUT exchange.
func BenchmarkProduceFanout(b *testing.B) {
	for _, queues := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("queues=%d", queues), func(b *testing.B) {
			c := setup(b)
			client := NewClientFromRedisClient(c, testConfig())
			defer client.Close()
			if err := client.CreateExchange(ctx, "fan", Fanout); err != nil {
				b.Fatal(err)
			}
			for i := 0; i < queues; i++ {
				name := fmt.Sprintf("q%d", i)
				mustCreateQueue(b, client, name, FIFO, PointToPoint)
				if err := client.BindQueue(ctx, "fan", name, ""); err != nil {
					b.Fatal(err)
				}
			}
			msg := &Message{Exchange: "fan", Body: benchPayload}
			b.ResetTimer()
			for n := 0; n < b.N; n++ {
				if _, err := client.Produce(ctx, msg); err != nil {
					b.Fatalf("could not produce a message: %v", err)
				}
			}
		})
	}
}
