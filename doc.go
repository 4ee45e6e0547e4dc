// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package titanbroker provides a message broker layered on Redis.

Producers and consumers share queues stored in Redis. Every state change of
a message is a single Lua script, so any number of processes can produce and
consume concurrently without a coordinator.

# Features

  - FIFO, LIFO and PRIORITY queues
  - POINT_TO_POINT delivery, or PUB_SUB delivery to every consumer group
  - DIRECT, FANOUT and TOPIC exchanges
  - Delayed, cron and repeating messages
  - Retry with dead-lettering once the retry threshold is exhausted
  - Per-queue rate limiting
  - Queue operational states (UP, DOWN, LOCKED, ...) guarded by distributed locks
  - Background jobs for bulk maintenance such as purging a queue

# Quick Start

Administration and producing:

	client := titanbroker.NewClient(titanbroker.RedisClientOpt{Addr: "localhost:6379"}, titanbroker.BrokerConfig{})
	defer client.Close()

	if _, err := client.CreateQueue(ctx, "emails", titanbroker.FIFO, titanbroker.PointToPoint); err != nil {
		log.Fatal(err)
	}
	ids, err := client.Produce(ctx, &titanbroker.Message{
		Queue:          "emails",
		Body:           []byte(`{"user_id":42}`),
		RetryThreshold: 3,
		RetryDelay:     10 * time.Second,
	})

Consuming:

	srv := titanbroker.NewServer(
		titanbroker.RedisClientOpt{Addr: "localhost:6379"},
		titanbroker.Config{
			Consumers: []titanbroker.ConsumerConfig{
				{Queue: "emails", HandlerID: "send-email", Concurrency: 10},
			},
		},
	)

	handlers := titanbroker.HandlerTable{
		"send-email": titanbroker.HandlerFunc(func(ctx context.Context, msg *titanbroker.Message) error {
			log.Printf("Sending: %s", msg.Body)
			return nil
		}),
	}

	if err := srv.Run(handlers); err != nil {
		log.Fatal(err)
	}

# Architecture

Each message is a Redis hash. Pending messages live in a list (FIFO, LIFO)
or a sorted set scored by priority then arrival (PRIORITY); messages being
processed, scheduled ones and audited ones live in sorted sets scored by
time. PUB_SUB queues keep one copy of each message per consumer group.

The Server spawns multiple goroutines:
  - Processor: one per consumer, fetches messages and runs the handler
  - Forwarder: moves due scheduled messages to pending and fires recurring ones
  - Recoverer: redelivers messages whose consumer lease lapsed
  - Heartbeater: publishes consumer state and renews message leases
  - Janitor: deletes audited messages past their retention
  - Healthchecker: pings Redis
*/
package titanbroker
