// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// WriteConsumerState records a heartbeat of the consumer. The consumer is
// considered alive until ttl elapses without another heartbeat.
func (r *RDB) WriteConsumerState(ctx context.Context, info *base.ConsumerInfo, ttl time.Duration) error {
	var op errors.Op = "rdb.WriteConsumerState"
	data, err := json.Marshal(info)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode consumer info: %v", err))
	}
	exp := r.clock.Now().Add(ttl).UnixMilli()
	err = r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, base.ConsumersKey(info.Queue), redis.Z{Score: float64(exp), Member: info.ID})
			pipe.HSet(ctx, base.ConsumerInfoKey(info.Queue), info.ID, data)
			return nil
		})
		return err
	})
	return storeErr(op, err)
}

// ClearConsumerState removes the heartbeat of the consumer.
func (r *RDB) ClearConsumerState(ctx context.Context, q base.QueueRef, id string) error {
	var op errors.Op = "rdb.ClearConsumerState"
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, base.ConsumersKey(q), id)
			pipe.HDel(ctx, base.ConsumerInfoKey(q), id)
			return nil
		})
		return err
	})
	return storeErr(op, err)
}

// ListConsumers returns the consumers of the queue with a live heartbeat,
// sorted by id. Expired heartbeats are removed on the way.
func (r *RDB) ListConsumers(ctx context.Context, q base.QueueRef) ([]*base.ConsumerInfo, error) {
	var op errors.Op = "rdb.ListConsumers"
	now := fmt.Sprint(r.now())
	var infos []*base.ConsumerInfo
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		expired, err := c.ZRangeByScore(ctx, base.ConsumersKey(q), &redis.ZRangeBy{Min: "-inf", Max: "(" + now}).Result()
		if err != nil {
			return err
		}
		if len(expired) > 0 {
			if err := c.HDel(ctx, base.ConsumerInfoKey(q), expired...).Err(); err != nil {
				return err
			}
			if err := c.ZRemRangeByScore(ctx, base.ConsumersKey(q), "-inf", "("+now).Err(); err != nil {
				return err
			}
		}
		ids, err := c.ZRangeByScore(ctx, base.ConsumersKey(q), &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		vals, err := c.HMGet(ctx, base.ConsumerInfoKey(q), ids...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var info base.ConsumerInfo
			if err := json.Unmarshal([]byte(s), &info); err != nil {
				continue // skip bad data
			}
			infos = append(infos, &info)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// PublishEvent publishes an encoded event on the events channel.
func (r *RDB) PublishEvent(ctx context.Context, data []byte) error {
	var op errors.Op = "rdb.PublishEvent"
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		return c.Publish(ctx, base.EventsChannel, data).Err()
	})
	return storeErr(op, err)
}

// SubscribeEvents subscribes to the events channel. The caller must close
// the returned subscription.
func (r *RDB) SubscribeEvents(ctx context.Context) (*redis.PubSub, error) {
	var op errors.Op = "rdb.SubscribeEvents"
	pubsub := r.Client().Subscribe(ctx, base.EventsChannel)
	// Wait for the confirmation so no event published afterwards is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.E(op, errors.Unavailable, err)
	}
	return pubsub, nil
}
