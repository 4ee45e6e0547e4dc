// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// CreateQueue persists the properties of a new queue in the UP state.
func (r *RDB) CreateQueue(ctx context.Context, q base.QueueRef, typ base.QueueType, model base.DeliveryModel) (*base.QueueProperties, error) {
	var op errors.Op = "rdb.CreateQueue"
	if err := q.Validate(); err != nil {
		return nil, errors.E(op, err)
	}
	now := r.clock.Now()
	props := &base.QueueProperties{
		Queue:         q,
		Type:          typ,
		DeliveryModel: model,
		State:         base.QueueStateUp,
		CreatedAt:     time.UnixMilli(now.UnixMilli()),
	}
	pkey := base.PropertiesKey(q)
	err := r.pool.Watch(ctx, op, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, pkey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.E(op, errors.AlreadyExists, &errors.QueueAlreadyExistsError{Queue: q.String()})
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, pkey,
				"type", typ.String(),
				"delivery", model.String(),
				"state", base.QueueStateUp.String(),
				"created_at", now.UnixMilli())
			pipe.SAdd(ctx, base.AllQueuesKey(q.Namespace), q.Name)
			pipe.SAdd(ctx, base.AllNamespaces, q.Namespace)
			return nil
		})
		return err
	}, pkey)
	if err != nil {
		return nil, err
	}
	return props, nil
}

// GetQueueProperties returns the properties of the queue.
func (r *RDB) GetQueueProperties(ctx context.Context, q base.QueueRef) (*base.QueueProperties, error) {
	var op errors.Op = "rdb.GetQueueProperties"
	var fields map[string]string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		fields, err = c.HGetAll(ctx, base.PropertiesKey(q)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	if len(fields) == 0 {
		return nil, errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: q.String()})
	}
	return parseQueueProperties(op, q, fields)
}

func parseQueueProperties(op errors.Op, q base.QueueRef, fields map[string]string) (*base.QueueProperties, error) {
	typ, err := base.QueueTypeFromString(fields["type"])
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	model, err := base.DeliveryModelFromString(fields["delivery"])
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	state, err := base.QueueStateFromString(fields["state"])
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	props := &base.QueueProperties{
		Queue:         q,
		Type:          typ,
		DeliveryModel: model,
		State:         state,
		CreatedAt:     time.UnixMilli(cast.ToInt64(fields["created_at"])),
	}
	if limit := cast.ToInt64(fields["rl_limit"]); limit > 0 {
		props.RateLimit = &base.RateLimit{
			Limit:    limit,
			Interval: msToDuration(cast.ToInt64(fields["rl_interval"])),
		}
	}
	return props, nil
}

// ListQueues returns the queues of the namespace sorted by name.
func (r *RDB) ListQueues(ctx context.Context, ns string) ([]base.QueueRef, error) {
	var op errors.Op = "rdb.ListQueues"
	var names []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		names, err = c.SMembers(ctx, base.AllQueuesKey(ns)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	sort.Strings(names)
	queues := make([]base.QueueRef, 0, len(names))
	for _, name := range names {
		queues = append(queues, base.QueueRef{Namespace: ns, Name: name})
	}
	return queues, nil
}

// ListNamespaces returns every namespace that ever held a queue.
func (r *RDB) ListNamespaces(ctx context.Context) ([]string, error) {
	var op errors.Op = "rdb.ListNamespaces"
	var names []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		names, err = c.SMembers(ctx, base.AllNamespaces).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteQueue removes every key of the queue.
//
// Without force, a queue holding messages or serving live consumers is not deleted.
// A queue bound to an exchange is never deleted; unbind it first.
func (r *RDB) DeleteQueue(ctx context.Context, q base.QueueRef, force bool) error {
	var op errors.Op = "rdb.DeleteQueue"
	props, err := r.GetQueueProperties(ctx, q)
	if err != nil {
		return errors.E(op, err)
	}
	var bound, consumers int64
	err = r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		if bound, err = c.SCard(ctx, base.BoundExchangesKey(q)).Result(); err != nil {
			return err
		}
		consumers, err = c.ZCount(ctx, base.ConsumersKey(q), cast.ToString(r.now()), "+inf").Result()
		return err
	})
	if err != nil {
		return storeErr(op, err)
	}
	if bound > 0 {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("queue %s is bound to %d exchange(s)", q, bound))
	}
	if !force {
		if consumers > 0 {
			return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("queue %s has %d active consumer(s)", q, consumers))
		}
		info, err := r.GetQueueInfo(ctx, props)
		if err != nil {
			return errors.E(op, err)
		}
		if info.Total() > 0 {
			return errors.E(op, errors.FailedPrecondition, errors.ErrQueueNotEmpty)
		}
	}
	err = r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var keys []string
		iter := c.Scan(ctx, 0, base.QueueKeyPrefix(q)+"*", 500).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 500 {
				if err := c.Unlink(ctx, keys...).Err(); err != nil {
					return err
				}
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.Unlink(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		return c.SRem(ctx, base.AllQueuesKey(q.Namespace), q.Name).Err()
	})
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

// KEYS[1] -> queue properties
// KEYS[2] -> lock key guarding the queue state
// ARGV[1] -> lock token
// ARGV[2] -> target state
// ARGV[3:] -> legal "from>to" pairs
//
// Output:
// {1, previous state} on success
// {-1} if the queue does not exist
// {-8} if the token does not own the lock
// {-9, current state} if the transition is not legal
var setQueueStateCmd = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "state")
if not cur then
	return {-1}
end
if redis.call("GET", KEYS[2]) ~= ARGV[1] then
	return {-8}
end
local pair = cur .. ">" .. ARGV[2]
for i = 3, #ARGV do
	if ARGV[i] == pair then
		redis.call("HSET", KEYS[1], "state", ARGV[2])
		return {1, cur}
	end
end
return {-9, cur}
`)

// SetQueueState moves the queue to the given operational state.
// The caller must hold the queue state lock identified by lockKey and token.
// It returns the state the queue was in before the transition.
func (r *RDB) SetQueueState(ctx context.Context, q base.QueueRef, to base.QueueState, lockKey, token string) (base.QueueState, error) {
	var op errors.Op = "rdb.SetQueueState"
	keys := []string{base.PropertiesKey(q), lockKey}
	argv := []interface{}{token, to.String()}
	for _, p := range base.TransitionPairs() {
		argv = append(argv, p)
	}
	code, rest, err := r.runScriptSlice(ctx, op, setQueueStateCmd, keys, argv...)
	if err != nil {
		return 0, err
	}
	switch code {
	case 1, statusBadTransition:
		if len(rest) != 1 {
			return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected reply length from Lua script: %d", len(rest)))
		}
		prev, err := base.QueueStateFromString(cast.ToString(rest[0]))
		if err != nil {
			return 0, errors.E(op, errors.Internal, err)
		}
		if code == statusBadTransition {
			return prev, errors.E(op, errors.FailedPrecondition,
				fmt.Sprintf("queue %s cannot move from %v to %v", q, prev, to))
		}
		return prev, nil
	}
	return 0, statusError(op, q, "", code)
}

// KEYS[1] -> queue properties
// ARGV[1] -> limit (0 clears)
// ARGV[2] -> interval in milliseconds
var setRateLimitCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if tonumber(ARGV[1]) == 0 then
	redis.call("HDEL", KEYS[1], "rl_limit", "rl_interval")
else
	redis.call("HSET", KEYS[1], "rl_limit", ARGV[1], "rl_interval", ARGV[2])
end
return 1
`)

// SetRateLimit sets the fixed-window rate limit of the queue.
func (r *RDB) SetRateLimit(ctx context.Context, q base.QueueRef, rl base.RateLimit) error {
	var op errors.Op = "rdb.SetRateLimit"
	if err := rl.Validate(); err != nil {
		return errors.E(op, err)
	}
	n, err := r.runScriptInt(ctx, op, setRateLimitCmd, []string{base.PropertiesKey(q)}, rl.Limit, rl.Interval.Milliseconds())
	if err != nil {
		return err
	}
	if n != 1 {
		return statusError(op, q, "", n)
	}
	return nil
}

// ClearRateLimit removes the rate limit of the queue.
func (r *RDB) ClearRateLimit(ctx context.Context, q base.QueueRef) error {
	var op errors.Op = "rdb.ClearRateLimit"
	n, err := r.runScriptInt(ctx, op, setRateLimitCmd, []string{base.PropertiesKey(q)}, 0, 0)
	if err != nil {
		return err
	}
	if n != 1 {
		return statusError(op, q, "", n)
	}
	return nil
}

// RateLimitUsage returns the number of fetches counted in the current window
// and the time left until the window resets. It does not consume a slot.
func (r *RDB) RateLimitUsage(ctx context.Context, q base.QueueRef) (int64, time.Duration, error) {
	var op errors.Op = "rdb.RateLimitUsage"
	props, err := r.GetQueueProperties(ctx, q)
	if err != nil {
		return 0, 0, errors.E(op, err)
	}
	if props.RateLimit == nil {
		return 0, 0, nil
	}
	interval := props.RateLimit.Interval.Milliseconds()
	now := r.now()
	bucket := now / interval
	var used int64
	err = r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		v, err := c.Get(ctx, base.RateLimitKey(q, bucket)).Result()
		if err == redis.Nil {
			return nil
		}
		used = cast.ToInt64(v)
		return err
	})
	if err != nil {
		return 0, 0, storeErr(op, err)
	}
	return used, msToDuration((bucket+1)*interval - now), nil
}
