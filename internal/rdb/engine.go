// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// Lua helpers shared by the queue scripts. Each script that uses them must
// define the locals qtype, seqkey and prefix before the helpers.
const luaHelpers = `
local function group_prefix(group)
	if group == nil or group == "" or group == false then
		return prefix
	end
	return prefix .. "g:" .. group .. ":"
end

-- Priority bands are 2^40 apart. The arrival sequence fills the low bits,
-- so equal priorities keep arrival order.
local function push_pending(pkey, id, prio)
	if qtype == "priority" then
		local seq = redis.call("INCR", seqkey)
		redis.call("ZADD", pkey, (7 - tonumber(prio)) * 1099511627776 + seq, id)
	else
		redis.call("LPUSH", pkey, id)
	end
end

local function archive(akey, id, now, store, size, cutoff)
	local mkey = prefix .. "m:" .. id
	if store ~= 1 then
		redis.call("DEL", mkey)
		return
	end
	redis.call("ZADD", akey, now, id)
	if cutoff > 0 then
		local old = redis.call("ZRANGEBYSCORE", akey, "-inf", cutoff)
		for _, oid in ipairs(old) do
			redis.call("DEL", prefix .. "m:" .. oid)
		end
		redis.call("ZREMRANGEBYSCORE", akey, "-inf", cutoff)
	end
	if size > 0 then
		local n = redis.call("ZCARD", akey)
		if n > size then
			local old = redis.call("ZRANGE", akey, 0, n - size - 1)
			for _, oid in ipairs(old) do
				redis.call("DEL", prefix .. "m:" .. oid)
			end
			redis.call("ZREMRANGEBYRANK", akey, 0, n - size - 1)
		end
	end
end
`

// KEYS[1] -> queue properties
// KEYS[2] -> sequence counter
// KEYS[3] -> scheduled index
// KEYS[4] -> consumer group set
// ARGV[1] -> queue key prefix
// ARGV[2] -> current time in Unix ms
// ARGV[3] -> number of copies
// ARGV[4:] -> per copy: id, group, encoded message, priority, expire_at,
// due time (0 for immediate delivery), recurring flag, repeat remaining
//
// Output:
// 1 on success, or a negative status code.
var enqueueCmd = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return -1
end
if state ~= "up" then
	return -2
end
local qtype = redis.call("HGET", KEYS[1], "type")
local pubsub = redis.call("HGET", KEYS[1], "delivery") == "pub_sub"
local seqkey = KEYS[2]
local prefix = ARGV[1]
` + luaHelpers + `
local now = ARGV[2]
local n = tonumber(ARGV[3])
for c = 0, n - 1 do
	local i = 4 + c * 8
	local group = ARGV[i + 1]
	if pubsub ~= (group ~= "") then
		return -6
	end
	if pubsub and redis.call("SISMEMBER", KEYS[4], group) == 0 then
		return -4
	end
	if redis.call("EXISTS", prefix .. "m:" .. ARGV[i]) == 1 then
		return -5
	end
end
for c = 0, n - 1 do
	local i = 4 + c * 8
	local id, group, prio, due = ARGV[i], ARGV[i + 1], ARGV[i + 3], tonumber(ARGV[i + 5])
	local mkey = prefix .. "m:" .. id
	redis.call("HSET", mkey,
		"msg", ARGV[i + 2],
		"attempts", 0,
		"priority", prio,
		"group", group,
		"expire_at", ARGV[i + 4],
		"recurring", ARGV[i + 6],
		"published_at", now)
	if due > 0 then
		redis.call("HSET", mkey, "state", "scheduled", "scheduled_at", now, "next_at", due,
			"repeat_remaining", ARGV[i + 7])
		redis.call("ZADD", KEYS[3], due, id)
	else
		redis.call("HSET", mkey, "state", "pending")
		push_pending(group_prefix(group) .. "pending", id, prio)
	end
end
return 1
`)

// EnqueueArgs describes one message copy to write. DueAt is zero for
// immediate delivery, otherwise the copy goes to the scheduled index.
type EnqueueArgs struct {
	Msg             *base.Message
	DueAt           int64
	RepeatRemaining int
}

// Enqueue atomically writes the given copies of a message to one queue.
// Either every copy is written or none is.
func (r *RDB) Enqueue(ctx context.Context, q base.QueueRef, copies ...EnqueueArgs) error {
	var op errors.Op = "rdb.Enqueue"
	if len(copies) == 0 {
		return errors.E(op, errors.InvalidArgument, "no message to enqueue")
	}
	keys := []string{
		base.PropertiesKey(q),
		base.SequenceKey(q),
		base.ScheduledKey(q),
		base.GroupsKey(q),
	}
	argv := []interface{}{base.QueueKeyPrefix(q), r.now(), len(copies)}
	var group string
	for _, c := range copies {
		if c.Msg.Queue != q {
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("message %s targets queue %s, not %s", c.Msg.ID, c.Msg.Queue, q))
		}
		encoded, err := base.EncodeMessage(c.Msg)
		if err != nil {
			return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
		}
		recurring := 0
		if c.Msg.IsRecurring() {
			recurring = 1
		}
		group = c.Msg.ConsumerGroupID
		argv = append(argv,
			c.Msg.ID,
			c.Msg.ConsumerGroupID,
			encoded,
			c.Msg.Priority,
			c.Msg.ExpireAt(),
			c.DueAt,
			recurring,
			c.RepeatRemaining)
	}
	n, err := r.runScriptInt(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n != 1 {
		return statusError(op, q, group, n)
	}
	return nil
}

// KEYS[1] -> queue properties
// KEYS[2] -> sequence counter
// KEYS[3] -> pending
// KEYS[4] -> processing
// KEYS[5] -> dead-lettered
// KEYS[6] -> consumer group set
// ARGV[1] -> queue key prefix
// ARGV[2] -> current time in Unix ms
// ARGV[3] -> lease deadline in Unix ms
// ARGV[4] -> consumer id
// ARGV[5] -> group id
// ARGV[6] -> rate limit key prefix
// ARGV[7..9] -> dead-letter store flag, size cap, expiry cutoff
//
// Output:
// {1, id, field, value, ...} with the message hash on success
// {0} if the pending structure is empty
// {-3, ms} if the rate limit window is exhausted
// {-1}, {-2}, {-4}, {-6} for the shared failure statuses
//
// Messages whose TTL elapsed while pending are dead-lettered on the way.
var fetchCmd = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return {-1}
end
if state ~= "up" then
	return {-2}
end
local pubsub = redis.call("HGET", KEYS[1], "delivery") == "pub_sub"
if pubsub ~= (ARGV[5] ~= "") then
	return {-6}
end
if pubsub and redis.call("SISMEMBER", KEYS[6], ARGV[5]) == 0 then
	return {-4}
end
local qtype = redis.call("HGET", KEYS[1], "type")
local seqkey = KEYS[2]
local prefix = ARGV[1]
` + luaHelpers + `
local now = tonumber(ARGV[2])
local rlkey
local limit = tonumber(redis.call("HGET", KEYS[1], "rl_limit") or "0")
local interval = tonumber(redis.call("HGET", KEYS[1], "rl_interval") or "0")
if limit > 0 and interval > 0 then
	local bucket = math.floor(now / interval)
	rlkey = ARGV[6] .. bucket
	local used = tonumber(redis.call("GET", rlkey) or "0")
	if used >= limit then
		return {-3, (bucket + 1) * interval - now}
	end
end
for _ = 1, 100 do
	local id
	if qtype == "priority" then
		local res = redis.call("ZPOPMIN", KEYS[3])
		id = res[1]
	elseif qtype == "lifo" then
		id = redis.call("LPOP", KEYS[3])
	else
		id = redis.call("RPOP", KEYS[3])
	end
	if not id then
		return {0}
	end
	local mkey = prefix .. "m:" .. id
	if redis.call("EXISTS", mkey) == 1 then
		local expire_at = tonumber(redis.call("HGET", mkey, "expire_at") or "0")
		if expire_at > 0 and expire_at <= now then
			redis.call("HSET", mkey, "state", "dead_lettered", "deadlettered_at", now, "cause", "ttl_expired")
			archive(KEYS[5], id, now, tonumber(ARGV[7]), tonumber(ARGV[8]), tonumber(ARGV[9]))
		else
			redis.call("ZADD", KEYS[4], ARGV[3], id)
			redis.call("HSET", mkey, "state", "processing", "processing_at", now, "consumer", ARGV[4])
			if rlkey then
				redis.call("INCR", rlkey)
				redis.call("PEXPIRE", rlkey, interval)
			end
			local out = {1, id}
			local fields = redis.call("HGETALL", mkey)
			for i = 1, #fields do
				out[#out + 1] = fields[i]
			end
			return out
		end
	end
end
return {0}
`)

// Fetch moves the next message of the queue (or of the consumer group) to
// processing with a lease that ends at leaseDeadline. It returns a nil
// message and a nil error when there is nothing to fetch.
//
// When the queue's rate limit window is exhausted, Fetch returns a
// RateLimitedError without touching the pending structure.
func (r *RDB) Fetch(ctx context.Context, q base.QueueRef, group, consumerID string, leaseDeadline time.Time) (*base.Message, error) {
	var op errors.Op = "rdb.Fetch"
	now := r.now()
	store, size, cutoff := auditArgs(r.dead, now)
	keys := []string{
		base.PropertiesKey(q),
		base.SequenceKey(q),
		base.PendingKey(q, group),
		base.ProcessingKey(q, group),
		base.DeadLetteredKey(q, group),
		base.GroupsKey(q),
	}
	argv := []interface{}{
		base.QueueKeyPrefix(q),
		now,
		leaseDeadline.UnixMilli(),
		consumerID,
		group,
		base.RateLimitKeyPrefix(q),
		store, size, cutoff,
	}
	code, rest, err := r.runScriptSlice(ctx, op, fetchCmd, keys, argv...)
	if err != nil {
		return nil, err
	}
	switch code {
	case 0:
		return nil, nil
	case 1:
		if len(rest) < 1 {
			return nil, errors.E(op, errors.Internal, "fetch reply has no message id")
		}
		fields, err := pairsToMap(op, rest[1:])
		if err != nil {
			return nil, err
		}
		return parseMessage(op, fields)
	case statusRateLimited:
		if len(rest) != 1 {
			return nil, errors.E(op, errors.Internal, "rate limit reply has no retry delay")
		}
		return nil, errors.E(op, errors.FailedPrecondition, &errors.RateLimitedError{
			Queue:      q.String(),
			RetryAfter: msToDuration(cast.ToInt64(rest[0])),
		})
	}
	return nil, statusError(op, q, group, code)
}

// KEYS[1] -> processing
// KEYS[2] -> acknowledged
// ARGV[1] -> queue key prefix
// ARGV[2] -> message id
// ARGV[3] -> current time in Unix ms
// ARGV[4..6] -> acknowledged store flag, size cap, expiry cutoff
//
// Output:
// 1 if the message was acknowledged
// 0 if the message was not in processing
var ackCmd = redis.NewScript(`
local prefix = ARGV[1]
local qtype, seqkey
` + luaHelpers + `
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
	return 0
end
local now = tonumber(ARGV[3])
redis.call("HSET", prefix .. "m:" .. ARGV[2], "state", "acknowledged", "acknowledged_at", now)
archive(KEYS[2], ARGV[2], now, tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6]))
return 1
`)

// Acknowledge removes the message from processing and archives it according
// to the acknowledged audit policy.
//
// Acknowledgment is idempotent: it reports false, with no error, if the
// message is no longer in processing.
func (r *RDB) Acknowledge(ctx context.Context, msg *base.Message) (bool, error) {
	var op errors.Op = "rdb.Acknowledge"
	now := r.now()
	store, size, cutoff := auditArgs(r.acked, now)
	keys := []string{
		base.ProcessingKey(msg.Queue, msg.ConsumerGroupID),
		base.AcknowledgedKey(msg.Queue, msg.ConsumerGroupID),
	}
	n, err := r.runScriptInt(ctx, op, ackCmd, keys, base.QueueKeyPrefix(msg.Queue), msg.ID, now, store, size, cutoff)
	if err != nil {
		return false, err
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %d", n))
}

// KEYS[1] -> queue properties
// KEYS[2] -> sequence counter
// KEYS[3] -> processing
// KEYS[4] -> pending
// KEYS[5] -> scheduled index
// KEYS[6] -> dead-lettered
// ARGV[1] -> queue key prefix
// ARGV[2] -> message id
// ARGV[3] -> current time in Unix ms
// ARGV[4] -> unack cause
// ARGV[5] -> retry threshold
// ARGV[6] -> retry delay in ms
// ARGV[7..9] -> dead-letter store flag, size cap, expiry cutoff
//
// Output:
// 0 if the message was not in processing
// 1 if requeued to pending
// 2 if delayed through the scheduled index
// 3 if dead-lettered
var requeueCmd = redis.NewScript(`
local qtype = redis.call("HGET", KEYS[1], "type")
local seqkey = KEYS[2]
local prefix = ARGV[1]
` + luaHelpers + `
if redis.call("ZREM", KEYS[3], ARGV[2]) == 0 then
	return 0
end
local mkey = prefix .. "m:" .. ARGV[2]
local now = tonumber(ARGV[3])
local attempts = redis.call("HINCRBY", mkey, "attempts", 1)
redis.call("HSET", mkey, "unacked_at", now, "cause", ARGV[4])
redis.call("HDEL", mkey, "consumer")
local expire_at = tonumber(redis.call("HGET", mkey, "expire_at") or "0")
if qtype and attempts <= tonumber(ARGV[5]) and (expire_at == 0 or expire_at > now) then
	local delay = tonumber(ARGV[6])
	if delay > 0 then
		redis.call("HSET", mkey, "state", "unack_delaying", "requeued_at", now, "next_at", now + delay)
		redis.call("ZADD", KEYS[5], now + delay, ARGV[2])
		return 2
	end
	redis.call("HSET", mkey, "state", "unack_requeuing", "requeued_at", now)
	push_pending(KEYS[4], ARGV[2], redis.call("HGET", mkey, "priority") or "0")
	return 1
end
redis.call("HSET", mkey, "state", "dead_lettered", "deadlettered_at", now)
archive(KEYS[6], ARGV[2], now, tonumber(ARGV[7]), tonumber(ARGV[8]), tonumber(ARGV[9]))
return 3
`)

// RequeueResult reports where Requeue moved a message.
type RequeueResult int

const (
	RequeueNotFound RequeueResult = iota
	RequeuePending
	RequeueDelayed
	RequeueDeadLettered
)

func (r RequeueResult) String() string {
	switch r {
	case RequeueNotFound:
		return "not_found"
	case RequeuePending:
		return "pending"
	case RequeueDelayed:
		return "delayed"
	case RequeueDeadLettered:
		return "dead_lettered"
	}
	panic(fmt.Sprintf("internal error: unknown requeue result %d", r))
}

// Requeue records a failed delivery of the message. The attempt counter is
// incremented; while it stays within the retry threshold the message goes
// back to pending (after retryDelay through the scheduled index when
// retryDelay is positive). Otherwise the message is dead-lettered.
//
// A message that is no longer in processing yields a MessageNotFoundError.
func (r *RDB) Requeue(ctx context.Context, msg *base.Message, cause string, retryDelay time.Duration) (RequeueResult, error) {
	var op errors.Op = "rdb.Requeue"
	now := r.now()
	store, size, cutoff := auditArgs(r.dead, now)
	q, group := msg.Queue, msg.ConsumerGroupID
	keys := []string{
		base.PropertiesKey(q),
		base.SequenceKey(q),
		base.ProcessingKey(q, group),
		base.PendingKey(q, group),
		base.ScheduledKey(q),
		base.DeadLetteredKey(q, group),
	}
	argv := []interface{}{
		base.QueueKeyPrefix(q),
		msg.ID,
		now,
		cause,
		msg.RetryThreshold,
		retryDelay.Milliseconds(),
		store, size, cutoff,
	}
	n, err := r.runScriptInt(ctx, op, requeueCmd, keys, argv...)
	if err != nil {
		return RequeueNotFound, err
	}
	switch n {
	case 0:
		return RequeueNotFound, errors.E(op, errors.NotFound, &errors.MessageNotFoundError{Queue: q.String(), ID: msg.ID})
	case 1, 2, 3:
		return RequeueResult(n), nil
	}
	return RequeueNotFound, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %d", n))
}

// ListLeaseExpired returns the ids of messages in processing whose lease
// ended at or before cutoff.
func (r *RDB) ListLeaseExpired(ctx context.Context, q base.QueueRef, group string, cutoff time.Time) ([]string, error) {
	var op errors.Op = "rdb.ListLeaseExpired"
	var ids []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		ids, err = c.ZRangeByScore(ctx, base.ProcessingKey(q, group), &redis.ZRangeBy{
			Min: "-inf",
			Max: cast.ToString(cutoff.UnixMilli()),
		}).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return ids, nil
}

// ExtendLease moves the lease deadline of the in-flight messages. Ids that
// are no longer in processing are ignored.
func (r *RDB) ExtendLease(ctx context.Context, q base.QueueRef, group string, deadline time.Time, ids ...string) error {
	var op errors.Op = "rdb.ExtendLease"
	if len(ids) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(ids))
	for _, id := range ids {
		zs = append(zs, redis.Z{Member: id, Score: float64(deadline.UnixMilli())})
	}
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		return c.ZAddXX(ctx, base.ProcessingKey(q, group), zs...).Err()
	})
	return storeErr(op, err)
}
