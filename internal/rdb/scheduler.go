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

// KEYS[1] -> scheduled index
// KEYS[2] -> queue properties
// KEYS[3] -> sequence counter
// KEYS[4] -> consumer group set
// ARGV[1] -> queue key prefix
// ARGV[2] -> current time in Unix ms
// ARGV[3] -> batch size
//
// Output:
// {moved, recurring id, ...}
//
// Due non-recurring messages are moved to their pending structure. Due
// recurring messages are left in place and returned to the caller, which
// computes their next occurrence and fires them one by one.
var forwardDueCmd = redis.NewScript(`
local qtype = redis.call("HGET", KEYS[2], "type")
if not qtype then
	return {0}
end
local seqkey = KEYS[3]
local prefix = ARGV[1]
` + luaHelpers + `
local now = tonumber(ARGV[2])
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now, "LIMIT", 0, tonumber(ARGV[3]))
local out = {0}
for _, id in ipairs(ids) do
	local mkey = prefix .. "m:" .. id
	local fields = redis.call("HMGET", mkey, "recurring", "group", "priority")
	if not fields[1] and not fields[2] then
		redis.call("ZREM", KEYS[1], id)
	elseif fields[1] == "1" then
		out[#out + 1] = id
	elseif redis.call("ZREM", KEYS[1], id) == 1 then
		local group = fields[2] or ""
		if group ~= "" and redis.call("SISMEMBER", KEYS[4], group) == 0 then
			redis.call("DEL", mkey)
		else
			redis.call("HSET", mkey, "state", "pending")
			push_pending(group_prefix(group) .. "pending", id, fields[3] or "0")
			out[1] = out[1] + 1
		end
	end
end
return out
`)

// ForwardDue moves up to batchSize due messages from the scheduled index of
// the queue to pending. It returns the number of messages moved and the ids
// of due recurring messages, which are left for FireRecurring.
func (r *RDB) ForwardDue(ctx context.Context, q base.QueueRef, batchSize int) (int, []string, error) {
	var op errors.Op = "rdb.ForwardDue"
	keys := []string{
		base.ScheduledKey(q),
		base.PropertiesKey(q),
		base.SequenceKey(q),
		base.GroupsKey(q),
	}
	moved, rest, err := r.runScriptSlice(ctx, op, forwardDueCmd, keys, base.QueueKeyPrefix(q), r.now(), batchSize)
	if err != nil {
		return 0, nil, err
	}
	ids := make([]string, 0, len(rest))
	for _, v := range rest {
		id, err := cast.ToStringE(v)
		if err != nil {
			return 0, nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected id in Lua reply: %v", v))
		}
		ids = append(ids, id)
	}
	return int(moved), ids, nil
}

// KEYS[1] -> scheduled index
// KEYS[2] -> queue properties
// KEYS[3] -> sequence counter
// KEYS[4] -> consumer group set
// ARGV[1] -> queue key prefix
// ARGV[2] -> current time in Unix ms
// ARGV[3] -> recurring message id
// ARGV[4] -> fired copy id
// ARGV[5] -> fired copy encoded message
// ARGV[6] -> fired copy expire_at
// ARGV[7] -> next occurrence in Unix ms (0 when there is none)
// ARGV[8] -> repeat remaining after this firing
//
// Output:
// 1 if fired
// 0 if the message is no longer due (another forwarder fired it first)
var fireRecurringCmd = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[3])
local now = tonumber(ARGV[2])
if not score or tonumber(score) > now then
	return 0
end
local qtype = redis.call("HGET", KEYS[2], "type")
local seqkey = KEYS[3]
local prefix = ARGV[1]
` + luaHelpers + `
local tkey = prefix .. "m:" .. ARGV[3]
local fields = redis.call("HMGET", tkey, "group", "priority")
local group = fields[1] or ""
local prio = fields[2] or "0"
if not qtype or (group ~= "" and redis.call("SISMEMBER", KEYS[4], group) == 0) then
	redis.call("ZREM", KEYS[1], ARGV[3])
	redis.call("DEL", tkey)
	return 0
end
redis.call("HSET", prefix .. "m:" .. ARGV[4],
	"msg", ARGV[5],
	"state", "pending",
	"attempts", 0,
	"priority", prio,
	"group", group,
	"expire_at", ARGV[6],
	"recurring", 0,
	"published_at", now)
push_pending(group_prefix(group) .. "pending", ARGV[4], prio)
local next_at = tonumber(ARGV[7])
if next_at > 0 then
	redis.call("ZADD", KEYS[1], next_at, ARGV[3])
	redis.call("HSET", tkey, "next_at", next_at, "repeat_remaining", ARGV[8])
else
	redis.call("ZREM", KEYS[1], ARGV[3])
	redis.call("DEL", tkey)
end
return 1
`)

// FireRecurring delivers one occurrence of the recurring message template as
// the fresh message fired, then reschedules the template at next, or
// removes it when next is zero.
//
// It reports false when the template was no longer due, so that two
// concurrent forwarders never fire the same occurrence twice.
func (r *RDB) FireRecurring(ctx context.Context, template, fired *base.Message, next time.Time, repeatRemaining int) (bool, error) {
	var op errors.Op = "rdb.FireRecurring"
	q := template.Queue
	encoded, err := base.EncodeMessage(fired)
	if err != nil {
		return false, errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	var nextAt int64
	if !next.IsZero() {
		nextAt = next.UnixMilli()
	}
	keys := []string{
		base.ScheduledKey(q),
		base.PropertiesKey(q),
		base.SequenceKey(q),
		base.GroupsKey(q),
	}
	argv := []interface{}{
		base.QueueKeyPrefix(q),
		r.now(),
		template.ID,
		fired.ID,
		encoded,
		fired.ExpireAt(),
		nextAt,
		repeatRemaining,
	}
	n, err := r.runScriptInt(ctx, op, fireRecurringCmd, keys, argv...)
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

// GetMessage returns the message with the given id in the queue.
func (r *RDB) GetMessage(ctx context.Context, q base.QueueRef, id string) (*base.Message, error) {
	var op errors.Op = "rdb.GetMessage"
	var fields map[string]string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		fields, err = c.HGetAll(ctx, base.MessageKey(q, id)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	if len(fields) == 0 {
		return nil, errors.E(op, errors.NotFound, &errors.MessageNotFoundError{Queue: q.String(), ID: id})
	}
	return parseMessage(op, fields)
}
