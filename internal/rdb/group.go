// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// KEYS[1] -> queue properties
// KEYS[2] -> consumer group set
// ARGV[1] -> group id
//
// Output:
// 1 if added, 0 if already registered, or a negative status code.
var addConsumerGroupCmd = redis.NewScript(`
local model = redis.call("HGET", KEYS[1], "delivery")
if not model then
	return -1
end
if model ~= "pub_sub" then
	return -6
end
return redis.call("SADD", KEYS[2], ARGV[1])
`)

// AddConsumerGroup registers a consumer group on a PUB_SUB queue.
func (r *RDB) AddConsumerGroup(ctx context.Context, q base.QueueRef, group string) error {
	var op errors.Op = "rdb.AddConsumerGroup"
	if err := base.ValidateName("consumer group", group); err != nil {
		return errors.E(op, err)
	}
	n, err := r.runScriptInt(ctx, op, addConsumerGroupCmd, []string{base.PropertiesKey(q), base.GroupsKey(q)}, group)
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case 0:
		return errors.E(op, errors.AlreadyExists, fmt.Sprintf("consumer group %q is already registered on queue %s", group, q))
	}
	return statusError(op, q, group, n)
}

// KEYS[1] -> queue properties
// KEYS[2] -> consumer group set
// KEYS[3] -> group pending
// KEYS[4] -> group processing
// KEYS[5] -> group acknowledged
// KEYS[6] -> group dead-lettered
// KEYS[7] -> scheduled index
// ARGV[1] -> queue key prefix
// ARGV[2] -> group id
// ARGV[3] -> force flag
//
// Output:
// 1 on success, or a negative status code.
var deleteConsumerGroupCmd = redis.NewScript(`
local qtype = redis.call("HGET", KEYS[1], "type")
if not qtype then
	return -1
end
if redis.call("SISMEMBER", KEYS[2], ARGV[2]) == 0 then
	return -4
end
local pending
if qtype == "priority" then
	pending = redis.call("ZRANGE", KEYS[3], 0, -1)
else
	pending = redis.call("LRANGE", KEYS[3], 0, -1)
end
local scheduled = {}
for _, id in ipairs(redis.call("ZRANGE", KEYS[7], 0, -1)) do
	if redis.call("HGET", ARGV[1] .. "m:" .. id, "group") == ARGV[2] then
		scheduled[#scheduled + 1] = id
	end
end
local members = {pending,
	redis.call("ZRANGE", KEYS[4], 0, -1),
	redis.call("ZRANGE", KEYS[5], 0, -1),
	redis.call("ZRANGE", KEYS[6], 0, -1),
	scheduled}
local total = 0
for _, ids in ipairs(members) do
	total = total + #ids
end
if total > 0 and ARGV[3] ~= "1" then
	return -7
end
for _, ids in ipairs(members) do
	for _, id in ipairs(ids) do
		redis.call("DEL", ARGV[1] .. "m:" .. id)
	end
end
for _, id in ipairs(scheduled) do
	redis.call("ZREM", KEYS[7], id)
end
redis.call("DEL", KEYS[3], KEYS[4], KEYS[5], KEYS[6])
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`)

// DeleteConsumerGroup unregisters a consumer group. A group still holding
// messages, including copies waiting in the scheduled index, is only deleted
// when force is set, in which case its messages are deleted too.
func (r *RDB) DeleteConsumerGroup(ctx context.Context, q base.QueueRef, group string, force bool) error {
	var op errors.Op = "rdb.DeleteConsumerGroup"
	keys := []string{
		base.PropertiesKey(q),
		base.GroupsKey(q),
		base.PendingKey(q, group),
		base.ProcessingKey(q, group),
		base.AcknowledgedKey(q, group),
		base.DeadLetteredKey(q, group),
		base.ScheduledKey(q),
	}
	forceArg := 0
	if force {
		forceArg = 1
	}
	n, err := r.runScriptInt(ctx, op, deleteConsumerGroupCmd, keys, base.QueueKeyPrefix(q), group, forceArg)
	if err != nil {
		return err
	}
	if n != 1 {
		return statusError(op, q, group, n)
	}
	return nil
}

// ListConsumerGroups returns the consumer groups of the queue sorted by id.
func (r *RDB) ListConsumerGroups(ctx context.Context, q base.QueueRef) ([]string, error) {
	var op errors.Op = "rdb.ListConsumerGroups"
	var groups []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		groups, err = c.SMembers(ctx, base.GroupsKey(q)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	sort.Strings(groups)
	return groups, nil
}
