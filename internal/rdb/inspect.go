// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// QueueInfo holds the properties and structure sizes of a queue.
type QueueInfo struct {
	Props *base.QueueProperties

	// Counts holds queue-level sizes. For PUB_SUB queues only Scheduled is
	// populated; the other structures are kept per group.
	Counts base.QueueCounts

	// Groups holds per consumer group sizes of PUB_SUB queues.
	Groups map[string]base.QueueCounts

	// Consumers is the number of consumers with a live heartbeat.
	Consumers int64
}

// Total returns the number of messages held by the queue.
func (i *QueueInfo) Total() int64 {
	n := i.Counts.Total()
	for _, c := range i.Groups {
		n += c.Total()
	}
	return n
}

// GetQueueInfo returns the structure sizes of the queue.
func (r *RDB) GetQueueInfo(ctx context.Context, props *base.QueueProperties) (*QueueInfo, error) {
	var op errors.Op = "rdb.GetQueueInfo"
	q := props.Queue
	info := &QueueInfo{Props: props, Groups: make(map[string]base.QueueCounts)}
	groups := []string{""}
	if props.DeliveryModel == base.DeliveryPubSub {
		var err error
		if groups, err = r.ListConsumerGroups(ctx, q); err != nil {
			return nil, errors.E(op, err)
		}
	}
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		pipe := c.Pipeline()
		scheduled := pipe.ZCard(ctx, base.ScheduledKey(q))
		consumers := pipe.ZCount(ctx, base.ConsumersKey(q), fmt.Sprint(r.now()), "+inf")
		type groupCmds struct {
			pending                        *redis.IntCmd
			processing, acked, deadLetters *redis.IntCmd
		}
		cmds := make(map[string]groupCmds, len(groups))
		for _, g := range groups {
			gc := groupCmds{
				processing:  pipe.ZCard(ctx, base.ProcessingKey(q, g)),
				acked:       pipe.ZCard(ctx, base.AcknowledgedKey(q, g)),
				deadLetters: pipe.ZCard(ctx, base.DeadLetteredKey(q, g)),
			}
			if props.Type == base.QueueTypePriority {
				gc.pending = pipe.ZCard(ctx, base.PendingKey(q, g))
			} else {
				gc.pending = pipe.LLen(ctx, base.PendingKey(q, g))
			}
			cmds[g] = gc
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		info.Counts.Scheduled = scheduled.Val()
		info.Consumers = consumers.Val()
		for g, gc := range cmds {
			counts := base.QueueCounts{
				Pending:      gc.pending.Val(),
				Processing:   gc.processing.Val(),
				Acknowledged: gc.acked.Val(),
				DeadLettered: gc.deadLetters.Val(),
			}
			if g == "" {
				counts.Scheduled = info.Counts.Scheduled
				info.Counts = counts
			} else {
				info.Groups[g] = counts
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return info, nil
}

// pageSource is the storage shape a message listing reads from.
type pageSource int

const (
	listPage pageSource = iota + 1
	sortedSetPage
)

func pageSourceFor(typ base.QueueType, t base.MessageType) pageSource {
	if t == base.MessageTypePending && typ != base.QueueTypePriority {
		return listPage
	}
	return sortedSetPage
}

// Page selects a window of a listing. Cursor is the offset of the first entry.
type Page struct {
	Cursor int64
	Size   int64
}

// ListMessages returns one page of the messages held in the given structure,
// in delivery order for pending structures and in score order otherwise.
// The returned cursor is zero once the structure is exhausted.
func (r *RDB) ListMessages(ctx context.Context, props *base.QueueProperties, group string, t base.MessageType, page Page) ([]*base.Message, int64, error) {
	var op errors.Op = "rdb.ListMessages"
	if page.Size <= 0 {
		return nil, 0, errors.E(op, errors.InvalidArgument, "page size must be positive")
	}
	if page.Cursor < 0 {
		return nil, 0, errors.E(op, errors.InvalidArgument, "page cursor must not be negative")
	}
	if t != base.MessageTypeScheduled {
		if err := props.ValidateGroupFor(group); err != nil {
			return nil, 0, errors.E(op, err)
		}
	}
	q := props.Queue
	key := base.KeyForType(q, group, t)
	start, stop := page.Cursor, page.Cursor+page.Size-1

	var ids []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		switch pageSourceFor(props.Type, t) {
		case listPage:
			if props.Type == base.QueueTypeFIFO {
				// FIFO pops from the tail: walk the list backwards.
				ids, err = c.LRange(ctx, key, -stop-1, -start-1).Result()
				for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
					ids[i], ids[j] = ids[j], ids[i]
				}
			} else {
				ids, err = c.LRange(ctx, key, start, stop).Result()
			}
		case sortedSetPage:
			ids, err = c.ZRange(ctx, key, start, stop).Result()
		}
		return err
	})
	if err != nil {
		return nil, 0, storeErr(op, err)
	}
	msgs, err := r.getMessages(ctx, op, q, ids)
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if int64(len(ids)) == page.Size {
		next = page.Cursor + page.Size
	}
	return msgs, next, nil
}

func (r *RDB) getMessages(ctx context.Context, op errors.Op, q base.QueueRef, ids []string) ([]*base.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var results []map[string]string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		pipe := c.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, base.MessageKey(q, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		results = make([]map[string]string, len(cmds))
		for i, cmd := range cmds {
			results[i] = cmd.Val()
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	msgs := make([]*base.Message, 0, len(results))
	for _, fields := range results {
		if len(fields) == 0 {
			// Removed between the range read and the hash read.
			continue
		}
		msg, err := parseMessage(op, fields)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// CountMessages returns the number of messages held in one structure.
func (r *RDB) CountMessages(ctx context.Context, props *base.QueueProperties, group string, t base.MessageType) (int64, error) {
	var op errors.Op = "rdb.CountMessages"
	key := base.KeyForType(props.Queue, group, t)
	var n int64
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		switch pageSourceFor(props.Type, t) {
		case listPage:
			n, err = c.LLen(ctx, key).Result()
		case sortedSetPage:
			n, err = c.ZCard(ctx, key).Result()
		}
		return err
	})
	if err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

// KEYS[1] -> structure to purge
// ARGV[1] -> queue key prefix
// ARGV[2] -> "list" or "zset"
// ARGV[3] -> batch size
//
// Output:
// number of messages deleted
var purgeBatchCmd = redis.NewScript(`
local ids
if ARGV[2] == "list" then
	ids = redis.call("LRANGE", KEYS[1], 0, tonumber(ARGV[3]) - 1)
	if #ids > 0 then
		redis.call("LTRIM", KEYS[1], #ids, -1)
	end
else
	ids = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[3]) - 1)
	if #ids > 0 then
		redis.call("ZREMRANGEBYRANK", KEYS[1], 0, #ids - 1)
	end
end
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[1] .. "m:" .. id)
end
return #ids
`)

// PurgeBatch deletes up to batchSize messages from one structure and
// returns how many were deleted.
func (r *RDB) PurgeBatch(ctx context.Context, props *base.QueueProperties, group string, t base.MessageType, batchSize int) (int64, error) {
	var op errors.Op = "rdb.PurgeBatch"
	if batchSize <= 0 {
		return 0, errors.E(op, errors.InvalidArgument, "batch size must be positive")
	}
	kind := "zset"
	if pageSourceFor(props.Type, t) == listPage {
		kind = "list"
	}
	q := props.Queue
	return r.runScriptInt(ctx, op, purgeBatchCmd,
		[]string{base.KeyForType(q, group, t)}, base.QueueKeyPrefix(q), kind, batchSize)
}

// KEYS[1] -> queue properties
// ARGV[1] -> queue key prefix
// ARGV[2] -> message id
//
// Output:
// 1 if deleted, 0 if the message does not exist
var deleteMessageCmd = redis.NewScript(`
local prefix = ARGV[1]
local mkey = prefix .. "m:" .. ARGV[2]
local fields = redis.call("HMGET", mkey, "state", "group")
local state = fields[1]
if not state then
	return 0
end
local gprefix = prefix
if fields[2] and fields[2] ~= "" then
	gprefix = prefix .. "g:" .. fields[2] .. ":"
end
if state == "pending" or state == "unack_requeuing" then
	if redis.call("HGET", KEYS[1], "type") == "priority" then
		redis.call("ZREM", gprefix .. "pending", ARGV[2])
	else
		redis.call("LREM", gprefix .. "pending", 0, ARGV[2])
	end
elseif state == "processing" then
	redis.call("ZREM", gprefix .. "processing", ARGV[2])
elseif state == "scheduled" or state == "unack_delaying" then
	redis.call("ZREM", prefix .. "scheduled", ARGV[2])
elseif state == "acknowledged" then
	redis.call("ZREM", gprefix .. "acknowledged", ARGV[2])
elseif state == "dead_lettered" then
	redis.call("ZREM", gprefix .. "deadlettered", ARGV[2])
end
redis.call("DEL", mkey)
return 1
`)

// DeleteMessage removes the message from whichever structure holds it.
func (r *RDB) DeleteMessage(ctx context.Context, q base.QueueRef, id string) error {
	var op errors.Op = "rdb.DeleteMessage"
	n, err := r.runScriptInt(ctx, op, deleteMessageCmd, []string{base.PropertiesKey(q)}, base.QueueKeyPrefix(q), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.MessageNotFoundError{Queue: q.String(), ID: id})
	}
	return nil
}

// KEYS[1] -> archive sorted set
// ARGV[1] -> queue key prefix
// ARGV[2] -> cutoff in Unix ms
// ARGV[3] -> batch size
//
// Output:
// number of messages deleted
var deleteExpiredCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[1] .. "m:" .. id)
	redis.call("ZREM", KEYS[1], id)
end
return #ids
`)

// DeleteExpiredAudit deletes up to batchSize archived messages of the queue
// (or group) that outlived their audit policy expiry. It returns how many
// messages were deleted.
func (r *RDB) DeleteExpiredAudit(ctx context.Context, q base.QueueRef, group string, batchSize int) (int64, error) {
	var op errors.Op = "rdb.DeleteExpiredAudit"
	now := r.now()
	var total int64
	for _, a := range []struct {
		policy base.AuditPolicy
		key    string
	}{
		{r.acked, base.AcknowledgedKey(q, group)},
		{r.dead, base.DeadLetteredKey(q, group)},
	} {
		if a.policy.Expire <= 0 {
			continue
		}
		n, err := r.runScriptInt(ctx, op, deleteExpiredCmd, []string{a.key},
			base.QueueKeyPrefix(q), now-a.policy.Expire.Milliseconds(), batchSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
