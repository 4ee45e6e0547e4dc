// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
//
// Every transition that touches more than one structure of a queue runs as
// a single Lua script. All keys of a queue share one hash tag, so the
// scripts stay valid on a cluster.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/pool"
	"github.com/hemant/titanbroker/internal/timeutil"
)

// Script status codes shared by the queue scripts.
const (
	statusQueueNotFound = -1
	statusNotUp         = -2
	statusRateLimited   = -3
	statusGroupNotFound = -4
	statusDuplicate     = -5
	statusWrongModel    = -6
	statusNotEmpty      = -7
	statusOwnerMismatch = -8
	statusBadTransition = -9
)

// RDB is a client interface to query and mutate message queues.
type RDB struct {
	pool  *pool.Pool
	clock timeutil.Clock

	acked base.AuditPolicy
	dead  base.AuditPolicy
}

// NewRDB returns a new instance of RDB.
func NewRDB(p *pool.Pool) *RDB {
	return &RDB{
		pool:  p,
		clock: timeutil.NewRealClock(),
		acked: base.DefaultAuditPolicy,
		dead:  base.DefaultAuditPolicy,
	}
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// SetAuditPolicies sets the retention of acknowledged and dead-lettered messages.
func (r *RDB) SetAuditPolicies(acked, dead base.AuditPolicy) {
	r.acked = acked
	r.dead = dead
}

// AuditPolicies returns the retention of acknowledged and dead-lettered messages.
func (r *RDB) AuditPolicies() (acked, dead base.AuditPolicy) {
	return r.acked, r.dead
}

// Pool returns the connection pool.
func (r *RDB) Pool() *pool.Pool {
	return r.pool
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.pool.Client()
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.pool.Close()
}

// Ping checks the connection with redis server.
func (r *RDB) Ping(ctx context.Context) error {
	return r.pool.Shared(ctx, "rdb.Ping", func(c redis.Cmdable) error {
		return c.Ping(ctx).Err()
	})
}

func (r *RDB) now() int64 {
	return timeutil.UnixMilli(r.clock)
}

// runScript runs the script on an exclusive connection and returns its raw reply.
func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	var res interface{}
	err := r.pool.Exclusive(ctx, op, func(s redis.Scripter) error {
		var err error
		res, err = script.Run(ctx, s, keys, args...).Result()
		if err == redis.Nil {
			res, err = nil, nil
		}
		return err
	})
	if err != nil {
		if errors.CanonicalCode(err) != errors.Unspecified {
			return nil, err
		}
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	return res, nil
}

// runScriptInt runs a script whose reply is a single integer.
func (r *RDB) runScriptInt(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := r.runScript(ctx, op, script, keys, args...)
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// runScriptSlice runs a script whose reply is an array. The first element
// is always an integer status code.
func (r *RDB) runScriptSlice(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, []interface{}, error) {
	res, err := r.runScript(ctx, op, script, keys, args...)
	if err != nil {
		return 0, nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	code, ok := arr[0].(int64)
	if !ok {
		return 0, nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected status from Lua script: %v", arr[0]))
	}
	return code, arr[1:], nil
}

// statusError maps a shared script status code to an error value.
func statusError(op errors.Op, q base.QueueRef, group string, code int64) error {
	switch code {
	case statusQueueNotFound:
		return errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: q.String()})
	case statusNotUp:
		return errors.E(op, errors.FailedPrecondition, errors.ErrOperationForbidden)
	case statusGroupNotFound:
		return errors.E(op, errors.NotFound, &errors.ConsumerGroupNotFoundError{Queue: q.String(), Group: group})
	case statusDuplicate:
		return errors.E(op, errors.AlreadyExists, "message id already exists")
	case statusWrongModel:
		return errors.E(op, errors.InvalidArgument, fmt.Sprintf("operation does not match the delivery model of queue %s", q))
	case statusNotEmpty:
		return errors.E(op, errors.FailedPrecondition, errors.ErrConsumerGroupNotEmpty)
	case statusOwnerMismatch:
		return errors.E(op, errors.FailedPrecondition, errors.ErrLockOwnerMismatch)
	}
	return errors.E(op, errors.Internal, fmt.Sprintf("unexpected status from Lua script: %d", code))
}

// storeErr wraps a store failure, keeping the code assigned by the pool.
func storeErr(op errors.Op, err error) error {
	if err == nil {
		return nil
	}
	if errors.CanonicalCode(err) != errors.Unspecified {
		return errors.E(op, err)
	}
	return errors.E(op, errors.Unknown, err)
}

// auditArgs returns the retention arguments handed to archiving scripts:
// store flag, size cap and the expiry cutoff in Unix milliseconds.
func auditArgs(p base.AuditPolicy, now int64) (int, int64, int64) {
	store := 0
	if p.Store {
		store = 1
	}
	var cutoff int64
	if p.Expire > 0 {
		cutoff = now - p.Expire.Milliseconds()
	}
	return store, p.QueueSize, cutoff
}

// parseMessage builds a message from its hash fields.
func parseMessage(op errors.Op, fields map[string]string) (*base.Message, error) {
	data, ok := fields["msg"]
	if !ok {
		return nil, errors.E(op, errors.Internal, "message hash has no msg field")
	}
	msg, err := base.DecodeMessage([]byte(data))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	if s, ok := fields["state"]; ok {
		if msg.Status, err = base.MessageStatusFromString(s); err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
	}
	msg.Attempts = cast.ToInt(fields["attempts"])
	msg.LastUnackCause = fields["cause"]
	msg.ConsumerID = fields["consumer"]
	msg.PublishedAt = cast.ToInt64(fields["published_at"])
	msg.ScheduledAt = cast.ToInt64(fields["scheduled_at"])
	msg.ProcessingStartedAt = cast.ToInt64(fields["processing_at"])
	msg.AcknowledgedAt = cast.ToInt64(fields["acknowledged_at"])
	msg.RequeuedAt = cast.ToInt64(fields["requeued_at"])
	msg.DeadLetteredAt = cast.ToInt64(fields["deadlettered_at"])
	msg.LastUnacknowledgedAt = cast.ToInt64(fields["unacked_at"])
	msg.NextScheduledAt = cast.ToInt64(fields["next_at"])
	msg.RepeatRemaining = cast.ToInt(fields["repeat_remaining"])
	return msg, nil
}

// pairsToMap converts a flat [field, value, ...] script reply into a map.
func pairsToMap(op errors.Op, vals []interface{}) (map[string]string, error) {
	if len(vals)%2 != 0 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("odd number of hash fields in script reply: %d", len(vals)))
	}
	m := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		k, err := cast.ToStringE(vals[i])
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		m[k] = cast.ToString(vals[i+1])
	}
	return m, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
