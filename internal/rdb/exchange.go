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
	"github.com/hemant/titanbroker/internal/routing"
)

// Exchange keys live outside the queue hash tags, so multi-key updates
// below use optimistic transactions instead of scripts.

// CreateExchange persists a new exchange.
func (r *RDB) CreateExchange(ctx context.Context, ex base.ExchangeRef, typ base.ExchangeType) error {
	var op errors.Op = "rdb.CreateExchange"
	if err := ex.Validate(); err != nil {
		return errors.E(op, err)
	}
	key := base.ExchangeKey(ex)
	return r.pool.Watch(ctx, op, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.E(op, errors.AlreadyExists, fmt.Sprintf("exchange %s already exists", ex))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "type", typ.String(), "created_at", r.now())
			pipe.SAdd(ctx, base.AllExchangesKey(ex.Namespace), ex.Name)
			return nil
		})
		return err
	}, key)
}

// GetExchange returns the exchange.
func (r *RDB) GetExchange(ctx context.Context, ex base.ExchangeRef) (*base.Exchange, error) {
	var op errors.Op = "rdb.GetExchange"
	var typ string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		typ, err = c.HGet(ctx, base.ExchangeKey(ex), "type").Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, errors.E(op, errors.NotFound, &errors.ExchangeNotFoundError{Exchange: ex.String()})
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	t, err := base.ExchangeTypeFromString(typ)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return &base.Exchange{Ref: ex, Type: t}, nil
}

// ListExchanges returns the exchanges of the namespace sorted by name.
func (r *RDB) ListExchanges(ctx context.Context, ns string) ([]base.ExchangeRef, error) {
	var op errors.Op = "rdb.ListExchanges"
	var names []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		names, err = c.SMembers(ctx, base.AllExchangesKey(ns)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	sort.Strings(names)
	refs := make([]base.ExchangeRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, base.ExchangeRef{Namespace: ns, Name: n})
	}
	return refs, nil
}

// DeleteExchange removes an exchange that has no bound queue.
func (r *RDB) DeleteExchange(ctx context.Context, ex base.ExchangeRef) error {
	var op errors.Op = "rdb.DeleteExchange"
	key, bkey := base.ExchangeKey(ex), base.ExchangeBindingsKey(ex)
	return r.pool.Watch(ctx, op, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.E(op, errors.NotFound, &errors.ExchangeNotFoundError{Exchange: ex.String()})
		}
		bound, err := tx.SCard(ctx, bkey).Result()
		if err != nil {
			return err
		}
		if bound > 0 {
			return errors.E(op, errors.FailedPrecondition, errors.ErrExchangeHasBindings)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, bkey)
			pipe.SRem(ctx, base.AllExchangesKey(ex.Namespace), ex.Name)
			return nil
		})
		return err
	}, key, bkey)
}

// BindQueue binds the queue to the exchange. Pattern is the routing key
// pattern of a TOPIC binding and must be empty for other exchange types.
//
// A DIRECT exchange accepts a single bound queue.
func (r *RDB) BindQueue(ctx context.Context, ex base.ExchangeRef, q base.QueueRef, pattern string) error {
	var op errors.Op = "rdb.BindQueue"
	if ex.Namespace != q.Namespace {
		return errors.E(op, errors.InvalidArgument,
			fmt.Sprintf("exchange %s and queue %s belong to different namespaces", ex, q))
	}
	b, err := base.EncodeBinding(base.Binding{Queue: q, Pattern: pattern})
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	key, bkey, pkey := base.ExchangeKey(ex), base.ExchangeBindingsKey(ex), base.PropertiesKey(q)
	return r.pool.Watch(ctx, op, func(tx *redis.Tx) error {
		typ, err := tx.HGet(ctx, key, "type").Result()
		if err == redis.Nil {
			return errors.E(op, errors.NotFound, &errors.ExchangeNotFoundError{Exchange: ex.String()})
		}
		if err != nil {
			return err
		}
		n, err := tx.Exists(ctx, pkey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: q.String()})
		}
		t, err := base.ExchangeTypeFromString(typ)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		switch t {
		case base.ExchangeTopic:
			if err := routing.ValidatePattern(pattern); err != nil {
				return errors.E(op, err)
			}
		default:
			if pattern != "" {
				return errors.E(op, errors.InvalidArgument, fmt.Sprintf("%v exchange bindings take no routing key pattern", t))
			}
		}
		members, err := tx.SMembers(ctx, bkey).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			if m == b {
				return errors.E(op, errors.AlreadyExists, fmt.Sprintf("queue %s is already bound to exchange %s", q, ex))
			}
		}
		if t == base.ExchangeDirect && len(members) > 0 {
			return errors.E(op, errors.AlreadyExists, fmt.Sprintf("direct exchange %s already has a bound queue", ex))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, bkey, b)
			pipe.SAdd(ctx, base.BoundExchangesKey(q), ex.Name)
			return nil
		})
		return err
	}, key, bkey, pkey)
}

// UnbindQueue removes a binding created by BindQueue.
func (r *RDB) UnbindQueue(ctx context.Context, ex base.ExchangeRef, q base.QueueRef, pattern string) error {
	var op errors.Op = "rdb.UnbindQueue"
	b, err := base.EncodeBinding(base.Binding{Queue: q, Pattern: pattern})
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	bkey := base.ExchangeBindingsKey(ex)
	return r.pool.Watch(ctx, op, func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, bkey).Result()
		if err != nil {
			return err
		}
		found, others := false, false
		for _, m := range members {
			if m == b {
				found = true
				continue
			}
			if other, err := base.DecodeBinding(m); err == nil && other.Queue == q {
				others = true
			}
		}
		if !found {
			return errors.E(op, errors.NotFound, fmt.Sprintf("queue %s is not bound to exchange %s", q, ex))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, bkey, b)
			if !others {
				pipe.SRem(ctx, base.BoundExchangesKey(q), ex.Name)
			}
			return nil
		})
		return err
	}, bkey)
}

// ListBindings returns the bindings of the exchange.
func (r *RDB) ListBindings(ctx context.Context, ex base.ExchangeRef) ([]base.Binding, error) {
	var op errors.Op = "rdb.ListBindings"
	var members []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		members, err = c.SMembers(ctx, base.ExchangeBindingsKey(ex)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	sort.Strings(members)
	bindings := make([]base.Binding, 0, len(members))
	for _, m := range members {
		b, err := base.DecodeBinding(m)
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode binding: %v", err))
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}
