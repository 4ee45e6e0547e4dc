// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/queuestate"
	"github.com/hemant/titanbroker/internal/rdb"
	"github.com/hemant/titanbroker/internal/routing"
	"github.com/hemant/titanbroker/internal/schedule"
)

// A Client is responsible for producing messages and administering
// queues, exchanges and consumer groups.
//
// Clients are safe for concurrent use by multiple goroutines.
type Client struct {
	b *broker
}

// NewClient returns a new Client given a redis connection option.
func NewClient(r RedisConnOpt, cfg BrokerConfig) *Client {
	c := NewClientFromRedisClient(makeRedisClient(r), cfg)
	c.b.sharedConnection = false
	return c
}

// NewClientFromRedisClient returns a new instance of Client given a redis.UniversalClient.
// Warning: The underlying redis connection pool will not be closed by Client.
func NewClientFromRedisClient(c redis.UniversalClient, cfg BrokerConfig) *Client {
	b := newBroker(c, cfg)
	b.sharedConnection = true
	return &Client{b: b}
}

// Close closes the connection with redis.
func (c *Client) Close() error {
	return c.b.close()
}

// Ping performs a ping against the redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.b.rdb.Ping(ctx)
}

// Produce sends the message to its queue, or through its exchange to every
// matching queue. A PUB_SUB queue receives one copy per consumer group.
//
// Every destination is checked before any copy is written: it must exist, be
// UP and, for PUB_SUB, have at least one consumer group. Produce returns
// either the ids of the stored copies or an error, never both.
func (c *Client) Produce(ctx context.Context, m *Message) ([]string, error) {
	var op errors.Op = "titanbroker.Produce"
	if m == nil {
		return nil, errors.E(op, errors.InvalidArgument, "message must not be nil")
	}
	if err := validateMessage(m); err != nil {
		return nil, errors.E(op, err)
	}
	queues, err := c.destinations(ctx, m)
	if err != nil {
		return nil, errors.E(op, err)
	}
	now := c.b.clock.Now()
	due, repeat, err := schedule.First(m.plan(), now)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var dueAt int64
	if !due.IsZero() {
		dueAt = due.UnixMilli()
	}

	type delivery struct {
		queue  base.QueueRef
		copies []rdb.EnqueueArgs
	}
	deliveries := make([]delivery, 0, len(queues))
	for _, q := range queues {
		props, err := c.b.rdb.GetQueueProperties(ctx, q)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if props.State != base.QueueStateUp {
			return nil, errors.E(op, errors.FailedPrecondition, errors.ErrOperationForbidden)
		}
		groups := []string{""}
		if props.DeliveryModel == base.DeliveryPubSub {
			if groups, err = c.b.rdb.ListConsumerGroups(ctx, q); err != nil {
				return nil, errors.E(op, err)
			}
			if len(groups) == 0 {
				return nil, errors.E(op, errors.InvalidArgument, errors.ErrNoConsumerGroup)
			}
		}
		d := delivery{queue: q, copies: make([]rdb.EnqueueArgs, 0, len(groups))}
		for _, g := range groups {
			d.copies = append(d.copies, rdb.EnqueueArgs{
				Msg:             m.toBase(uuid.NewString(), q, g, now),
				DueAt:           dueAt,
				RepeatRemaining: repeat,
			})
		}
		deliveries = append(deliveries, d)
	}

	var ids []string
	for _, d := range deliveries {
		if err := c.b.rdb.Enqueue(ctx, d.queue, d.copies...); err != nil {
			return nil, errors.E(op, err)
		}
		for _, cp := range d.copies {
			ids = append(ids, cp.Msg.ID)
		}
	}
	for _, d := range deliveries {
		for _, cp := range d.copies {
			c.b.events.emit(Event{
				Type:      EventMessageProduced,
				Namespace: d.queue.Namespace,
				Queue:     d.queue.Name,
				Group:     cp.Msg.ConsumerGroupID,
				MessageID: cp.Msg.ID,
			})
		}
	}
	return ids, nil
}

func validateMessage(m *Message) error {
	if err := base.ValidatePriority(m.Priority); err != nil {
		return err
	}
	if m.TTL < 0 || m.RetryDelay < 0 || m.ConsumeTimeout < 0 {
		return errors.E(errors.InvalidArgument, "durations must not be negative")
	}
	if m.RetryThreshold < 0 {
		return errors.E(errors.InvalidArgument, "retry threshold must not be negative")
	}
	if m.Exchange == "" && m.Queue == "" {
		return errors.E(errors.InvalidArgument, "message needs a queue or an exchange")
	}
	return m.plan().Validate()
}

// destinations returns the queues a message is delivered to.
func (c *Client) destinations(ctx context.Context, m *Message) ([]base.QueueRef, error) {
	if m.Exchange == "" {
		return []base.QueueRef{c.b.queue(m.Queue)}, nil
	}
	ex, err := c.b.rdb.GetExchange(ctx, c.b.exchange(m.Exchange))
	if err != nil {
		return nil, err
	}
	bindings, err := c.b.rdb.ListBindings(ctx, ex.Ref)
	if err != nil {
		return nil, err
	}
	return routing.Resolve(ex.Type, bindings, m.RoutingKey)
}

// CreateQueue creates a queue in the UP state.
func (c *Client) CreateQueue(ctx context.Context, name string, typ QueueType, model DeliveryModel) (*Queue, error) {
	var op errors.Op = "titanbroker.CreateQueue"
	q := c.b.queue(name)
	props, err := c.b.rdb.CreateQueue(ctx, q, typ, model)
	if err != nil {
		return nil, errors.E(op, err)
	}
	c.b.logger.Infof("Created %v %v queue %s", typ, model, q)
	c.b.events.emit(Event{Type: EventQueueCreated, Namespace: q.Namespace, Queue: q.Name})
	return newQueue(props), nil
}

// GetQueue returns the queue with the given name.
func (c *Client) GetQueue(ctx context.Context, name string) (*Queue, error) {
	props, err := c.b.rdb.GetQueueProperties(ctx, c.b.queue(name))
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.GetQueue"), err)
	}
	return newQueue(props), nil
}

// ListQueues returns the names of the queues of the namespace, sorted.
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	refs, err := c.b.rdb.ListQueues(ctx, c.b.ns)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.ListQueues"), err)
	}
	names := make([]string, 0, len(refs))
	for _, q := range refs {
		names = append(names, q.Name)
	}
	return names, nil
}

// DeleteQueue takes the queue down and deletes it with all its messages.
//
// Without force, a queue holding messages or serving live consumers is
// not deleted. A queue bound to an exchange is never deleted. When the
// deletion is refused the queue is brought back to its previous state.
func (c *Client) DeleteQueue(ctx context.Context, name string, force bool) error {
	var op errors.Op = "titanbroker.DeleteQueue"
	q := c.b.queue(name)
	err := c.b.states.WithLock(ctx, q, func(ctx context.Context, s *queuestate.Steps) error {
		props, err := c.b.rdb.GetQueueProperties(ctx, q)
		if err != nil {
			return err
		}
		for _, to := range pathToDown(props.State) {
			if _, err := s.Move(ctx, to); err != nil {
				return err
			}
		}
		if err := c.b.rdb.DeleteQueue(ctx, q, force); err != nil {
			for _, to := range pathFromDown(props.State) {
				if _, rerr := s.Move(ctx, to); rerr != nil {
					c.b.logger.Errorf("Could not restore queue %s to %v: %v", q, props.State, rerr)
					break
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return errors.E(op, err)
	}
	c.b.logger.Infof("Deleted queue %s", q)
	c.b.events.emit(Event{Type: EventQueueDeleted, Namespace: q.Namespace, Queue: q.Name})
	return nil
}

// pathToDown lists the states a queue in state s goes through to reach DOWN.
func pathToDown(s QueueState) []QueueState {
	switch s {
	case QueueUp:
		return []QueueState{QueueGoingDown, QueueDown}
	case QueueLocked:
		return []QueueState{QueueUp, QueueGoingDown, QueueDown}
	case QueueGoingUp, QueueGoingDown:
		return []QueueState{QueueDown}
	}
	return nil
}

// pathFromDown lists the states a DOWN queue goes through to return to s.
func pathFromDown(s QueueState) []QueueState {
	switch s {
	case QueueUp:
		return []QueueState{QueueGoingUp, QueueUp}
	case QueueLocked:
		return []QueueState{QueueGoingUp, QueueUp, QueueLocked}
	}
	return nil
}

// LockQueue puts the queue into maintenance. Producing and consuming are
// rejected until UnlockQueue is called.
func (c *Client) LockQueue(ctx context.Context, name string) error {
	if _, err := c.b.states.Transition(ctx, c.b.queue(name), QueueLocked); err != nil {
		return errors.E(errors.Op("titanbroker.LockQueue"), err)
	}
	return nil
}

// UnlockQueue ends the maintenance of the queue.
func (c *Client) UnlockQueue(ctx context.Context, name string) error {
	if _, err := c.b.states.Transition(ctx, c.b.queue(name), QueueUp); err != nil {
		return errors.E(errors.Op("titanbroker.UnlockQueue"), err)
	}
	return nil
}

// SetRateLimit allows at most limit fetches per interval on the queue,
// shared by every consumer.
func (c *Client) SetRateLimit(ctx context.Context, name string, limit int64, interval time.Duration) error {
	err := c.b.rdb.SetRateLimit(ctx, c.b.queue(name), base.RateLimit{Limit: limit, Interval: interval})
	if err != nil {
		return errors.E(errors.Op("titanbroker.SetRateLimit"), err)
	}
	return nil
}

// ClearRateLimit removes the rate limit of the queue.
func (c *Client) ClearRateLimit(ctx context.Context, name string) error {
	if err := c.b.rdb.ClearRateLimit(ctx, c.b.queue(name)); err != nil {
		return errors.E(errors.Op("titanbroker.ClearRateLimit"), err)
	}
	return nil
}

// AddConsumerGroup registers a consumer group on a PUB_SUB queue. Messages
// produced afterwards get one copy for the group.
func (c *Client) AddConsumerGroup(ctx context.Context, queue, group string) error {
	if err := c.b.rdb.AddConsumerGroup(ctx, c.b.queue(queue), group); err != nil {
		return errors.E(errors.Op("titanbroker.AddConsumerGroup"), err)
	}
	return nil
}

// DeleteConsumerGroup removes a consumer group. Without force, a group
// still holding messages is not removed.
func (c *Client) DeleteConsumerGroup(ctx context.Context, queue, group string, force bool) error {
	if err := c.b.rdb.DeleteConsumerGroup(ctx, c.b.queue(queue), group, force); err != nil {
		return errors.E(errors.Op("titanbroker.DeleteConsumerGroup"), err)
	}
	return nil
}

// ListConsumerGroups returns the consumer groups of the queue, sorted.
func (c *Client) ListConsumerGroups(ctx context.Context, queue string) ([]string, error) {
	groups, err := c.b.rdb.ListConsumerGroups(ctx, c.b.queue(queue))
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.ListConsumerGroups"), err)
	}
	return groups, nil
}

// CreateExchange creates an exchange of the given type.
func (c *Client) CreateExchange(ctx context.Context, name string, typ ExchangeType) error {
	if err := c.b.rdb.CreateExchange(ctx, c.b.exchange(name), typ); err != nil {
		return errors.E(errors.Op("titanbroker.CreateExchange"), err)
	}
	return nil
}

// DeleteExchange deletes an exchange. An exchange with bound queues is not deleted.
func (c *Client) DeleteExchange(ctx context.Context, name string) error {
	if err := c.b.rdb.DeleteExchange(ctx, c.b.exchange(name)); err != nil {
		return errors.E(errors.Op("titanbroker.DeleteExchange"), err)
	}
	return nil
}

// ListExchanges returns the names of the exchanges of the namespace, sorted.
func (c *Client) ListExchanges(ctx context.Context) ([]string, error) {
	refs, err := c.b.rdb.ListExchanges(ctx, c.b.ns)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.ListExchanges"), err)
	}
	names := make([]string, 0, len(refs))
	for _, ex := range refs {
		names = append(names, ex.Name)
	}
	return names, nil
}

// Binding attaches a queue to an exchange.
type Binding struct {
	Queue string

	// Pattern is the routing key pattern of TOPIC exchanges. Segments are
	// separated by '.', '*' matches one segment and a trailing '#' matches
	// any number of segments.
	Pattern string
}

// BindQueue binds the queue to the exchange. A DIRECT exchange accepts a
// single binding; pattern is required for TOPIC exchanges and ignored
// otherwise.
func (c *Client) BindQueue(ctx context.Context, exchange, queue, pattern string) error {
	if err := c.b.rdb.BindQueue(ctx, c.b.exchange(exchange), c.b.queue(queue), pattern); err != nil {
		return errors.E(errors.Op("titanbroker.BindQueue"), err)
	}
	return nil
}

// UnbindQueue removes a binding.
func (c *Client) UnbindQueue(ctx context.Context, exchange, queue, pattern string) error {
	if err := c.b.rdb.UnbindQueue(ctx, c.b.exchange(exchange), c.b.queue(queue), pattern); err != nil {
		return errors.E(errors.Op("titanbroker.UnbindQueue"), err)
	}
	return nil
}

// ListBindings returns the bindings of the exchange.
func (c *Client) ListBindings(ctx context.Context, exchange string) ([]Binding, error) {
	bs, err := c.b.rdb.ListBindings(ctx, c.b.exchange(exchange))
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.ListBindings"), err)
	}
	out := make([]Binding, 0, len(bs))
	for _, b := range bs {
		out = append(out, Binding{Queue: b.Queue.Name, Pattern: b.Pattern})
	}
	return out, nil
}

// SubscribeEvents returns a subscription to the events published by every
// broker process with EventsEnabled. The caller must close it.
func (c *Client) SubscribeEvents(ctx context.Context) (*EventSubscription, error) {
	ps, err := c.b.rdb.SubscribeEvents(ctx)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.SubscribeEvents"), err)
	}
	return newEventSubscription(ps, c.b.logger), nil
}
