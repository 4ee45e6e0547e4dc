// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/rdb"
)

// Inspector is a client interface to inspect and mutate the state of
// queues and messages, and to follow background jobs.
type Inspector struct {
	b *broker
}

// NewInspector returns a new instance of Inspector.
func NewInspector(r RedisConnOpt, cfg BrokerConfig) *Inspector {
	i := NewInspectorFromRedisClient(makeRedisClient(r), cfg)
	i.b.sharedConnection = false
	return i
}

// NewInspectorFromRedisClient returns a new instance of Inspector given a redis.UniversalClient
// Warning: The underlying redis connection pool will not be closed by Inspector.
func NewInspectorFromRedisClient(c redis.UniversalClient, cfg BrokerConfig) *Inspector {
	b := newBroker(c, cfg)
	b.sharedConnection = true
	return &Inspector{b: b}
}

// Close closes the connection with redis. Running purge jobs are canceled.
func (i *Inspector) Close() error {
	return i.b.close()
}

// Namespaces returns every namespace holding at least one queue.
func (i *Inspector) Namespaces(ctx context.Context) ([]string, error) {
	ns, err := i.b.rdb.ListNamespaces(ctx)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.Namespaces"), err)
	}
	return ns, nil
}

// GetQueueInfo returns the queue and the sizes of its structures.
func (i *Inspector) GetQueueInfo(ctx context.Context, queue string) (*QueueInfo, error) {
	var op errors.Op = "titanbroker.GetQueueInfo"
	props, err := i.b.rdb.GetQueueProperties(ctx, i.b.queue(queue))
	if err != nil {
		return nil, errors.E(op, err)
	}
	info, err := i.b.rdb.GetQueueInfo(ctx, props)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return newQueueInfo(info), nil
}

// ListQueueInfo returns the info of every queue of the namespace, sorted by name.
// Queues deleted while listing are skipped.
func (i *Inspector) ListQueueInfo(ctx context.Context) ([]*QueueInfo, error) {
	var op errors.Op = "titanbroker.ListQueueInfo"
	refs, err := i.b.rdb.ListQueues(ctx, i.b.ns)
	if err != nil {
		return nil, errors.E(op, err)
	}
	infos := make([]*QueueInfo, 0, len(refs))
	for _, q := range refs {
		info, err := i.GetQueueInfo(ctx, q.Name)
		if errors.IsQueueNotFound(err) {
			continue
		}
		if err != nil {
			return nil, errors.E(op, err)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].Name < infos[b].Name })
	return infos, nil
}

// Stats holds namespace wide statistics.
type Stats struct {
	Queues    int
	Counts    MessageCounts
	Consumers int64

	// ActiveWorkers is the number of messages being processed by live consumers.
	ActiveWorkers int
}

// Stats aggregates the sizes of every queue of the namespace.
func (i *Inspector) Stats(ctx context.Context) (*Stats, error) {
	infos, err := i.ListQueueInfo(ctx)
	if err != nil {
		return nil, err
	}
	var s Stats
	s.Queues = len(infos)
	for _, info := range infos {
		s.Counts = addCounts(s.Counts, info.Counts)
		for _, c := range info.Groups {
			s.Counts = addCounts(s.Counts, c)
		}
		s.Consumers += info.Consumers
		consumers, err := i.ListConsumers(ctx, info.Name)
		if err != nil {
			return nil, err
		}
		for _, c := range consumers {
			s.ActiveWorkers += c.Active
		}
	}
	return &s, nil
}

func addCounts(a, b MessageCounts) MessageCounts {
	return MessageCounts{
		Scheduled:    a.Scheduled + b.Scheduled,
		Pending:      a.Pending + b.Pending,
		Processing:   a.Processing + b.Processing,
		Acknowledged: a.Acknowledged + b.Acknowledged,
		DeadLettered: a.DeadLettered + b.DeadLettered,
	}
}

// Page selects a window of a message listing.
type Page struct {
	// Cursor is the value returned by the previous call, zero for the first page.
	Cursor int64

	// Size is the number of messages per page.
	//
	// If unset or zero, 20 is used.
	Size int64
}

const defaultPageSize = 20

// ListMessages returns one page of the messages of the given type.
// Group is required for the non-scheduled structures of PUB_SUB queues.
//
// The returned cursor selects the next page; it is zero once the listing
// is exhausted.
func (i *Inspector) ListMessages(ctx context.Context, queue, group string, t MessageType, page Page) ([]*Message, int64, error) {
	var op errors.Op = "titanbroker.ListMessages"
	props, err := i.b.rdb.GetQueueProperties(ctx, i.b.queue(queue))
	if err != nil {
		return nil, 0, errors.E(op, err)
	}
	if page.Size == 0 {
		page.Size = defaultPageSize
	}
	msgs, next, err := i.b.rdb.ListMessages(ctx, props, group, t, rdb.Page{Cursor: page.Cursor, Size: page.Size})
	if err != nil {
		return nil, 0, errors.E(op, err)
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, newMessage(msg))
	}
	return out, next, nil
}

// CountMessages returns the number of messages of the given type.
func (i *Inspector) CountMessages(ctx context.Context, queue, group string, t MessageType) (int64, error) {
	var op errors.Op = "titanbroker.CountMessages"
	props, err := i.groupProps(ctx, queue, group, t)
	if err != nil {
		return 0, errors.E(op, err)
	}
	n, err := i.b.rdb.CountMessages(ctx, props, group, t)
	if err != nil {
		return 0, errors.E(op, err)
	}
	return n, nil
}

// GetMessage returns the message with the given id.
func (i *Inspector) GetMessage(ctx context.Context, queue, id string) (*Message, error) {
	msg, err := i.b.rdb.GetMessage(ctx, i.b.queue(queue), id)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.GetMessage"), err)
	}
	return newMessage(msg), nil
}

// DeleteMessage deletes the message with the given id, whatever its status.
func (i *Inspector) DeleteMessage(ctx context.Context, queue, id string) error {
	if err := i.b.rdb.DeleteMessage(ctx, i.b.queue(queue), id); err != nil {
		return errors.E(errors.Op("titanbroker.DeleteMessage"), err)
	}
	return nil
}

// PurgeResult reports the outcome of PurgeQueue.
type PurgeResult struct {
	// Deleted is the number of messages deleted synchronously.
	Deleted int64

	// Job is set when the purge runs in the background.
	Job *Job
}

// PurgeQueue deletes every message of the given type.
//
// A structure that fits in one batch is purged synchronously. Larger ones
// are purged by a background job that holds the structure until it is done;
// a concurrent purge of the same structure fails with ErrTargetLocked.
func (i *Inspector) PurgeQueue(ctx context.Context, queue, group string, t MessageType) (*PurgeResult, error) {
	var op errors.Op = "titanbroker.PurgeQueue"
	props, err := i.groupProps(ctx, queue, group, t)
	if err != nil {
		return nil, errors.E(op, err)
	}
	n, err := i.b.rdb.CountMessages(ctx, props, group, t)
	if err != nil {
		return nil, errors.E(op, err)
	}
	batch := i.b.jobBatchSize
	if n <= int64(batch) {
		if n == 0 {
			return &PurgeResult{}, nil
		}
		deleted, err := i.b.rdb.PurgeBatch(ctx, props, group, t, batch)
		if err != nil {
			return nil, errors.E(op, err)
		}
		return &PurgeResult{Deleted: deleted}, nil
	}

	target := fmt.Sprintf("purge:%s/%s/%v", props.Queue, group, t)
	work := func(ctx context.Context, batchSize int) (int64, bool, error) {
		deleted, err := i.b.rdb.PurgeBatch(ctx, props, group, t, batchSize)
		if err != nil {
			return 0, false, err
		}
		return deleted, deleted < int64(batchSize), nil
	}
	j, err := i.b.jobs.Start(ctx, target, batch, n, work)
	if err != nil {
		return nil, errors.E(op, err)
	}
	i.b.logger.Infof("Purging %d %v messages of %s in job %s", n, t, props.Queue, j.ID)
	return &PurgeResult{Job: newJob(j)}, nil
}

// groupProps loads the queue properties and checks that the group fits
// the structure.
func (i *Inspector) groupProps(ctx context.Context, queue, group string, t MessageType) (*base.QueueProperties, error) {
	props, err := i.b.rdb.GetQueueProperties(ctx, i.b.queue(queue))
	if err != nil {
		return nil, err
	}
	if t == MessageTypeScheduled {
		if group != "" {
			return nil, errors.E(errors.InvalidArgument, "scheduled messages are not kept per consumer group")
		}
		return props, nil
	}
	if err := props.ValidateGroupFor(group); err != nil {
		return nil, err
	}
	if group == "" {
		return props, nil
	}
	groups, err := i.b.rdb.ListConsumerGroups(ctx, props.Queue)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g == group {
			return props, nil
		}
	}
	return nil, errors.E(errors.NotFound, &errors.ConsumerGroupNotFoundError{Queue: props.Queue.String(), Group: group})
}

// JobStatus is the status of a background job.
type JobStatus = base.JobStatus

const (
	JobPending    = base.JobPending
	JobProcessing = base.JobProcessing
	JobCompleted  = base.JobCompleted
	JobFailed     = base.JobFailed
	JobCanceled   = base.JobCanceled
)

// Job describes a background maintenance job.
type Job struct {
	ID        string
	Target    string
	Status    JobStatus
	BatchSize int
	Processed int64
	Total     int64
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newJob(j *base.Job) *Job {
	return &Job{
		ID:        j.ID,
		Target:    j.Target,
		Status:    j.Status,
		BatchSize: j.BatchSize,
		Processed: j.Processed,
		Total:     j.Total,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// GetJob returns the job with the given id.
func (i *Inspector) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := i.b.jobs.Get(ctx, id)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.GetJob"), err)
	}
	return newJob(j), nil
}

// ListJobs returns up to limit jobs, most recent first.
func (i *Inspector) ListJobs(ctx context.Context, limit int64) ([]*Job, error) {
	js, err := i.b.jobs.List(ctx, limit)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.ListJobs"), err)
	}
	out := make([]*Job, 0, len(js))
	for _, j := range js {
		out = append(out, newJob(j))
	}
	return out, nil
}

// CancelJob requests the cancellation of a job. The job stops before its
// next batch, from whichever process runs it.
func (i *Inspector) CancelJob(ctx context.Context, id string) error {
	if err := i.b.jobs.Cancel(ctx, id); err != nil {
		return errors.E(errors.Op("titanbroker.CancelJob"), err)
	}
	return nil
}

// WaitJob blocks until the job reaches a final status or ctx is done.
func (i *Inspector) WaitJob(ctx context.Context, id string) (*Job, error) {
	j, err := i.b.jobs.Wait(ctx, id)
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.WaitJob"), err)
	}
	return newJob(j), nil
}

// ConsumerInfo describes a consumer with a live heartbeat.
type ConsumerInfo struct {
	ID          string
	Host        string
	PID         int
	Queue       string
	Group       string
	Concurrency int

	// Active is the number of messages being processed.
	Active  int
	Started time.Time
}

// ListConsumers returns the live consumers of the queue.
func (i *Inspector) ListConsumers(ctx context.Context, queue string) ([]*ConsumerInfo, error) {
	infos, err := i.b.rdb.ListConsumers(ctx, i.b.queue(queue))
	if err != nil {
		return nil, errors.E(errors.Op("titanbroker.ListConsumers"), err)
	}
	out := make([]*ConsumerInfo, 0, len(infos))
	for _, c := range infos {
		out = append(out, &ConsumerInfo{
			ID:          c.ID,
			Host:        c.Host,
			PID:         c.PID,
			Queue:       c.Queue.Name,
			Group:       c.Group,
			Concurrency: c.Concurrency,
			Active:      c.Active,
			Started:     c.Started,
		})
	}
	return out, nil
}

// RateLimitUsage reports the state of the current rate limit window of a queue.
type RateLimitUsage struct {
	Limit RateLimit

	// Used is the number of fetches counted in the current window.
	Used int64

	// ResetIn is the time left until the window resets.
	ResetIn time.Duration
}

// RateLimitUsage returns the usage of the queue's rate limit, or nil when
// the queue is not rate limited.
func (i *Inspector) RateLimitUsage(ctx context.Context, queue string) (*RateLimitUsage, error) {
	var op errors.Op = "titanbroker.RateLimitUsage"
	q := i.b.queue(queue)
	props, err := i.b.rdb.GetQueueProperties(ctx, q)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if props.RateLimit == nil {
		return nil, nil
	}
	used, resetIn, err := i.b.rdb.RateLimitUsage(ctx, q)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &RateLimitUsage{
		Limit:   RateLimit{Limit: props.RateLimit.Limit, Interval: props.RateLimit.Interval},
		Used:    used,
		ResetIn: resetIn,
	}, nil
}
