// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// finishedJobTTL is how long a job record is kept after the job finished.
const finishedJobTTL = 24 * time.Hour

// SaveJob writes the job record, leaving its cancel flag untouched.
func (r *RDB) SaveJob(ctx context.Context, j *base.Job) error {
	var op errors.Op = "rdb.SaveJob"
	data, err := base.EncodeJob(j)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode job: %v", err))
	}
	key := base.JobKey(j.ID)
	err = r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data)
			pipe.ZAdd(ctx, base.AllJobs, redis.Z{Score: float64(j.CreatedAt.UnixMilli()), Member: j.ID})
			if j.Status.IsFinal() {
				pipe.Expire(ctx, key, finishedJobTTL)
			}
			return nil
		})
		return err
	})
	return storeErr(op, err)
}

// GetJob returns the job record with the given id.
func (r *RDB) GetJob(ctx context.Context, id string) (*base.Job, error) {
	var op errors.Op = "rdb.GetJob"
	var fields map[string]string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		fields, err = c.HGetAll(ctx, base.JobKey(id)).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, errors.E(op, errors.NotFound, fmt.Sprintf("job %q does not exist", id))
	}
	j, err := base.DecodeJob([]byte(data))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode job: %v", err))
	}
	j.CancelRequested = fields["cancel"] == "1"
	return j, nil
}

// ListJobs returns the most recent job records, newest first. Records that
// expired since they were indexed are dropped from the index.
func (r *RDB) ListJobs(ctx context.Context, limit int64) ([]*base.Job, error) {
	var op errors.Op = "rdb.ListJobs"
	var ids []string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		ids, err = c.ZRevRange(ctx, base.AllJobs, 0, limit-1).Result()
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	jobs := make([]*base.Job, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.IsNotFound(err) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if len(stale) > 0 {
		err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
			return c.ZRem(ctx, base.AllJobs, stale...).Err()
		})
		if err != nil {
			return nil, storeErr(op, err)
		}
	}
	return jobs, nil
}

// KEYS[1] -> job key
//
// Output:
// 1 if the flag was set, 0 if the job does not exist
var requestJobCancelCmd = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "data") == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "cancel", 1)
return 1
`)

// RequestJobCancel sets the cancel flag of the job. The job notices the
// flag between two batches.
func (r *RDB) RequestJobCancel(ctx context.Context, id string) error {
	var op errors.Op = "rdb.RequestJobCancel"
	n, err := r.runScriptInt(ctx, op, requestJobCancelCmd, []string{base.JobKey(id)})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, fmt.Sprintf("job %q does not exist", id))
	}
	return nil
}

// IsJobCancelRequested reports whether the cancel flag of the job is set.
func (r *RDB) IsJobCancelRequested(ctx context.Context, id string) (bool, error) {
	var op errors.Op = "rdb.IsJobCancelRequested"
	var v string
	err := r.pool.Shared(ctx, op, func(c redis.Cmdable) error {
		var err error
		v, err = c.HGet(ctx, base.JobKey(id), "cancel").Result()
		if err == redis.Nil {
			return nil
		}
		return err
	})
	if err != nil {
		return false, storeErr(op, err)
	}
	return v == "1", nil
}
