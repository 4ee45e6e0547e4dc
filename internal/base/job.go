// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus denotes the status of a background job.
type JobStatus int

const (
	JobPending JobStatus = iota + 1
	JobProcessing
	JobCompleted
	JobFailed
	JobCanceled
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobProcessing:
		return "processing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCanceled:
		return "canceled"
	}
	panic(fmt.Sprintf("internal error: unknown job status %d", s))
}

// IsFinal reports whether no further transition is possible.
func (s JobStatus) IsFinal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is a tracked, target-locked long-running maintenance run.
type Job struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Status    JobStatus `json:"status"`
	BatchSize int       `json:"batch_size"`
	Processed int64     `json:"processed"`
	Total     int64     `json:"total"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CancelRequested is stored in its own hash field so that a cancel
	// request never races with progress updates.
	CancelRequested bool `json:"-"`
}

// EncodeJob marshals the given job.
func EncodeJob(j *Job) ([]byte, error) {
	if j == nil {
		return nil, fmt.Errorf("cannot encode nil job")
	}
	return json.Marshal(j)
}

// DecodeJob unmarshals a job record.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
