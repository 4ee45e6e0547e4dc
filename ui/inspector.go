// Package main provides a read-only monitor for TitanBroker: a JSON API over
// the broker Inspector and a Prometheus endpoint.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hemant/titanbroker"
)

// Inspector is the read side of titanbroker.Inspector used by the monitor.
type Inspector interface {
	Stats(ctx context.Context) (*titanbroker.Stats, error)
	ListQueueInfo(ctx context.Context) ([]*titanbroker.QueueInfo, error)
	GetQueueInfo(ctx context.Context, queue string) (*titanbroker.QueueInfo, error)
	ListMessages(ctx context.Context, queue, group string, t titanbroker.MessageType, page titanbroker.Page) ([]*titanbroker.Message, int64, error)
	ListConsumers(ctx context.Context, queue string) ([]*titanbroker.ConsumerInfo, error)
	RateLimitUsage(ctx context.Context, queue string) (*titanbroker.RateLimitUsage, error)
	ListJobs(ctx context.Context, limit int64) ([]*titanbroker.Job, error)
	GetJob(ctx context.Context, id string) (*titanbroker.Job, error)
}

// StatsView holds the dashboard totals.
type StatsView struct {
	Queues        int    `json:"queues"`
	Consumers     int64  `json:"consumers"`
	ActiveWorkers int    `json:"active_workers"`
	Counts        Counts `json:"counts"`
}

// Counts holds the sizes of the structures of a queue or consumer group.
type Counts struct {
	Scheduled    int64 `json:"scheduled"`
	Pending      int64 `json:"pending"`
	Processing   int64 `json:"processing"`
	Acknowledged int64 `json:"acknowledged"`
	DeadLettered int64 `json:"dead_lettered"`
}

// QueueView holds information about a queue.
type QueueView struct {
	Name          string            `json:"name"`
	Namespace     string            `json:"namespace"`
	Type          string            `json:"type"`
	DeliveryModel string            `json:"delivery_model"`
	State         string            `json:"state"`
	RateLimit     string            `json:"rate_limit,omitempty"`
	Consumers     int64             `json:"consumers"`
	Size          int64             `json:"size"`
	Counts        Counts            `json:"counts"`
	Groups        map[string]Counts `json:"groups,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// MessageView holds information about a message.
type MessageView struct {
	ID                 string    `json:"id"`
	Group              string    `json:"group,omitempty"`
	Status             string    `json:"status"`
	Priority           int       `json:"priority"`
	Attempts           int       `json:"attempts"`
	RetryThreshold     int       `json:"retry_threshold"`
	LastUnackCause     string    `json:"last_unack_cause,omitempty"`
	ScheduledMessageID string    `json:"scheduled_message_id,omitempty"`
	ConsumerID         string    `json:"consumer_id,omitempty"`
	Body               string    `json:"body"`
	CreatedAt          time.Time `json:"created_at"`
}

// JobView holds information about a background job.
type JobView struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Processed int64     `json:"processed"`
	Total     int64     `json:"total"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RateLimitView holds the usage of the current rate limit window.
type RateLimitView struct {
	Limit    int64  `json:"limit"`
	Interval string `json:"interval"`
	Used     int64  `json:"used"`
	ResetIn  string `json:"reset_in"`
}

func toCounts(c titanbroker.MessageCounts) Counts {
	return Counts{
		Scheduled:    c.Scheduled,
		Pending:      c.Pending,
		Processing:   c.Processing,
		Acknowledged: c.Acknowledged,
		DeadLettered: c.DeadLettered,
	}
}

func toQueueView(info *titanbroker.QueueInfo) QueueView {
	v := QueueView{
		Name:          info.Name,
		Namespace:     info.Namespace,
		Type:          info.Type.String(),
		DeliveryModel: info.DeliveryModel.String(),
		State:         info.State.String(),
		Consumers:     info.Consumers,
		Size:          info.Size(),
		Counts:        toCounts(info.Counts),
		CreatedAt:     info.CreatedAt,
	}
	if rl := info.RateLimit; rl != nil {
		v.RateLimit = fmt.Sprintf("%d/%v", rl.Limit, rl.Interval)
	}
	if info.Groups != nil {
		v.Groups = make(map[string]Counts, len(info.Groups))
		for g, c := range info.Groups {
			v.Groups[g] = toCounts(c)
		}
	}
	return v
}

func toMessageView(m *titanbroker.Message) MessageView {
	return MessageView{
		ID:                 m.ID,
		Group:              m.ConsumerGroup,
		Status:             m.Status.String(),
		Priority:           m.Priority,
		Attempts:           m.Attempts,
		RetryThreshold:     m.RetryThreshold,
		LastUnackCause:     m.LastUnackCause,
		ScheduledMessageID: m.ScheduledMessageID,
		ConsumerID:         m.ConsumerID,
		Body:               string(m.Body),
		CreatedAt:          m.CreatedAt,
	}
}

func toJobView(j *titanbroker.Job) JobView {
	return JobView{
		ID:        j.ID,
		Target:    j.Target,
		Status:    j.Status.String(),
		Processed: j.Processed,
		Total:     j.Total,
		Error:     j.Error,
		UpdatedAt: j.UpdatedAt,
	}
}

var messageTypes = map[string]titanbroker.MessageType{
	"scheduled":     titanbroker.MessageTypeScheduled,
	"pending":       titanbroker.MessageTypePending,
	"processing":    titanbroker.MessageTypeProcessing,
	"acknowledged":  titanbroker.MessageTypeAcknowledged,
	"dead_lettered": titanbroker.MessageTypeDeadLettered,
}
