// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package metrics exports broker metrics to Prometheus.
//
// QueueMetricsCollector reads the queue sizes from the store on every
// scrape, so one collector per namespace is enough for a whole cluster of
// servers. EventCounter counts the events emitted by the process it is
// registered in.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemant/titanbroker"
	"github.com/hemant/titanbroker/internal/log"
)

const namespace = "titanbroker"

// Descriptors used by QueueMetricsCollector.
var (
	messagesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "messages"),
		"Number of messages in a queue structure, by status.",
		[]string{"namespace", "queue", "group", "status"}, nil,
	)

	queueSizeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_size"),
		"Number of messages held by a queue, all structures included.",
		[]string{"namespace", "queue"}, nil,
	)

	queueStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_state"),
		"Operational state of a queue. The series of the current state is 1.",
		[]string{"namespace", "queue", "state"}, nil,
	)

	consumersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_consumers"),
		"Number of consumers with a live heartbeat.",
		[]string{"namespace", "queue"}, nil,
	)
)

var queueStates = []titanbroker.QueueState{
	titanbroker.QueueUp,
	titanbroker.QueueGoingUp,
	titanbroker.QueueGoingDown,
	titanbroker.QueueDown,
	titanbroker.QueueLocked,
}

// QueueLister is the part of titanbroker.Inspector the collector reads from.
type QueueLister interface {
	ListQueueInfo(ctx context.Context) ([]*titanbroker.QueueInfo, error)
}

// QueueMetricsCollector gathers queue metrics.
// It implements prometheus.Collector interface.
type QueueMetricsCollector struct {
	inspector QueueLister
	logger    *log.Logger
	timeout   time.Duration
}

// NewQueueMetricsCollector returns a collector that exports metrics about
// the queues of the inspector's namespace.
func NewQueueMetricsCollector(inspector QueueLister) *QueueMetricsCollector {
	return &QueueMetricsCollector{
		inspector: inspector,
		logger:    log.NewLogger(nil),
		timeout:   5 * time.Second,
	}
}

// Describe sends metric descriptors for all metrics this collector can emit.
func (qmc *QueueMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- messagesDesc
	ch <- queueSizeDesc
	ch <- queueStateDesc
	ch <- consumersDesc
}

// Collect collects metrics data.
func (qmc *QueueMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), qmc.timeout)
	defer cancel()
	infos, err := qmc.inspector.ListQueueInfo(ctx)
	if err != nil {
		qmc.logger.Errorf("Could not collect queue metrics: %v", err)
		ch <- prometheus.NewInvalidMetric(messagesDesc, err)
		return
	}
	for _, info := range infos {
		ns, q := info.Namespace, info.Name
		if info.DeliveryModel != titanbroker.PubSub {
			collectCounts(ch, ns, q, "", info.Counts)
		} else {
			// Only scheduled messages are kept at queue level.
			ch <- gauge(messagesDesc, info.Counts.Scheduled, ns, q, "", "scheduled")
			for group, counts := range info.Groups {
				collectCounts(ch, ns, q, group, counts)
			}
		}
		ch <- gauge(queueSizeDesc, info.Size(), ns, q)
		ch <- gauge(consumersDesc, info.Consumers, ns, q)
		for _, s := range queueStates {
			var v int64
			if info.State == s {
				v = 1
			}
			ch <- gauge(queueStateDesc, v, ns, q, s.String())
		}
	}
}

func collectCounts(ch chan<- prometheus.Metric, ns, queue, group string, c titanbroker.MessageCounts) {
	ch <- gauge(messagesDesc, c.Scheduled, ns, queue, group, "scheduled")
	ch <- gauge(messagesDesc, c.Pending, ns, queue, group, "pending")
	ch <- gauge(messagesDesc, c.Processing, ns, queue, group, "processing")
	ch <- gauge(messagesDesc, c.Acknowledged, ns, queue, group, "acknowledged")
	ch <- gauge(messagesDesc, c.DeadLettered, ns, queue, group, "dead_lettered")
}

func gauge(desc *prometheus.Desc, v int64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
}

// EventCounter counts broker events by type and queue.
// Register it with a prometheus.Registerer and pass Listen as an event
// listener of the broker configuration.
type EventCounter struct {
	events *prometheus.CounterVec
}

// NewEventCounter returns an EventCounter.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of broker events emitted by this process.",
		}, []string{"type", "queue"}),
	}
}

// Listen counts e. Its signature matches titanbroker.EventListener.
func (c *EventCounter) Listen(e *titanbroker.Event) {
	c.events.WithLabelValues(string(e.Type), e.Queue).Inc()
}

// Describe implements prometheus.Collector.
func (c *EventCounter) Describe(ch chan<- *prometheus.Desc) { c.events.Describe(ch) }

// Collect implements prometheus.Collector.
func (c *EventCounter) Collect(ch chan<- prometheus.Metric) { c.events.Collect(ch) }
