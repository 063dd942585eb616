package httpserver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coachpo/takbridge/internal/app/bridge"
)

const metricsNamespace = "takbridge"

// bridgeCollector reads queue, worker and breaker state at scrape time.
type bridgeCollector struct {
	bridge *bridge.Bridge

	queueSize      *prometheus.Desc
	queueCapacity  *prometheus.Desc
	queueEvents    *prometheus.Desc
	queueBatches   *prometheus.Desc
	queueOverflow  *prometheus.Desc
	queueHealth    *prometheus.Desc
	workerUp       *prometheus.Desc
	workerConnUp   *prometheus.Desc
	breakerState   *prometheus.Desc
	breakerFailure *prometheus.Desc
}

func newBridgeCollector(b *bridge.Bridge) *bridgeCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, labels, nil)
	}
	return &bridgeCollector{
		bridge:         b,
		queueSize:      desc("queue", "size", "Events currently queued per destination.", "destination"),
		queueCapacity:  desc("queue", "capacity", "Configured maximum queue size per destination.", "destination"),
		queueEvents:    desc("queue", "events_total", "Queue event counters by outcome.", "destination", "outcome"),
		queueBatches:   desc("queue", "batches_sent_total", "Batches handed to the delivery worker.", "destination"),
		queueOverflow:  desc("queue", "overflow_events_total", "Enqueues that hit a full queue.", "destination"),
		queueHealth:    desc("queue", "health_score", "Monitor health score on the 0-100 scale.", "destination", "trend"),
		workerUp:       desc("worker", "running", "1 when a delivery worker is running.", "destination"),
		workerConnUp:   desc("worker", "connection_active", "1 when the worker holds a live TAK connection.", "destination"),
		breakerState:   desc("breaker", "state", "Circuit breaker state: 0 closed, 1 open, 2 half-open.", "breaker"),
		breakerFailure: desc("breaker", "failures", "Consecutive failures recorded by the breaker.", "breaker"),
	}
}

func (c *bridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueSize
	ch <- c.queueCapacity
	ch <- c.queueEvents
	ch <- c.queueBatches
	ch <- c.queueOverflow
	ch <- c.queueHealth
	ch <- c.workerUp
	ch <- c.workerConnUp
	ch <- c.breakerState
	ch <- c.breakerFailure
}

func (c *bridgeCollector) Collect(ch chan<- prometheus.Metric) {
	workers := make(map[int64]struct{})
	for _, id := range c.bridge.Workers().Destinations() {
		workers[id] = struct{}{}
	}

	for _, st := range c.bridge.Queues().StatusAll() {
		id := strconv.FormatInt(st.DestinationID, 10)
		ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(st.Size), id)
		ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(st.MaxSize), id)
		ch <- prometheus.MustNewConstMetric(c.queueEvents, prometheus.CounterValue, float64(st.Metrics.EventsQueued), id, "queued")
		ch <- prometheus.MustNewConstMetric(c.queueEvents, prometheus.CounterValue, float64(st.Metrics.EventsProcessed), id, "processed")
		ch <- prometheus.MustNewConstMetric(c.queueEvents, prometheus.CounterValue, float64(st.Metrics.EventsDropped), id, "dropped")
		ch <- prometheus.MustNewConstMetric(c.queueEvents, prometheus.CounterValue, float64(st.Metrics.EventsReplaced), id, "replaced")
		ch <- prometheus.MustNewConstMetric(c.queueEvents, prometheus.CounterValue, float64(st.Metrics.StaleDiscarded), id, "stale")
		ch <- prometheus.MustNewConstMetric(c.queueBatches, prometheus.CounterValue, float64(st.Metrics.BatchesSent), id)
		ch <- prometheus.MustNewConstMetric(c.queueOverflow, prometheus.CounterValue, float64(st.Metrics.OverflowEvents), id)
		if h, ok := c.bridge.Monitor().Health(st.DestinationID); ok {
			ch <- prometheus.MustNewConstMetric(c.queueHealth, prometheus.GaugeValue, h.HealthScore, id, string(h.Trend))
		}
		workers[st.DestinationID] = struct{}{}
	}

	for id := range workers {
		label := strconv.FormatInt(id, 10)
		ch <- prometheus.MustNewConstMetric(c.workerUp, prometheus.GaugeValue, boolGauge(c.bridge.Workers().Running(id)), label)
		ch <- prometheus.MustNewConstMetric(c.workerConnUp, prometheus.GaugeValue, boolGauge(c.bridge.Workers().ConnectionActive(id)), label)
	}

	for _, st := range c.bridge.Breakers().Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(st.State), st.Name)
		ch <- prometheus.MustNewConstMetric(c.breakerFailure, prometheus.GaugeValue, float64(st.FailureCount), st.Name)
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
