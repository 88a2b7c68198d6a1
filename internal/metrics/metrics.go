// ============================================================================
// Tango Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose Prometheus metrics for the job queue,
//          dispatcher, preallocator pool, and per-job worker stages.
//
// Design:
//   A Collector struct of pre-registered prometheus.{Counter,Gauge,
//   Histogram} fields, one Record*/Observe*/Update* method per event, and a
//   StartServer helper wrapping promhttp.Handler. Covers Tango's own job
//   lifecycle (enqueue/dispatch/retry/dead/notify-failed/oversize-output
//   counters, pool free/total gauges per image, worker-stage latency
//   histograms).
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for a Tango deployment.
type Collector struct {
	jobsEnqueued    prometheus.Counter
	jobsDispatched  prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsRetried     prometheus.Counter
	jobsDead        prometheus.Counter
	notifyFailed    prometheus.Counter
	outputTruncated prometheus.Counter

	jobLatency    prometheus.Histogram
	stageDuration *prometheus.HistogramVec // labelled by stage: waiting, copyingIn, running, copyingOut

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge

	poolFree  *prometheus.GaugeVec // labelled by image name
	poolTotal *prometheus.GaugeVec
}

// NewCollector builds and registers every Tango metric.
func NewCollector() *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_jobs_enqueued_total",
			Help: "Total number of jobs submitted to the queue.",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_jobs_dispatched_total",
			Help: "Total number of jobs paired with a sandbox and handed to a worker.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_jobs_completed_total",
			Help: "Total number of jobs that reached completed status.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_jobs_retried_total",
			Help: "Total number of job retries after a transient sandbox failure.",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_jobs_dead_total",
			Help: "Total number of jobs moved to the dead letter map.",
		}),
		notifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_notify_failed_total",
			Help: "Total number of failed callback notifications.",
		}),
		outputTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tango_output_truncated_total",
			Help: "Total number of job outputs truncated for exceeding the size limit.",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tango_job_latency_seconds",
			Help:    "End-to-end job latency from enqueue to completion, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tango_worker_stage_seconds",
			Help:    "Duration of each worker state-machine stage, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tango_jobs_pending",
			Help: "Current number of jobs waiting for a sandbox.",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tango_jobs_in_flight",
			Help: "Current number of jobs assigned to a worker.",
		}),
		poolFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tango_pool_free_sandboxes",
			Help: "Current number of idle preallocated sandboxes, by image.",
		}, []string{"image"}),
		poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tango_pool_total_sandboxes",
			Help: "Current number of provisioned sandboxes, by image.",
		}, []string{"image"}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued, c.jobsDispatched, c.jobsCompleted, c.jobsRetried, c.jobsDead,
		c.notifyFailed, c.outputTruncated, c.jobLatency, c.stageDuration,
		c.jobsPending, c.jobsInFlight, c.poolFree, c.poolTotal,
	)

	return c
}

// RecordEnqueue records a job entering the queue.
func (c *Collector) RecordEnqueue() { c.jobsEnqueued.Inc() }

// RecordDispatch records a job being paired with a sandbox.
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }

// RecordCompleted records a job reaching completed status, with its
// end-to-end latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordRetry records a job retried after a transient sandbox failure.
func (c *Collector) RecordRetry() { c.jobsRetried.Inc() }

// RecordDead records a job moved to the dead letter map.
func (c *Collector) RecordDead() { c.jobsDead.Inc() }

// RecordNotifyFailed records a failed callback notification.
func (c *Collector) RecordNotifyFailed() { c.notifyFailed.Inc() }

// RecordOutputTruncated records a job output truncated for exceeding the
// size limit.
func (c *Collector) RecordOutputTruncated() { c.outputTruncated.Inc() }

// ObserveStage records how long a worker spent in stage.
func (c *Collector) ObserveStage(stage string, seconds float64) {
	c.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// UpdateQueueStats updates the pending/in-flight job gauges.
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// UpdatePoolStats updates the free/total sandbox gauges for image.
func (c *Collector) UpdatePoolStats(image string, free, total int) {
	c.poolFree.WithLabelValues(image).Set(float64(free))
	c.poolTotal.WithLabelValues(image).Set(float64(total))
}

// StartServer starts the Prometheus /metrics HTTP endpoint on port.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
