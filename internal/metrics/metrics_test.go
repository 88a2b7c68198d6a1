package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.jobsEnqueued)
	assert.NotNil(t, collector.jobsDispatched)
	assert.NotNil(t, collector.jobsCompleted)
	assert.NotNil(t, collector.jobsRetried)
	assert.NotNil(t, collector.jobsDead)
	assert.NotNil(t, collector.notifyFailed)
	assert.NotNil(t, collector.outputTruncated)
	assert.NotNil(t, collector.jobLatency)
	assert.NotNil(t, collector.stageDuration)
	assert.NotNil(t, collector.jobsPending)
	assert.NotNil(t, collector.jobsInFlight)
	assert.NotNil(t, collector.poolFree)
	assert.NotNil(t, collector.poolTotal)
}

func TestRecordEnqueue(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			collector.RecordEnqueue()
		}
	})
}

func TestRecordDispatch(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			collector.RecordDispatch()
		}
	})
}

func TestRecordCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}
	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordCompleted(latency)
		}, "RecordCompleted should not panic with latency %f", latency)
	}
}

func TestRecordRetryAndDead(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRetry()
		collector.RecordDead()
	})
}

func TestRecordNotifyFailedAndOutputTruncated(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordNotifyFailed()
		collector.RecordOutputTruncated()
	})
}

func TestObserveStage(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, stage := range []string{"waiting", "copyingIn", "running", "copyingOut"} {
		assert.NotPanics(t, func() {
			collector.ObserveStage(stage, 0.2)
		}, "ObserveStage should not panic for stage %s", stage)
	}
}

func TestUpdateQueueStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name     string
		pending  int
		inFlight int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high pending", 100, 8},
		{"high in-flight", 5, 50},
		{"equal values", 20, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdateQueueStats(tc.pending, tc.inFlight)
			})
		})
	}
}

func TestUpdatePoolStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.UpdatePoolStats("autograder-image", 3, 5)
		collector.UpdatePoolStats("other-image", 0, 0)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordEnqueue()
			collector.RecordDispatch()
			collector.RecordCompleted(0.1)
			collector.UpdateQueueStats(10, 5)
			collector.UpdatePoolStats("img", 1, 2)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector in the same process registers the same metric
	// names again and panics: Tango runs exactly one Collector per
	// process.
	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestMetricOperationSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue()
		collector.UpdateQueueStats(1, 0)

		collector.RecordDispatch()
		collector.UpdateQueueStats(0, 1)

		collector.RecordCompleted(0.5)
		collector.UpdateQueueStats(0, 0)
	})
}

func TestMetricOperationWithRetryAndDeath(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue()
		collector.RecordDispatch()
		collector.RecordRetry()
		collector.RecordDead()
	})
}

func TestZeroAndNegativeValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCompleted(0.0)
		collector.UpdateQueueStats(0, 0)
		collector.UpdateQueueStats(-1, -1)
		collector.UpdatePoolStats("img", 0, 0)
	})
}
