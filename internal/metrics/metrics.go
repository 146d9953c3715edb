package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reader pool metrics
	openReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stitch_open_readers",
		Help: "Number of fragment readers currently held in the active pool",
	})

	readerEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitch_reader_evictions_total",
		Help: "Total fragment readers closed by pool eviction",
	})

	preparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitch_prepares_total",
		Help: "Total fragment prepare operations",
	}, []string{"purpose", "result"})

	prepareDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stitch_prepare_duration_seconds",
		Help:    "Time taken to open and probe a fragment",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"purpose"})

	// Measurement metrics
	fragmentsMeasuredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitch_fragments_measured_total",
		Help: "Total fragments measured",
	})

	truncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitch_truncations_total",
		Help: "Total times the fragment list was truncated after a failed measurement",
	})

	presentationDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stitch_presentation_duration_seconds",
		Help: "Total measured duration of the stitched presentation",
	})

	// Playback metrics
	seeksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitch_seeks_total",
		Help: "Total seek requests by result",
	}, []string{"result"})

	partActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitch_part_activations_total",
		Help: "Total fragment activations by cause",
	}, []string{"cause"})

	portBuffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitch_port_buffers_total",
		Help: "Total buffers pushed per output port",
	}, []string{"port"})

	portBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitch_port_bytes_total",
		Help: "Total payload bytes pushed per output port",
	}, []string{"port"})

	flowErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitch_flow_errors_total",
		Help: "Total non-OK flow results per output port",
	}, []string{"port", "flow"})

	// Debug metrics
	goroutinesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_created_total",
		Help: "Total number of goroutines created",
	}, []string{"component"})

	goroutinesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_destroyed_total",
		Help: "Total number of goroutines destroyed",
	}, []string{"component"})

	activeGoroutines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debug_goroutines_active",
		Help: "Number of active goroutines",
	}, []string{"component"})
)

// SetOpenReaders sets the number of readers in the active pool
func SetOpenReaders(count int) {
	openReaders.Set(float64(count))
}

// IncrementEvictions counts a reader closed by the pool
func IncrementEvictions() {
	readerEvictionsTotal.Inc()
}

// RecordPrepare records one prepare operation and how long it took
func RecordPrepare(purpose, result string, seconds float64) {
	preparesTotal.WithLabelValues(purpose, result).Inc()
	prepareDuration.WithLabelValues(purpose).Observe(seconds)
}

// IncrementFragmentsMeasured counts a measured fragment
func IncrementFragmentsMeasured() {
	fragmentsMeasuredTotal.Inc()
}

// IncrementTruncations counts a truncated fragment list
func IncrementTruncations() {
	truncationsTotal.Inc()
}

// SetPresentationDuration sets the measured total duration
func SetPresentationDuration(seconds float64) {
	presentationDuration.Set(seconds)
}

// IncrementSeeks counts a seek request by result
func IncrementSeeks(result string) {
	seeksTotal.WithLabelValues(result).Inc()
}

// IncrementActivations counts a fragment activation by cause (start, advance, seek)
func IncrementActivations(cause string) {
	partActivationsTotal.WithLabelValues(cause).Inc()
}

// RecordPortBuffer counts one pushed buffer
func RecordPortBuffer(port string, bytes int) {
	portBuffersTotal.WithLabelValues(port).Inc()
	portBytesTotal.WithLabelValues(port).Add(float64(bytes))
}

// IncrementFlowErrors counts a non-OK flow result on a port
func IncrementFlowErrors(port, flow string) {
	flowErrorsTotal.WithLabelValues(port, flow).Inc()
}

// Debug metrics functions

// IncrementGoroutineCreated increments the goroutine creation counter
func IncrementGoroutineCreated(component string) {
	goroutinesCreated.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Inc()
}

// IncrementGoroutineDestroyed increments the goroutine destruction counter
func IncrementGoroutineDestroyed(component string) {
	goroutinesDestroyed.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Dec()
}
