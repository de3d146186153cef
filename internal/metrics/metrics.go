package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hacklily_renderer"

// WorkerStates lists every value the worker_state gauge can take, in the
// order the worker state machine declares them.
var WorkerStates = []string{"connecting", "ready", "draining", "reconnecting", "closed"}

// Recorder holds the Prometheus collectors shared by command sources and the
// driver. A nil *Recorder is valid and records nothing.
type Recorder struct {
	ItemsEmitted      *prometheus.CounterVec
	RecordErrors      *prometheus.CounterVec
	ResponsesSent     *prometheus.CounterVec
	Mismatches        prometheus.Counter
	JobsLost          prometheus.Counter
	JobsDropped       prometheus.Counter
	ReconnectAttempts prometheus.Counter
	InFlight          prometheus.Gauge
	WorkerState       *prometheus.GaugeVec
	RenderLatency     prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ItemsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_items_total",
			Help:      "Render requests emitted on the request stream, by source.",
		}, []string{"source"}),
		RecordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_errors_total",
			Help:      "Malformed records or rejected jobs, by source.",
		}, []string{"source"}),
		ResponsesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses delivered through a response callback, by source.",
		}, []string{"source"}),
		Mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "test_mismatches_total",
			Help:      "Test fixtures whose rendered response differed from the expected one.",
		}),
		JobsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_lost_total",
			Help:      "In-flight coordinator jobs lost with their connection.",
		}),
		JobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dropped_total",
			Help:      "In-flight coordinator jobs abandoned when the drain grace period ran out.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Attempts to re-establish the coordinator connection.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_jobs",
			Help:      "Coordinator jobs emitted but not yet answered.",
		}),
		WorkerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "1 for the current state of the coordinator worker, 0 otherwise.",
		}, []string{"state"}),
		RenderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering one request.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.ItemsEmitted,
			r.RecordErrors,
			r.ResponsesSent,
			r.Mismatches,
			r.JobsLost,
			r.JobsDropped,
			r.ReconnectAttempts,
			r.InFlight,
			r.WorkerState,
			r.RenderLatency,
		)
	}
	return r
}

func (r *Recorder) ItemEmitted(source string) {
	if r == nil {
		return
	}
	r.ItemsEmitted.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordError(source string) {
	if r == nil {
		return
	}
	r.RecordErrors.WithLabelValues(source).Inc()
}

func (r *Recorder) ResponseSent(source string) {
	if r == nil {
		return
	}
	r.ResponsesSent.WithLabelValues(source).Inc()
}

func (r *Recorder) Mismatch() {
	if r == nil {
		return
	}
	r.Mismatches.Inc()
}

func (r *Recorder) JobLost(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.JobsLost.Add(float64(n))
}

func (r *Recorder) JobDropped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.JobsDropped.Add(float64(n))
}

func (r *Recorder) ReconnectAttempt() {
	if r == nil {
		return
	}
	r.ReconnectAttempts.Inc()
}

func (r *Recorder) SetInFlight(n int) {
	if r == nil {
		return
	}
	r.InFlight.Set(float64(n))
}

// SetWorkerState marks state as current and clears every other state.
func (r *Recorder) SetWorkerState(state string) {
	if r == nil {
		return
	}
	for _, candidate := range WorkerStates {
		value := 0.0
		if candidate == state {
			value = 1
		}
		r.WorkerState.WithLabelValues(candidate).Set(value)
	}
}

func (r *Recorder) ObserveRender(seconds float64) {
	if r == nil {
		return
	}
	r.RenderLatency.Observe(seconds)
}
