package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the PAT collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	uploads      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runSeconds   prometheus.Histogram
	extractions  *prometheus.CounterVec
	threadLookup *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pat_file_uploads_total",
			Help: "Tracked patent files by upload outcome (uploaded, reused).",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pat_runs_total",
			Help: "Assistant runs by final outcome.",
		}, []string{"outcome"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pat_run_duration_seconds",
			Help:    "Time from run creation to a terminal status.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pat_similarity_extractions_total",
			Help: "Similarity percentage extraction results (parsed, absent, repaired, failed).",
		}, []string{"result"}),
		threadLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pat_thread_lookups_total",
			Help: "Thread resolutions by result (hit, created, raced).",
		}, []string{"result"}),
	}
	reg.MustRegister(m.uploads, m.runs, m.runSeconds, m.extractions, m.threadLookup)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Upload(outcome string) {
	if m != nil {
		m.uploads.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Run(outcome string, seconds float64) {
	if m != nil {
		m.runs.WithLabelValues(outcome).Inc()
		m.runSeconds.Observe(seconds)
	}
}

func (m *Metrics) Extraction(result string) {
	if m != nil {
		m.extractions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ThreadLookup(result string) {
	if m != nil {
		m.threadLookup.WithLabelValues(result).Inc()
	}
}
