package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/menta2k/photo-enricher/pkg/inference"
)

var (
	once sync.Once

	// InferenceAttemptsTotal counts single inference attempts by backend and outcome.
	InferenceAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photoenricher",
		Subsystem: "inference",
		Name:      "attempts_total",
		Help:      "Total number of inference attempts, labeled by backend and outcome.",
	}, []string{"backend", "outcome"})

	// AnalysesTotal counts finished pipeline runs by terminal status.
	AnalysesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "photoenricher",
		Subsystem: "pipeline",
		Name:      "analyses_total",
		Help:      "Total number of finished image analyses, labeled by terminal status.",
	}, []string{"status"})

	// AnalysisDurationSeconds is the end-to-end time of one pipeline run.
	AnalysisDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "photoenricher",
		Subsystem: "pipeline",
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end time to analyze one image.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"status"})

	// InFlight is the number of images currently being analyzed.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "photoenricher",
		Subsystem: "pipeline",
		Name:      "in_flight",
		Help:      "Current number of images being analyzed.",
	})

	// PayloadBytes is the size of normalized payloads sent to the model.
	PayloadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "photoenricher",
		Subsystem: "normalizer",
		Name:      "payload_bytes",
		Help:      "Size of the normalized image payload.",
		Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10),
	})

	// CategoriesCreatedTotal counts machine-generated categories inserted by the resolver.
	CategoriesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "photoenricher",
		Subsystem: "categories",
		Name:      "created_total",
		Help:      "Total number of AI-generated categories created.",
	})

	// ArchiveErrorsTotal counts failed payload uploads.
	ArchiveErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "photoenricher",
		Subsystem: "archive",
		Name:      "errors_total",
		Help:      "Total number of failed payload archive uploads.",
	})
)

// Register registers the collectors with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			InferenceAttemptsTotal,
			AnalysesTotal,
			AnalysisDurationSeconds,
			InFlight,
			PayloadBytes,
			CategoriesCreatedTotal,
			ArchiveErrorsTotal,
		)
	})
}

// ObserveAttempt records one inference attempt. A nil err is a success.
func ObserveAttempt(backend string, err *inference.Error) {
	outcome := "success"
	if err != nil {
		outcome = string(err.Kind)
	}
	InferenceAttemptsTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveAnalysis records a finished run with its terminal status.
func ObserveAnalysis(status string, startedAt time.Time) {
	AnalysesTotal.WithLabelValues(status).Inc()
	AnalysisDurationSeconds.WithLabelValues(status).Observe(time.Since(startedAt).Seconds())
}
