package pipeline

import (
	"fmt"
	"time"

	"petprep/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "petprep"

// Metrics holds the counters of one run. They are written once as a
// node exporter textfile when the run ends.
type Metrics struct {
	registry *prometheus.Registry

	ImagesScanned    prometheus.Gauge
	DuplicatesFound  prometheus.Gauge
	PairsMatched     prometheus.Gauge
	OracleCalls      *prometheus.CounterVec
	ResultsTotal     *prometheus.CounterVec
	ItemDuration     prometheus.Histogram
	StageDuration    *prometheus.GaugeVec
	CountersBalanced prometheus.Gauge
}

// NewMetrics registers the run metrics on a private registry
func NewMetrics(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"run_id": runID}

	return &Metrics{
		registry: reg,
		ImagesScanned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "images_scanned",
			Help:        "Images found in the input folder",
			ConstLabels: labels,
		}),
		DuplicatesFound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "dedup",
			Name:        "duplicates",
			Help:        "Images resolved as duplicates",
			ConstLabels: labels,
		}),
		PairsMatched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "dedup",
			Name:        "pairs_matched",
			Help:        "Image pairs at or above the similarity threshold",
			ConstLabels: labels,
		}),
		OracleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "dedup",
			Name:        "oracle_verdicts_total",
			Help:        "Duplicate oracle outcomes",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "obfuscation",
			Name:        "results_total",
			Help:        "Obfuscation results by action",
			ConstLabels: labels,
		}, []string{"action"}),
		ItemDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "obfuscation",
			Name:        "item_duration_seconds",
			Help:        "Time spent on one image",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}),
		StageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "stage_duration_seconds",
			Help:        "Wall time of each stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		CountersBalanced: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "obfuscation",
			Name:        "counters_balanced",
			Help:        "1 when every image landed in exactly one bucket",
			ConstLabels: labels,
		}),
	}
}

// ObserveResult counts one obfuscation result
func (m *Metrics) ObserveResult(r types.ObfuscationResult, elapsed time.Duration) {
	m.ResultsTotal.WithLabelValues(string(r.Action)).Inc()
	m.ItemDuration.Observe(elapsed.Seconds())
}

// ObserveStage records the duration of a finished stage
func (m *Metrics) ObserveStage(stage Stage, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(string(stage)).Set(elapsed.Seconds())
}

// Gatherer exposes the registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("cannot write metrics to %s: %w", path, err)
	}
	return nil
}
