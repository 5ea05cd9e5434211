package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"starbias/pkg/debias"
)

// Metrics holds the Prometheus collectors of a batch run on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	// Star metrics
	StarsTotal *prometheus.CounterVec

	// Infill metrics
	InfillIterations *prometheus.HistogramVec
	InfillDegraded   *prometheus.CounterVec
	InfillUnresolved *prometheus.GaugeVec

	// Detector metrics
	DetectorDuration *prometheus.HistogramVec
	DetectorErrors   *prometheus.CounterVec

	// Run metrics
	RunInfo   *prometheus.GaugeVec
	startTime time.Time

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot holds running totals for the CLI summary.
type Snapshot struct {
	Stars          map[string]int64
	DegradedCCDs   int64
	DetectorErrors int64
}

var _ debias.Observer = (*Metrics)(nil)

// New creates the collectors and registers them on a fresh registry.
func New(runID string) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		StarsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbias_stars_total",
				Help: "Catalog stars by detector and outcome",
			},
			[]string{"detector", "status"},
		),
		InfillIterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "starbias_infill_iterations",
				Help:    "Smoothing rounds needed by the infill",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"detector"},
		),
		InfillDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbias_infill_degraded_total",
				Help: "Infills that hit the iteration cap and fell back to the median",
			},
			[]string{"detector"},
		),
		InfillUnresolved: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "starbias_infill_unresolved_pixels",
				Help: "Pixels set to the median after the iteration cap",
			},
			[]string{"detector"},
		),
		DetectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "starbias_detector_duration_seconds",
				Help:    "Wall time per detector",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"detector"},
		),
		DetectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbias_detector_errors_total",
				Help: "Detectors aborted by an input or configuration error",
			},
			[]string{"detector"},
		),
		RunInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "starbias_run_info",
				Help: "Run identity and start time",
			},
			[]string{"run_id"},
		),
		snapshot: Snapshot{Stars: make(map[string]int64)},
	}

	m.registry.MustRegister(
		m.StarsTotal,
		m.InfillIterations,
		m.InfillDegraded,
		m.InfillUnresolved,
		m.DetectorDuration,
		m.DetectorErrors,
		m.RunInfo,
	)
	m.RunInfo.WithLabelValues(runID).Set(float64(m.startTime.Unix()))
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveInfill(detector string, report debias.InfillReport) {
	m.InfillIterations.WithLabelValues(detector).Observe(float64(report.Iterations))
	m.InfillUnresolved.WithLabelValues(detector).Set(float64(report.Unresolved))
	if report.Degraded {
		m.InfillDegraded.WithLabelValues(detector).Inc()
		m.mu.Lock()
		m.snapshot.DegradedCCDs++
		m.mu.Unlock()
	}
}

func (m *Metrics) ObserveStar(detector string, status debias.StarStatus) {
	m.StarsTotal.WithLabelValues(detector, status.String()).Inc()
	m.mu.Lock()
	m.snapshot.Stars[status.String()]++
	m.mu.Unlock()
}

// RecordDetector records the duration of one detector and whether it was
// aborted.
func (m *Metrics) RecordDetector(detector string, d time.Duration, err error) {
	m.DetectorDuration.WithLabelValues(detector).Observe(d.Seconds())
	if err != nil {
		m.DetectorErrors.WithLabelValues(detector).Inc()
		m.mu.Lock()
		m.snapshot.DetectorErrors++
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of the running totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snapshot
	out.Stars = make(map[string]int64, len(m.snapshot.Stars))
	for k, v := range m.snapshot.Stars {
		out.Stars[k] = v
	}
	return out
}

// WriteTextfile dumps the registry in the text exposition format, for
// pickup by a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
