// Package metrics records run outcomes as prometheus metrics and writes them
// in the node-exporter textfile format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spachava753/matrixci/internal/models"
)

// Recorder holds the metrics of one run in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	cellsTotal   *prometheus.CounterVec
	nodesTotal   *prometheus.CounterVec
	cellDuration *prometheus.HistogramVec
	runDuration  prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cellsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matrixci_cells_total",
				Help: "Number of matrix cells by final status.",
			},
			[]string{"status"},
		),
		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matrixci_nodes_total",
				Help: "Number of job nodes by final status.",
			},
			[]string{"status"},
		),
		cellDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matrixci_cell_duration_seconds",
				Help:    "Wall time of executed matrix cells.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"node"},
		),
		runDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "matrixci_run_duration_seconds",
				Help: "Wall time of the whole run.",
			},
		),
	}
	r.registry.MustRegister(r.cellsTotal, r.nodesTotal, r.cellDuration, r.runDuration)
	return r
}

// ObserveCell counts the cell and, when it ran, records its duration.
func (r *Recorder) ObserveCell(result models.CellResult) {
	r.cellsTotal.WithLabelValues(string(result.Status)).Inc()
	switch {
	case result.Status == models.StatusSkipped:
		return
	case result.Status == models.StatusCancelled && result.Durations.TotalSec == 0:
		return
	}
	r.cellDuration.WithLabelValues(result.NodeID).Observe(result.Durations.TotalSec)
}

func (r *Recorder) ObserveNode(result models.NodeResult) {
	r.nodesTotal.WithLabelValues(string(result.Status)).Inc()
}

func (r *Recorder) ObserveRun(result models.RunResult) {
	r.runDuration.Set(result.DurationSec)
}

// Registry exposes the underlying registry, e.g. for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes all metrics to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
