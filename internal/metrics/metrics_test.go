package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spachava753/matrixci/internal/models"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	cells := []models.CellResult{
		{NodeID: "ci/test", Status: models.StatusSuccess, Durations: models.Durations{TotalSec: 12}},
		{NodeID: "ci/test", Status: models.StatusFailure, Durations: models.Durations{TotalSec: 30}},
		{NodeID: "ci/test", Status: models.StatusCancelled},
		{NodeID: "ci/lint", Status: models.StatusSkipped},
	}
	for _, c := range cells {
		r.ObserveCell(c)
	}
	r.ObserveNode(models.NodeResult{NodeID: "ci/test", Status: models.StatusFailure})
	r.ObserveNode(models.NodeResult{NodeID: "ci/lint", Status: models.StatusSkipped})
	r.ObserveRun(models.RunResult{DurationSec: 42})

	tests := []struct {
		status string
		want   float64
	}{
		{"success", 1},
		{"failure", 1},
		{"cancelled", 1},
		{"skipped", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(r.cellsTotal.WithLabelValues(tt.status)); got != tt.want {
			t.Errorf("cells_total{status=%q} = %v, want %v", tt.status, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(r.nodesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("nodes_total{status=failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.runDuration); got != 42 {
		t.Errorf("run_duration_seconds = %v, want 42", got)
	}
	// only the two cells that ran are timed
	if got := testutil.CollectAndCount(r.cellDuration); got != 1 {
		t.Errorf("cell_duration_seconds series = %d, want 1", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveCell(models.CellResult{NodeID: "ci/test", Status: models.StatusSuccess, Durations: models.Durations{TotalSec: 3}})
	r.ObserveRun(models.RunResult{DurationSec: 3})

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`matrixci_cells_total{status="success"} 1`,
		`matrixci_cell_duration_seconds_count{node="ci/test"} 1`,
		`matrixci_run_duration_seconds 3`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}
