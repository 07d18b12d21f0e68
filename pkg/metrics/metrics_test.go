package metrics

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_counter", "Test counter")

	if c.Value() != 0 {
		t.Errorf("expected initial value 0, got %d", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("expected value 1 after Inc, got %d", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("expected value 6 after Add(5), got %d", c.Value())
	}

	if c.Name() != "test_counter" || c.Type() != TypeCounter {
		t.Errorf("unexpected name/type: %s/%s", c.Name(), c.Type())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "Test gauge")

	g.Set(100)
	if g.Value() != 100 {
		t.Errorf("expected value 100, got %d", g.Value())
	}

	g.Inc()
	g.Dec()
	g.Add(-50)
	if g.Value() != 50 {
		t.Errorf("expected value 50, got %d", g.Value())
	}

	g.SetUint64(7)
	if g.Value() != 7 {
		t.Errorf("expected value 7, got %d", g.Value())
	}

	if g.Type() != TypeGauge {
		t.Errorf("expected type gauge, got %s", g.Type())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("test_histogram", "Test histogram", []float64{0.1, 0.5, 1.0, 5.0})

	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(0.7)
	h.Observe(2.0)
	h.Observe(10.0)

	snap := h.Snapshot()

	if snap.Count != 5 {
		t.Errorf("expected count 5, got %d", snap.Count)
	}

	expectedSum := 0.05 + 0.3 + 0.7 + 2.0 + 10.0
	if snap.Sum != expectedSum {
		t.Errorf("expected sum %.2f, got %.2f", expectedSum, snap.Sum)
	}

	// Bucket counts are cumulative by construction.
	expected := []uint64{1, 2, 3, 4}
	for i, want := range expected {
		if snap.Buckets[i].Count != want {
			t.Errorf("bucket %d: expected count %d, got %d", i, want, snap.Buckets[i].Count)
		}
	}
}

func TestHistogramObserveDuration(t *testing.T) {
	h := NewHistogram("test_duration", "Test duration", nil)

	d := 100 * time.Millisecond
	h.ObserveDuration(d)

	snap := h.Snapshot()
	if snap.Count != 1 {
		t.Errorf("expected count 1, got %d", snap.Count)
	}
	if snap.Sum != d.Seconds() {
		t.Errorf("expected sum %.3f, got %.3f", snap.Sum, d.Seconds())
	}
}

func TestRecordRun(t *testing.T) {
	m := NewMetrics()

	m.RecordRun(100, time.Millisecond, nil)
	m.RecordRun(50, time.Millisecond, vm.ErrOutOfInstructions)
	m.RecordRun(25, time.Millisecond, fmt.Errorf("run: %w", vm.ErrAccessViolation))

	if m.RunsTotal.Value() != 3 {
		t.Errorf("RunsTotal = %d, want 3", m.RunsTotal.Value())
	}
	if m.RunsOutOfBudget.Value() != 1 {
		t.Errorf("RunsOutOfBudget = %d, want 1", m.RunsOutOfBudget.Value())
	}
	if m.RunsFaulted.Value() != 1 {
		t.Errorf("RunsFaulted = %d, want 1", m.RunsFaulted.Value())
	}
	if m.InstructionsRetired.Value() != 175 {
		t.Errorf("InstructionsRetired = %d, want 175", m.InstructionsRetired.Value())
	}
	if snap := m.RunDuration.Snapshot(); snap.Count != 3 {
		t.Errorf("RunDuration count = %d, want 3", snap.Count)
	}
}

func TestUpdateStorage(t *testing.T) {
	m := NewMetrics()

	m.UpdateStorage(4, 1<<20, 9)
	if m.StoredPrograms.Value() != 4 {
		t.Errorf("StoredPrograms = %d, want 4", m.StoredPrograms.Value())
	}
	if m.StoreSizeBytes.Value() != 1<<20 {
		t.Errorf("StoreSizeBytes = %d, want %d", m.StoreSizeBytes.Value(), 1<<20)
	}
	if m.LedgerRuns.Value() != 9 {
		t.Errorf("LedgerRuns = %d, want 9", m.LedgerRuns.Value())
	}
}

func TestValues(t *testing.T) {
	m := NewMetrics()
	m.RunsTotal.Add(2)
	m.ActiveMachines.Set(1)
	m.RunDuration.Observe(0.01)

	vals := m.Values()

	if got, ok := vals["ebpfvm_runs_total"].(uint64); !ok || got != 2 {
		t.Errorf("runs_total value = %v", vals["ebpfvm_runs_total"])
	}
	if got, ok := vals["ebpfvm_active_machines"].(int64); !ok || got != 1 {
		t.Errorf("active_machines value = %v", vals["ebpfvm_active_machines"])
	}
	snap, ok := vals["ebpfvm_run_duration_seconds"].(HistogramSnapshot)
	if !ok || snap.Count != 1 {
		t.Errorf("run_duration value = %v", vals["ebpfvm_run_duration_seconds"])
	}
}

func TestFormat(t *testing.T) {
	m := NewMetrics()
	m.RunsTotal.Inc()
	m.RunDuration.Observe(0.002)

	out := m.Format()

	for _, want := range []string{
		"# TYPE ebpfvm_runs_total counter",
		"ebpfvm_runs_total 1",
		"# TYPE ebpfvm_run_duration_seconds histogram",
		`ebpfvm_run_duration_seconds_bucket{le="+Inf"} 1`,
		"ebpfvm_run_duration_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format output missing %q", want)
		}
	}
}
