// Package metrics provides Prometheus-compatible metrics for VM monitoring.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// MetricType defines the type of a metric.
type MetricType string

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = "counter"
	// TypeGauge is a value that can go up and down.
	TypeGauge MetricType = "gauge"
	// TypeHistogram is a histogram with configurable buckets.
	TypeHistogram MetricType = "histogram"
)

// Counter is a thread-safe counter metric.
type Counter struct {
	name  string
	help  string
	value atomic.Uint64
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Help returns the metric help text.
func (c *Counter) Help() string { return c.help }

// Type returns the metric type.
func (c *Counter) Type() MetricType { return TypeCounter }

// Gauge is a thread-safe gauge metric.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value int64) {
	g.value.Store(value)
}

// SetUint64 sets the gauge to the given unsigned value.
func (g *Gauge) SetUint64(value uint64) {
	g.value.Store(int64(value))
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(delta int64) {
	g.value.Add(delta)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Help returns the metric help text.
func (g *Gauge) Help() string { return g.help }

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return TypeGauge }

// Histogram is a thread-safe histogram metric.
type Histogram struct {
	mu      sync.RWMutex
	name    string
	help    string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// DefaultHistogramBuckets are the default buckets for histograms, in
// seconds.
var DefaultHistogramBuckets = []float64{
	0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 0.5, 1.0, 5.0,
}

// NewHistogram creates a new histogram metric with the given buckets.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DefaultHistogramBuckets
	}
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)),
	}
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++

	for i, bucket := range h.buckets {
		if value <= bucket {
			h.counts[i]++
		}
	}
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

// Help returns the metric help text.
func (h *Histogram) Help() string { return h.help }

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Snapshot returns a point-in-time copy of the histogram.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := HistogramSnapshot{
		Buckets: make([]HistogramBucket, len(h.buckets)),
		Sum:     h.sum,
		Count:   h.count,
	}
	for i, bucket := range h.buckets {
		snap.Buckets[i] = HistogramBucket{
			UpperBound: bucket,
			Count:      h.counts[i],
		}
	}
	return snap
}

// HistogramSnapshot is a point-in-time snapshot of a histogram.
type HistogramSnapshot struct {
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   uint64            `json:"count"`
}

// HistogramBucket represents a single bucket in a histogram.
type HistogramBucket struct {
	UpperBound float64 `json:"upper_bound"`
	Count      uint64  `json:"count"`
}

// Metric is the interface for all metrics.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
}

// Metrics holds all metrics for the VM.
type Metrics struct {
	mu      sync.RWMutex
	metrics map[string]Metric

	// Counters
	RunsTotal           *Counter
	RunsFaulted         *Counter
	RunsOutOfBudget     *Counter
	InstructionsRetired *Counter
	ProgramsVerified    *Counter
	JITCompiles         *Counter

	// Gauges
	ActiveMachines *Gauge
	StoredPrograms *Gauge
	StoreSizeBytes *Gauge
	LedgerRuns     *Gauge

	// Histograms
	RunDuration *Histogram
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	m := &Metrics{
		metrics: make(map[string]Metric),

		// Counters
		RunsTotal:           NewCounter("ebpfvm_runs_total", "Total number of VM runs"),
		RunsFaulted:         NewCounter("ebpfvm_runs_faulted_total", "Total number of runs stopped by a fault"),
		RunsOutOfBudget:     NewCounter("ebpfvm_runs_out_of_budget_total", "Total number of runs stopped by budget exhaustion"),
		InstructionsRetired: NewCounter("ebpfvm_instructions_retired_total", "Total instruction budget spent across runs"),
		ProgramsVerified:    NewCounter("ebpfvm_programs_verified_total", "Total number of programs verified"),
		JITCompiles:         NewCounter("ebpfvm_jit_compiles_total", "Total number of JIT compilations"),

		// Gauges
		ActiveMachines: NewGauge("ebpfvm_active_machines", "Number of machines currently executing"),
		StoredPrograms: NewGauge("ebpfvm_stored_programs", "Number of programs in the store"),
		StoreSizeBytes: NewGauge("ebpfvm_store_size_bytes", "Program store size in bytes"),
		LedgerRuns:     NewGauge("ebpfvm_ledger_runs", "Number of records in the run ledger"),

		// Histograms
		RunDuration: NewHistogram(
			"ebpfvm_run_duration_seconds",
			"VM run wall time in seconds",
			nil,
		),
	}

	m.register(m.RunsTotal)
	m.register(m.RunsFaulted)
	m.register(m.RunsOutOfBudget)
	m.register(m.InstructionsRetired)
	m.register(m.ProgramsVerified)
	m.register(m.JITCompiles)
	m.register(m.ActiveMachines)
	m.register(m.StoredPrograms)
	m.register(m.StoreSizeBytes)
	m.register(m.LedgerRuns)
	m.register(m.RunDuration)

	return m
}

// register adds a metric to the internal registry.
func (m *Metrics) register(metric Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metric.Name()] = metric
}

// All returns all registered metrics.
func (m *Metrics) All() map[string]Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]Metric, len(m.metrics))
	for k, v := range m.metrics {
		result[k] = v
	}
	return result
}

// Values snapshots every metric into plain values suitable for JSON:
// counters and gauges as numbers, histograms as HistogramSnapshot.
func (m *Metrics) Values() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{}, len(m.metrics))
	for name, metric := range m.metrics {
		switch v := metric.(type) {
		case *Counter:
			out[name] = v.Value()
		case *Gauge:
			out[name] = v.Value()
		case *Histogram:
			out[name] = v.Snapshot()
		}
	}
	return out
}

// Format formats all metrics in Prometheus text format.
func (m *Metrics) Format() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.metrics))
	for name := range m.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(formatMetric(m.metrics[name]))
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatMetric formats a single metric in Prometheus text format.
func formatMetric(metric Metric) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", metric.Name(), metric.Help()))
	sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", metric.Name(), metric.Type()))

	switch m := metric.(type) {
	case *Counter:
		sb.WriteString(fmt.Sprintf("%s %d\n", m.Name(), m.Value()))
	case *Gauge:
		sb.WriteString(fmt.Sprintf("%s %d\n", m.Name(), m.Value()))
	case *Histogram:
		snap := m.Snapshot()
		for _, bucket := range snap.Buckets {
			sb.WriteString(fmt.Sprintf("%s_bucket{le=%q} %d\n", m.Name(), formatBound(bucket.UpperBound), bucket.Count))
		}
		sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", m.Name(), snap.Count))
		sb.WriteString(fmt.Sprintf("%s_sum %.6f\n", m.Name(), snap.Sum))
		sb.WriteString(fmt.Sprintf("%s_count %d\n", m.Name(), snap.Count))
	}

	return sb.String()
}

func formatBound(b float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", b), "0"), ".")
}

// RecordRun records one completed VM run.
func (m *Metrics) RecordRun(consumed uint64, duration time.Duration, err error) {
	m.RunsTotal.Inc()
	m.InstructionsRetired.Add(consumed)
	m.RunDuration.ObserveDuration(duration)

	switch {
	case err == nil:
	case errors.Is(err, vm.ErrOutOfInstructions):
		m.RunsOutOfBudget.Inc()
	default:
		m.RunsFaulted.Inc()
	}
}

// UpdateStorage refreshes the storage gauges.
func (m *Metrics) UpdateStorage(storedPrograms uint64, storeBytes int64, ledgerRuns uint64) {
	m.StoredPrograms.SetUint64(storedPrograms)
	m.StoreSizeBytes.Set(storeBytes)
	m.LedgerRuns.SetUint64(ledgerRuns)
}

// Global default metrics instance.
var defaultMetrics *Metrics
var defaultMetricsOnce sync.Once

// DefaultMetrics returns the global default metrics instance.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}
