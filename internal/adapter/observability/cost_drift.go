package observability

import (
	"fmt"
	"log/slog"
	"sync"
)

// CostDriftMonitor watches per-job spend for one provider/model pair. The
// first full window establishes the baseline; after that, a window average
// drifting beyond the relative threshold is logged and exported. A provider
// price change or a runaway tool loop shows up here before it shows up on
// the invoice.
type CostDriftMonitor struct {
	provider       string
	model          string
	windowSize     int
	driftThreshold float64
	baseline       float64
	hasBaseline    bool
	recent         []float64
	mu             sync.RWMutex
}

// NewCostDriftMonitor creates a monitor for one provider/model pair.
func NewCostDriftMonitor(provider, model string, windowSize int, driftThreshold float64) *CostDriftMonitor {
	return &CostDriftMonitor{
		provider:       provider,
		model:          model,
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
		recent:         make([]float64, 0, windowSize),
	}
}

// Record adds one completed job's cost and re-evaluates drift.
func (m *CostDriftMonitor) Record(cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent = append(m.recent, cost)
	if len(m.recent) > m.windowSize {
		m.recent = m.recent[1:]
	}
	if len(m.recent) < m.windowSize {
		return
	}

	avg := average(m.recent)
	if !m.hasBaseline {
		m.baseline = avg
		m.hasBaseline = true
		slog.Info("cost baseline established",
			slog.String("provider", m.provider),
			slog.String("model", m.model),
			slog.Float64("baseline", m.baseline))
		return
	}
	if m.baseline == 0 {
		return
	}

	drift := (avg - m.baseline) / m.baseline
	if drift < 0 {
		drift = -drift
	}
	CostDriftGauge.WithLabelValues(m.provider, m.model).Set(drift)
	if drift > m.driftThreshold {
		slog.Warn("job cost drift detected",
			slog.String("provider", m.provider),
			slog.String("model", m.model),
			slog.Float64("baseline", m.baseline),
			slog.Float64("window_average", avg),
			slog.Float64("drift", drift),
			slog.Float64("threshold", m.driftThreshold))
	}
}

// Drift returns the current relative drift, zero before a baseline exists.
func (m *CostDriftMonitor) Drift() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasBaseline || m.baseline == 0 || len(m.recent) < m.windowSize {
		return 0
	}
	drift := (average(m.recent) - m.baseline) / m.baseline
	if drift < 0 {
		drift = -drift
	}
	return drift
}

// Baseline returns the established baseline and whether one exists yet.
func (m *CostDriftMonitor) Baseline() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline, m.hasBaseline
}

// Reset clears the window and baseline, e.g. after a deliberate model swap.
func (m *CostDriftMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = m.recent[:0]
	m.baseline = 0
	m.hasBaseline = false
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// CostDriftManager holds one monitor per provider/model pair.
type CostDriftManager struct {
	monitors map[string]*CostDriftMonitor
	mu       sync.RWMutex
}

// NewCostDriftManager creates an empty manager.
func NewCostDriftManager() *CostDriftManager {
	return &CostDriftManager{monitors: make(map[string]*CostDriftMonitor)}
}

func (cdm *CostDriftManager) getOrCreate(provider, model string, windowSize int, threshold float64) *CostDriftMonitor {
	key := fmt.Sprintf("%s/%s", provider, model)
	cdm.mu.Lock()
	defer cdm.mu.Unlock()

	if m, ok := cdm.monitors[key]; ok {
		return m
	}
	m := NewCostDriftMonitor(provider, model, windowSize, threshold)
	cdm.monitors[key] = m
	return m
}

// ResetAll clears every monitor.
func (cdm *CostDriftManager) ResetAll() {
	cdm.mu.Lock()
	defer cdm.mu.Unlock()
	for _, m := range cdm.monitors {
		m.Reset()
	}
}

// Global cost drift manager instance
var globalCDM = NewCostDriftManager()

// RecordJobCost feeds one job's cost into drift monitoring with the default
// window of 20 jobs and a 50 percent threshold.
func RecordJobCost(provider, model string, cost float64) {
	globalCDM.getOrCreate(provider, model, 20, 0.50).Record(cost)
}

// JobCostDrift returns the current drift for a provider/model pair.
func JobCostDrift(provider, model string) float64 {
	key := fmt.Sprintf("%s/%s", provider, model)
	globalCDM.mu.RLock()
	m, ok := globalCDM.monitors[key]
	globalCDM.mu.RUnlock()
	if !ok {
		return 0
	}
	return m.Drift()
}

// ResetAllCostDriftMonitors resets every monitor.
func ResetAllCostDriftMonitors() {
	globalCDM.ResetAll()
}
