// Package metrics records in-process timings, counters and outcomes for
// turns, tools and LLM requests.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming  MetricType = "timing"
	TypeCounter MetricType = "counter"
	TypeOutcome MetricType = "outcome"
)

// Recorder is the write side used by instrumented components.
type Recorder interface {
	RecordDuration(topic, function string, duration time.Duration)
	AddCounter(topic, function string, delta int64)
	RecordOutcome(topic, function, outcome string)
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RecordDuration(string, string, time.Duration) {}
func (Nop) AddCounter(string, string, int64)             {}
func (Nop) RecordOutcome(string, string, string)         {}

type timingMetric struct {
	count     int64
	total     time.Duration
	min       time.Duration
	max       time.Duration
	last      time.Duration
	samples   []time.Duration // Ring buffer for percentiles
	sampleIdx int
}

type outcomeMetric struct {
	outcomes map[string]int64
	total    int64
	last     string
}

// Manager holds all metrics of one process.
type Manager struct {
	mu       sync.Mutex
	timings  map[string]*timingMetric
	counters map[string]int64
	outcomes map[string]*outcomeMetric
}

// New creates an empty metrics manager.
func New() *Manager {
	return &Manager{
		timings:  make(map[string]*timingMetric),
		counters: make(map[string]int64),
		outcomes: make(map[string]*outcomeMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a duration
func (m *Manager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.timings[path]
	if !exists {
		metric = &timingMetric{
			samples: make([]time.Duration, 0, 16),
			min:     duration,
			max:     duration,
		}
		m.timings[path] = metric
	}

	metric.count++
	metric.total += duration
	metric.last = duration
	if duration < metric.min {
		metric.min = duration
	}
	if duration > metric.max {
		metric.max = duration
	}

	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, duration)
	} else {
		metric.samples[metric.sampleIdx] = duration
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// StartTimer returns a func that records the elapsed time when called.
func (m *Manager) StartTimer(topic, function string) func() {
	start := time.Now()
	return func() { m.RecordDuration(topic, function, time.Since(start)) }
}

// AddCounter adds delta to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[buildPath(topic, function)] += delta
}

// RecordOutcome records a specific outcome
func (m *Manager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.outcomes[path]
	if !exists {
		metric = &outcomeMetric{outcomes: make(map[string]int64)}
		m.outcomes[path] = metric
	}
	metric.outcomes[outcome]++
	metric.total++
	metric.last = outcome
}

// Snapshot is a point-in-time view of one metric
type Snapshot struct {
	Path string
	Type MetricType

	// timing
	Count  int64
	AvgMs  float64
	MinMs  float64
	MaxMs  float64
	LastMs float64
	P95Ms  float64

	// counter
	Value int64

	// outcome
	Outcomes map[string]int64
	Last     string
}

// Snapshot returns every metric sorted by path.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.timings)+len(m.counters)+len(m.outcomes))
	for path, t := range m.timings {
		avg := float64(0)
		if t.count > 0 {
			avg = ms(t.total) / float64(t.count)
		}
		out = append(out, Snapshot{
			Path:   path,
			Type:   TypeTiming,
			Count:  t.count,
			AvgMs:  avg,
			MinMs:  ms(t.min),
			MaxMs:  ms(t.max),
			LastMs: ms(t.last),
			P95Ms:  calculatePercentile(t.samples, 95),
		})
	}
	for path, v := range m.counters {
		out = append(out, Snapshot{Path: path, Type: TypeCounter, Value: v})
	}
	for path, o := range m.outcomes {
		counts := make(map[string]int64, len(o.outcomes))
		for k, v := range o.outcomes {
			counts[k] = v
		}
		out = append(out, Snapshot{Path: path, Type: TypeOutcome, Count: o.total, Outcomes: counts, Last: o.last})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// calculatePercentile returns the given percentile of samples in milliseconds
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := (len(sorted) * percentile) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return ms(sorted[index])
}
