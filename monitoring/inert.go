// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitoring

import (
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// InertMetricFactory creates metrics that only keep their values in memory.
// It is the default when no metrics backend has been configured.
type InertMetricFactory struct{}

// NewCounter creates a new inert Counter.
func (InertMetricFactory) NewCounter(name, help string, labelNames ...string) Counter {
	return &InertFloat{series: newSeries(name, len(labelNames))}
}

// NewGauge creates a new inert Gauge.
func (InertMetricFactory) NewGauge(name, help string, labelNames ...string) Gauge {
	return &InertFloat{series: newSeries(name, len(labelNames))}
}

// NewHistogram creates a new inert Histogram. Buckets are ignored.
func (InertMetricFactory) NewHistogram(name, help string, _ []float64, labelNames ...string) Histogram {
	return &InertDistribution{series: newSeries(name, len(labelNames))}
}

// series maps joined label values to per-series state.
type series struct {
	name       string
	labelCount int
}

func newSeries(name string, labelCount int) series {
	return series{name: name, labelCount: labelCount}
}

func (s series) key(labelVals []string) (string, bool) {
	if len(labelVals) != s.labelCount {
		klog.Errorf("%s: got %d label values, want %d", s.name, len(labelVals), s.labelCount)
		return "", false
	}
	return strings.Join(labelVals, "|"), true
}

// InertFloat is an in-memory Counter and Gauge.
type InertFloat struct {
	series
	mu   sync.Mutex
	vals map[string]float64
}

// Inc adds 1 to the value.
func (m *InertFloat) Inc(labelVals ...string) {
	m.Add(1.0, labelVals...)
}

// Dec subtracts 1 from the value.
func (m *InertFloat) Dec(labelVals ...string) {
	m.Add(-1.0, labelVals...)
}

// Add adds val to the value.
func (m *InertFloat) Add(val float64, labelVals ...string) {
	m.update(labelVals, func(old float64) float64 { return old + val })
}

// Set overwrites the value.
func (m *InertFloat) Set(val float64, labelVals ...string) {
	m.update(labelVals, func(float64) float64 { return val })
}

func (m *InertFloat) update(labelVals []string, fn func(float64) float64) {
	key, ok := m.key(labelVals)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = make(map[string]float64)
	}
	m.vals[key] = fn(m.vals[key])
}

// Value returns the current value.
func (m *InertFloat) Value(labelVals ...string) float64 {
	key, ok := m.key(labelVals)
	if !ok {
		return 0.0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[key]
}

// InertDistribution is an in-memory Histogram that only keeps counts and sums.
type InertDistribution struct {
	series
	mu     sync.Mutex
	counts map[string]uint64
	sums   map[string]float64
}

// Observe adds a single observation to the distribution.
func (m *InertDistribution) Observe(val float64, labelVals ...string) {
	key, ok := m.key(labelVals)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]uint64)
		m.sums = make(map[string]float64)
	}
	m.counts[key]++
	m.sums[key] += val
}

// Info returns count, sum for the distribution.
func (m *InertDistribution) Info(labelVals ...string) (uint64, float64) {
	key, ok := m.key(labelVals)
	if !ok {
		return 0, 0.0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], m.sums[key]
}
