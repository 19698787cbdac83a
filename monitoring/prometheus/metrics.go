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

// Package prometheus provides a Prometheus-based implementation of the
// MetricFactory abstraction.
package prometheus

import (
	"fmt"

	"github.com/google/iothrottle/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
)

// MetricFactory allows the creation of Prometheus-based metrics.
type MetricFactory struct {
	Prefix string
	// Registerer receives every created metric. The default registry is
	// used when nil.
	Registerer prometheus.Registerer
}

func (pmf MetricFactory) register(c prometheus.Collector) {
	r := pmf.Registerer
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	r.MustRegister(c)
}

// NewCounter creates a new Counter object backed by Prometheus.
func (pmf MetricFactory) NewCounter(name, help string, labelNames ...string) monitoring.Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: pmf.Prefix + name, Help: help}, labelNames)
	pmf.register(vec)
	return &Counter{labelNames: labelNames, vec: vec}
}

// NewGauge creates a new Gauge object backed by Prometheus.
func (pmf MetricFactory) NewGauge(name, help string, labelNames ...string) monitoring.Gauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: pmf.Prefix + name, Help: help}, labelNames)
	pmf.register(vec)
	return &Gauge{labelNames: labelNames, vec: vec}
}

// NewHistogram creates a new Histogram object backed by Prometheus.
func (pmf MetricFactory) NewHistogram(name, help string, buckets []float64, labelNames ...string) monitoring.Histogram {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: pmf.Prefix + name, Help: help, Buckets: buckets}, labelNames)
	pmf.register(vec)
	return &Histogram{labelNames: labelNames, vec: vec}
}

// Counter is a wrapper around a Prometheus CounterVec object.
type Counter struct {
	labelNames []string
	vec        *prometheus.CounterVec
}

// Inc adds 1 to a counter.
func (m *Counter) Inc(labelVals ...string) {
	m.Add(1, labelVals...)
}

// Add adds the given amount to a counter.
func (m *Counter) Add(val float64, labelVals ...string) {
	if c, ok := with(m.vec.MetricVec, m.labelNames, labelVals); ok {
		c.(prometheus.Counter).Add(val)
	}
}

// Value returns the current amount of a counter.
func (m *Counter) Value(labelVals ...string) float64 {
	pb, ok := read(m.vec.MetricVec, m.labelNames, labelVals)
	if !ok || pb.Counter == nil {
		return 0.0
	}
	return pb.Counter.GetValue()
}

// Gauge is a wrapper around a Prometheus GaugeVec object.
type Gauge struct {
	labelNames []string
	vec        *prometheus.GaugeVec
}

func (m *Gauge) gauge(labelVals []string) (prometheus.Gauge, bool) {
	g, ok := with(m.vec.MetricVec, m.labelNames, labelVals)
	if !ok {
		return nil, false
	}
	return g.(prometheus.Gauge), true
}

// Inc adds 1 to a gauge.
func (m *Gauge) Inc(labelVals ...string) {
	if g, ok := m.gauge(labelVals); ok {
		g.Inc()
	}
}

// Dec subtracts 1 from a gauge.
func (m *Gauge) Dec(labelVals ...string) {
	if g, ok := m.gauge(labelVals); ok {
		g.Dec()
	}
}

// Add adds given value to a gauge.
func (m *Gauge) Add(val float64, labelVals ...string) {
	if g, ok := m.gauge(labelVals); ok {
		g.Add(val)
	}
}

// Set sets the value of a gauge.
func (m *Gauge) Set(val float64, labelVals ...string) {
	if g, ok := m.gauge(labelVals); ok {
		g.Set(val)
	}
}

// Value returns the current amount of a gauge.
func (m *Gauge) Value(labelVals ...string) float64 {
	pb, ok := read(m.vec.MetricVec, m.labelNames, labelVals)
	if !ok || pb.Gauge == nil {
		return 0.0
	}
	return pb.Gauge.GetValue()
}

// Histogram is a wrapper around a Prometheus HistogramVec object.
type Histogram struct {
	labelNames []string
	vec        *prometheus.HistogramVec
}

// Observe adds a single observation to the histogram.
func (m *Histogram) Observe(val float64, labelVals ...string) {
	if h, ok := with(m.vec.MetricVec, m.labelNames, labelVals); ok {
		h.(prometheus.Observer).Observe(val)
	}
}

// Info returns the count and sum of observations for the histogram.
func (m *Histogram) Info(labelVals ...string) (uint64, float64) {
	pb, ok := read(m.vec.MetricVec, m.labelNames, labelVals)
	if !ok || pb.Histogram == nil {
		return 0, 0.0
	}
	return pb.Histogram.GetSampleCount(), pb.Histogram.GetSampleSum()
}

// with returns the child metric for the given label values.
func with(vec *prometheus.MetricVec, names, values []string) (prometheus.Metric, bool) {
	labels, err := labelsFor(names, values)
	if err != nil {
		klog.Error(err.Error())
		return nil, false
	}
	m, err := vec.GetMetricWith(labels)
	if err != nil {
		klog.Errorf("GetMetricWith(%v): %v", labels, err)
		return nil, false
	}
	return m, true
}

// read snapshots the child metric for the given label values.
func read(vec *prometheus.MetricVec, names, values []string) (*dto.Metric, bool) {
	m, ok := with(vec, names, values)
	if !ok {
		return nil, false
	}
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		klog.Errorf("failed to Write metric: %v", err)
		return nil, false
	}
	return &pb, true
}

func labelsFor(names, values []string) (prometheus.Labels, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("got %d (%v) values for %d labels (%v)", len(values), values, len(names), names)
	}
	labels := make(prometheus.Labels, len(names))
	for i, name := range names {
		labels[name] = values[i]
	}
	return labels, nil
}
