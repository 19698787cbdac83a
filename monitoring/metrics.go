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

// Package monitoring defines the metrics the throttling engine reports
// through: dispatched bytes and jobs per group, queue depths, the active tier
// and release delays. Backends implement MetricFactory; the engine only sees
// these interfaces.
package monitoring

// MetricFactory creates named metrics. Every update must carry one value per
// label name given at creation; updates that do not are logged and dropped.
type MetricFactory interface {
	NewCounter(name, help string, labelNames ...string) Counter
	NewGauge(name, help string, labelNames ...string) Gauge
	// NewHistogram takes its bucket boundaries explicitly, see DelayBuckets
	// and SizeBuckets.
	NewHistogram(name, help string, buckets []float64, labelNames ...string) Histogram
}

// Counter only grows, such as bytes dispatched by a group.
type Counter interface {
	Inc(labelVals ...string)
	Add(val float64, labelVals ...string)
	Value(labelVals ...string) float64
}

// Gauge tracks a level, such as jobs queued in one direction.
type Gauge interface {
	Inc(labelVals ...string)
	Dec(labelVals ...string)
	Add(val float64, labelVals ...string)
	Set(val float64, labelVals ...string)
	// Value reads back the current level. Tests use it to check what the
	// engine reported.
	Value(labelVals ...string) float64
}

// Histogram records a distribution, such as how long jobs waited for
// release.
type Histogram interface {
	Observe(val float64, labelVals ...string)
	// Info returns the number and sum of the observations.
	Info(labelVals ...string) (uint64, float64)
}
