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

// Package testonly contains conformance checks shared by the MetricFactory
// implementations.
package testonly

import (
	"testing"

	"github.com/google/iothrottle/monitoring"
)

var labelCases = []struct {
	name       string
	labelNames []string
	labelVals  []string
}{
	{name: "0", labelNames: nil, labelVals: nil},
	{name: "1", labelNames: []string{"group"}, labelVals: []string{"a"}},
	{name: "2", labelNames: []string{"group", "dir"}, labelVals: []string{"a", "read"}},
}

// TestCounter runs a test on a Counter produced from the provided MetricFactory.
func TestCounter(t *testing.T, factory monitoring.MetricFactory) {
	for _, test := range labelCases {
		counter := factory.NewCounter("test_counter"+test.name, "Test only", test.labelNames...)
		if got, want := counter.Value(test.labelVals...), 0.0; got != want {
			t.Errorf("Counter(%s)[%v].Value()=%v; want %v", test.name, test.labelVals, got, want)
		}
		counter.Inc(test.labelVals...)
		counter.Add(2.5, test.labelVals...)
		if got, want := counter.Value(test.labelVals...), 3.5; got != want {
			t.Errorf("Counter(%s)[%v].Value()=%v; want %v", test.name, test.labelVals, got, want)
		}
		// Use an invalid number of labels.
		bogus := append(append([]string(nil), test.labelVals...), "bogus")
		counter.Add(10.0, bogus...)
		if got, want := counter.Value(bogus...), 0.0; got != want {
			t.Errorf("Counter(%s)[%v].Value()=%v; want %v", test.name, bogus, got, want)
		}
	}
}

// TestGauge runs a test on a Gauge produced from the provided MetricFactory.
func TestGauge(t *testing.T, factory monitoring.MetricFactory) {
	for _, test := range labelCases {
		gauge := factory.NewGauge("test_gauge"+test.name, "Test only", test.labelNames...)
		gauge.Set(4, test.labelVals...)
		gauge.Inc(test.labelVals...)
		gauge.Dec(test.labelVals...)
		gauge.Dec(test.labelVals...)
		gauge.Add(0.5, test.labelVals...)
		if got, want := gauge.Value(test.labelVals...), 3.5; got != want {
			t.Errorf("Gauge(%s)[%v].Value()=%v; want %v", test.name, test.labelVals, got, want)
		}
		bogus := append(append([]string(nil), test.labelVals...), "bogus")
		gauge.Set(42, bogus...)
		if got, want := gauge.Value(bogus...), 0.0; got != want {
			t.Errorf("Gauge(%s)[%v].Value()=%v; want %v", test.name, bogus, got, want)
		}
	}
}

// TestHistogram runs a test on a Histogram produced from the provided MetricFactory.
func TestHistogram(t *testing.T, factory monitoring.MetricFactory) {
	for _, test := range labelCases {
		histogram := factory.NewHistogram("test_histogram"+test.name, "Test only", monitoring.DelayBuckets(), test.labelNames...)
		histogram.Observe(0.25, test.labelVals...)
		histogram.Observe(0.5, test.labelVals...)
		count, sum := histogram.Info(test.labelVals...)
		if count != 2 || sum != 0.75 {
			t.Errorf("Histogram(%s)[%v].Info()=%v, %v; want 2, 0.75", test.name, test.labelVals, count, sum)
		}
		bogus := append(append([]string(nil), test.labelVals...), "bogus")
		histogram.Observe(1, bogus...)
		if count, _ := histogram.Info(bogus...); count != 0 {
			t.Errorf("Histogram(%s)[%v] count=%v; want 0", test.name, bogus, count)
		}
	}
}
