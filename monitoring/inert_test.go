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

package monitoring_test

import (
	"testing"

	"github.com/google/iothrottle/monitoring"
	"github.com/google/iothrottle/monitoring/testonly"
)

func TestInertCounter(t *testing.T) {
	testonly.TestCounter(t, monitoring.InertMetricFactory{})
}

func TestInertGauge(t *testing.T) {
	testonly.TestGauge(t, monitoring.InertMetricFactory{})
}

func TestInertHistogram(t *testing.T) {
	testonly.TestHistogram(t, monitoring.InertMetricFactory{})
}
