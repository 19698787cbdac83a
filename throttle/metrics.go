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

package throttle

import (
	"sync"

	"github.com/google/iothrottle/monitoring"
)

var (
	metrics     = newMetrics(monitoring.InertMetricFactory{})
	metricsOnce sync.Once
)

type m struct {
	dispatchedBytes monitoring.Counter
	dispatchedIOs   monitoring.Counter
	released        monitoring.Counter
	badJobs         monitoring.Counter
	tierChanges     monitoring.Counter
	groups          monitoring.Gauge
	queued          monitoring.Gauge
	tier            monitoring.Gauge
	scale           monitoring.Gauge
	releaseDelay    monitoring.Histogram
}

func newMetrics(mf monitoring.MetricFactory) *m {
	return &m{
		dispatchedBytes: mf.NewCounter("iothrottle_dispatched_bytes", "Bytes dispatched by a group to the level above it", "group", "dir"),
		dispatchedIOs:   mf.NewCounter("iothrottle_dispatched_ios", "Jobs dispatched by a group to the level above it", "group", "dir"),
		released:        mf.NewCounter("iothrottle_released_jobs", "Jobs released to the device", "dir"),
		badJobs:         mf.NewCounter("iothrottle_bad_jobs", "Completions slower than the group's latency target", "group"),
		tierChanges:     mf.NewCounter("iothrottle_tier_changes", "Tier switches, by new tier", "tier"),
		groups:          mf.NewGauge("iothrottle_groups", "Groups in the tree, including those being removed"),
		queued:          mf.NewGauge("iothrottle_queued_jobs", "Jobs waiting in the tree", "dir"),
		tier:            mf.NewGauge("iothrottle_tier", "Tier in force: 0 for low, 1 for max"),
		scale:           mf.NewGauge("iothrottle_scale", "Slices since the last upgrade applied to MAX tier limits"),
		releaseDelay:    mf.NewHistogram("iothrottle_release_delay_seconds", "Time between submission and release of a job", monitoring.DelayBuckets(), "dir"),
	}
}

// InitMetrics makes the package report its metrics through mf. May be called
// multiple times. If so, the first call is the one that counts. Metrics
// reported before the first call are lost.
func InitMetrics(mf monitoring.MetricFactory) {
	metricsOnce.Do(func() {
		metrics = newMetrics(mf)
	})
}
