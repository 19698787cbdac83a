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
	"math/bits"
	"sync/atomic"
	"time"
)

const (
	latencyBuckets = 9
	latencyShards  = 16

	// minLatencySamples is how many samples a bucket needs before its
	// average is updated.
	minLatencySamples = 32
	// latencyRecomputeInterval bounds how often bucket averages are
	// recomputed.
	latencyRecomputeInterval = time.Second

	// rotationalBaseline is the fixed expected latency of a rotational
	// device, whatever the job size.
	rotationalBaseline = 4 * time.Millisecond
	// rotationalNoiseFloor is the latency below which a completion on a
	// rotational device is assumed to be sequential I/O and not counted.
	rotationalNoiseFloor = time.Millisecond

	// minBadSamples is how many counted jobs a group needs before its bad
	// job ratio is trusted for a downgrade.
	minBadSamples = 8
	// maxCountedJobs caps the job counters before they are halved.
	maxCountedJobs = 1024
)

// bucketIndex maps a job size to its latency bucket: 4KiB and below use
// bucket 0, 1MiB and above use the last one, sizes in between go by the
// rounded up log2 of their sector count.
func bucketIndex(size int64) int {
	sectors := uint64(size) >> 9
	order := 0
	if sectors > 1 {
		order = bits.Len64(sectors - 1)
	}
	return min(max(order, 3), latencyBuckets+2) - 3
}

type latencyShard struct {
	total   [numDirs][latencyBuckets]atomic.Uint64
	samples [numDirs][latencyBuckets]atomic.Uint64
	_       [64]byte
}

type latencySum struct {
	total   uint64
	samples uint64
}

// latencyController learns the expected latency of each job size bucket.
// Samples land in sharded atomic accumulators and are folded into the
// averages by recompute, which runs under the Tree lock.
type latencyController struct {
	learn bool
	floor time.Duration

	shards [latencyShards]latencyShard
	avg    [numDirs][latencyBuckets]atomic.Int64

	// Guarded by the Tree lock.
	sums     [numDirs][latencyBuckets]latencySum
	valid    [numDirs][latencyBuckets]bool
	lastCalc time.Time
}

func (lc *latencyController) init(device DeviceClass) {
	if device == NonRotational {
		lc.learn = true
		return
	}
	lc.floor = rotationalNoiseFloor
	for _, d := range directions {
		for i := range lc.avg[d] {
			lc.avg[d][i].Store(int64(rotationalBaseline))
		}
	}
}

// track adds a sample. It is safe to call without the Tree lock.
func (lc *latencyController) track(job *Job, latency time.Duration) {
	if !lc.learn {
		return
	}
	s := &lc.shards[job.ID%latencyShards]
	i := bucketIndex(job.Size)
	s.total[job.Dir][i].Add(uint64(latency))
	s.samples[job.Dir][i].Add(1)
}

// baseline returns the expected latency of a job of the given size.
func (lc *latencyController) baseline(d Direction, size int64) time.Duration {
	return time.Duration(lc.avg[d][bucketIndex(size)].Load())
}

// recompute folds the shards into the bucket averages, at most once per
// latencyRecomputeInterval. Buckets with too few samples keep accumulating.
// A bucket never has a smaller average than the bucket before it.
func (lc *latencyController) recompute(now time.Time) {
	if !lc.learn || now.Before(lc.lastCalc.Add(latencyRecomputeInterval)) {
		return
	}
	lc.lastCalc = now

	for _, d := range directions {
		var fresh [latencyBuckets]time.Duration
		for i := 0; i < latencyBuckets; i++ {
			sum := &lc.sums[d][i]
			for s := range lc.shards {
				sum.total += lc.shards[s].total[d][i].Swap(0)
				sum.samples += lc.shards[s].samples[d][i].Swap(0)
			}
			if sum.samples < minLatencySamples {
				continue
			}
			avg := time.Duration(sum.total / sum.samples)
			*sum = latencySum{}
			if avg <= lc.floor {
				continue
			}
			fresh[i] = avg
		}

		var last time.Duration
		for i := 0; i < latencyBuckets; i++ {
			cur := time.Duration(lc.avg[d][i].Load())
			if fresh[i] == 0 {
				if cur < last {
					lc.avg[d][i].Store(int64(last))
				}
				continue
			}
			avg := fresh[i]
			if lc.valid[d][i] {
				avg = (cur*7 + fresh[i]) / 8
			}
			avg = max(avg, last)
			lc.avg[d][i].Store(int64(avg))
			lc.valid[d][i] = true
			last = avg
		}
	}
}

// ReportCompletion feeds the completion latency of a released job back into
// the latency controller. It never takes the Tree lock and may be called from
// any goroutine. Reports for jobs of removed groups and non-positive
// latencies are ignored.
func (t *Tree) ReportCompletion(job *Job, latency time.Duration) {
	if job == nil || job.grp == nil || latency <= 0 || !t.lowValid.Load() {
		return
	}
	now := t.ts.Now()
	g := job.grp
	st := &g.stats
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.reclaimed {
		return
	}
	st.lastFinish = now

	if Tier(t.tier.Load()) == TierLow {
		t.lat.track(job, latency)
	}
	if st.latencyTarget > 0 && latency >= t.lat.floor {
		if latency > t.lat.baseline(job.Dir, job.Size)+st.latencyTarget {
			st.badJobCount++
			metrics.badJobs.Inc(g.name)
		}
		st.jobCount++
	}
	if now.After(st.countResetAt) || st.jobCount > maxCountedJobs {
		st.countResetAt = now.Add(t.slice)
		st.jobCount /= 2
		st.badJobCount /= 2
	}
}

// updateIdleTime folds the gap since the last completion into the average
// idle time of g. Called on submission.
func (t *Tree) updateIdleTime(g *Group, now time.Time) {
	st := &g.stats
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastFinish.IsZero() || st.lastFinish.Equal(st.checkedLastFinish) {
		return
	}
	st.avgIdle = (st.avgIdle*7 + now.Sub(st.lastFinish)) / 8
	st.checkedLastFinish = st.lastFinish
}

// idleByTime reports whether g looks idle from its completion timing alone.
func (st *groupStats) idleByTime(now time.Time) bool {
	if st.latencyTarget == 0 || st.idleThreshold == 0 {
		return true
	}
	window := min(MaxIdleTime, 4*st.idleThreshold)
	return now.Sub(st.lastFinish) > window || st.avgIdle > st.idleThreshold
}

// latencyGood reports whether fewer than a fifth of the counted jobs of g
// were bad.
func (st *groupStats) latencyGood() bool {
	return st.latencyTarget > 0 && st.jobCount > 0 && st.badJobCount*5 < st.jobCount
}

// latencyBreached reports a sustained latency breach: enough counted jobs,
// at least a fifth of them bad.
func (st *groupStats) latencyBreached() bool {
	return st.latencyTarget > 0 && st.jobCount >= minBadSamples && st.badJobCount*5 >= st.jobCount
}

// isIdle reports whether g is not using its low limit: it completes I/O
// rarely or its I/O still meets its latency target.
func (t *Tree) isIdle(g *Group, now time.Time) bool {
	st := &g.stats
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.idleByTime(now) || st.latencyGood()
}
