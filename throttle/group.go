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
	"math"
	"math/bits"
	"sync"
	"time"
)

// Group is one node of the throttling hierarchy. All fields except the
// completion statistics are guarded by the Tree lock.
type Group struct {
	name     string
	idx      int32
	parent   int32 // -1 for top-level groups
	children []int32

	cfg GroupConfig
	lim limits

	sq            serviceQueue
	qnodeOnSelf   [numDirs]qnode
	qnodeOnParent [numDirs]qnode

	sliceStart [numDirs]time.Time
	sliceEnd   [numDirs]time.Time
	bytesDisp  [numDirs]uint64
	ioDisp     [numDirs]uint64

	// Dispatched since the last downgrade check, to sample the rate.
	lastBytesDisp   [numDirs]uint64
	lastIODisp      [numDirs]uint64
	lastLowOverflow [numDirs]time.Time
	lastCheck       time.Time

	disptime   time.Time
	pending    bool
	pendingKey pendingItem
	wasEmpty   bool

	totalBytes [numDirs]uint64
	totalIOs   [numDirs]uint64

	refs     int
	removing bool

	stats groupStats
}

// groupStats holds what completion reports update. It has its own lock so
// completions never wait for the Tree lock.
type groupStats struct {
	mu sync.Mutex

	latencyTarget time.Duration
	idleThreshold time.Duration

	lastFinish        time.Time
	checkedLastFinish time.Time
	avgIdle           time.Duration
	jobCount          uint64
	badJobCount       uint64
	countResetAt      time.Time

	reclaimed bool
}

// Name returns the name of the group.
func (g *Group) Name() string {
	return g.name
}

func (g *Group) parentSQ() *serviceQueue {
	return g.sq.parent
}

// mulDiv returns a*b/c, saturating at math.MaxUint64.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}

// roundUp rounds d up to a multiple of slice.
func roundUp(d, slice time.Duration) time.Duration {
	if r := d % slice; r != 0 {
		return d + slice - r
	}
	return d
}

func (t *Tree) sliceUsed(g *Group, d Direction, now time.Time) bool {
	return g.sliceStart[d].IsZero() || now.Before(g.sliceStart[d]) || now.After(g.sliceEnd[d])
}

// setSliceEnd sets the end of the slice of g in d to end rounded up to a
// whole number of slices from its start.
func (t *Tree) setSliceEnd(g *Group, d Direction, end time.Time) {
	g.sliceEnd[d] = g.sliceStart[d].Add(roundUp(end.Sub(g.sliceStart[d]), t.slice))
}

func (t *Tree) startNewSlice(g *Group, d Direction, now time.Time) {
	g.bytesDisp[d] = 0
	g.ioDisp[d] = 0
	g.sliceStart[d] = now
	g.sliceEnd[d] = now.Add(t.slice)
}

// startNewSliceWithCredit starts a new slice that begins no later than start
// so that time spent waiting in a child is not lost in the parent.
func (t *Tree) startNewSliceWithCredit(g *Group, d Direction, start, now time.Time) {
	g.bytesDisp[d] = 0
	g.ioDisp[d] = 0
	if start.IsZero() || start.After(now) {
		start = now
	}
	if !start.Before(g.sliceStart[d]) {
		g.sliceStart[d] = start
	}
	g.sliceEnd[d] = now.Add(t.slice)
}

func (t *Tree) startParentSliceWithCredit(child, parent *Group, d Direction, now time.Time) {
	if t.sliceUsed(parent, d, now) {
		t.startNewSliceWithCredit(parent, d, child.sliceStart[d], now)
	}
}

func (t *Tree) extendSlice(g *Group, d Direction, end time.Time) {
	t.setSliceEnd(g, d, end)
}

// trimSlice drops the allowance of the whole slices that have elapsed and
// moves the slice start forward. Less than one slice of unused allowance
// carries over.
func (t *Tree) trimSlice(g *Group, d Direction, now time.Time) {
	if t.sliceUsed(g, d, now) {
		return
	}
	t.setSliceEnd(g, d, now.Add(t.slice))
	elapsed := now.Sub(g.sliceStart[d])
	elapsed -= elapsed % t.slice
	if elapsed <= 0 {
		return
	}
	bytesTrim := mulDiv(t.bpsLimit(g, d, now), uint64(elapsed), uint64(time.Second))
	ioTrim := mulDiv(t.iopsLimit(g, d, now), uint64(elapsed), uint64(time.Second))
	if bytesTrim == 0 && ioTrim == 0 {
		return
	}
	g.bytesDisp[d] -= min(g.bytesDisp[d], bytesTrim)
	g.ioDisp[d] -= min(g.ioDisp[d], ioTrim)
	g.sliceStart[d] = g.sliceStart[d].Add(elapsed)
}

// elapsedRounded returns how long the slice of g in d has run and that
// duration rounded up to whole slices, with a minimum of one slice.
func (t *Tree) elapsedRounded(g *Group, d Direction, now time.Time) (elapsed, rnd time.Duration) {
	elapsed = now.Sub(g.sliceStart[d])
	rnd = elapsed
	if rnd <= 0 {
		rnd = t.slice
	}
	return elapsed, roundUp(rnd, t.slice)
}

// maxWait bounds a single wait. Half the Duration range leaves room for the
// slice arithmetic done on top of it.
const maxWait = time.Duration(math.MaxInt64 / 2)

// overLimitWait returns how long until disp+n fits into the allowance of
// limit per second, or 0 if it already does.
func (t *Tree) overLimitWait(limit, disp, n uint64, elapsed, rnd time.Duration) time.Duration {
	if limit == unlimited {
		return 0
	}
	allowed := mulDiv(limit, uint64(rnd), uint64(time.Second))
	if disp+n <= allowed {
		return 0
	}
	w := mulDiv(disp+n-allowed, uint64(time.Second), limit)
	if w > uint64(maxWait) {
		return maxWait
	}
	wait := time.Duration(w)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait + rnd - elapsed
}

// waitTime returns how long job must wait before g may dispatch it in
// direction d. It starts or extends the slice as needed.
func (t *Tree) waitTime(g *Group, d Direction, job *Job, now time.Time) time.Duration {
	bps, iops := t.bpsLimit(g, d, now), t.iopsLimit(g, d, now)
	if bps == unlimited && iops == unlimited {
		return 0
	}
	switch {
	case g.sliceStart[d].IsZero(), t.sliceUsed(g, d, now) && g.sq.nrQueued[d] == 0:
		t.startNewSlice(g, d, now)
	case g.sliceEnd[d].Before(now.Add(t.slice)):
		t.extendSlice(g, d, now.Add(t.slice))
	}

	elapsed, rnd := t.elapsedRounded(g, d, now)
	wait := max(
		t.overLimitWait(bps, g.bytesDisp[d], uint64(job.Size), elapsed, rnd),
		t.overLimitWait(iops, g.ioDisp[d], 1, elapsed, rnd))
	if wait == 0 {
		return 0
	}
	if g.sliceEnd[d].Before(now.Add(wait)) {
		t.extendSlice(g, d, now.Add(wait))
	}
	return wait
}

func (t *Tree) charge(g *Group, job *Job) {
	d, size := job.Dir, uint64(job.Size)
	g.bytesDisp[d] += size
	g.ioDisp[d]++
	g.lastBytesDisp[d] += size
	g.lastIODisp[d]++
	g.totalBytes[d] += size
	g.totalIOs[d]++
	metrics.dispatchedBytes.Add(float64(size), g.name, d.String())
	metrics.dispatchedIOs.Inc(g.name, d.String())
}

// updateDisptime rekeys g at the earliest time one of its head jobs may
// move up.
func (t *Tree) updateDisptime(g *Group, now time.Time) {
	wait := time.Duration(math.MaxInt64)
	for _, d := range directions {
		if job := peekQueued(&g.sq.queued[d]); job != nil {
			wait = min(wait, t.waitTime(g, d, job, now))
		}
	}
	if wait == math.MaxInt64 {
		wait = 0
	}
	t.pushPending(g, now.Add(wait))
	g.wasEmpty = false
}

// addQueued queues job on g through qn. g becomes pending in its parent if
// it was not.
func (t *Tree) addQueued(g *Group, qn *qnode, job *Job) {
	d := job.Dir
	if g.sq.nrQueued[d] == 0 {
		g.wasEmpty = true
	}
	t.addJob(qn, job, &g.sq.queued[d])
	g.sq.nrQueued[d]++
	t.enqueueGroup(g)
}

// dispatchOne moves the head job of g in direction d one level up: into the
// parent group's queue, or into the root queue for top-level groups.
func (t *Tree) dispatchOne(g *Group, d Direction, now time.Time) {
	job, put := popQueued(&g.sq.queued[d])
	g.sq.nrQueued[d]--
	t.charge(g, job)

	if g.parent >= 0 {
		parent := t.groups[g.parent]
		t.addQueued(parent, &g.qnodeOnParent[d], job)
		t.startParentSliceWithCredit(g, parent, d, now)
	} else {
		t.addJob(&g.qnodeOnParent[d], job, &t.root.queued[d])
		t.root.nrQueued[d]++
		t.nrQueued[d]--
	}
	t.trimSlice(g, d, now)
	if put >= 0 {
		t.put(put)
	}
}

// dispatchGroup dispatches up to GroupQuantum jobs of g that are within its
// limits, three quarters of them reads.
func (t *Tree) dispatchGroup(g *Group, now time.Time) int {
	maxReads := GroupQuantum * 3 / 4
	quota := [numDirs]int{Read: maxReads, Write: GroupQuantum - maxReads}
	nr := 0
	for _, d := range directions {
		for n := 0; n < quota[d]; n++ {
			job := peekQueued(&g.sq.queued[d])
			if job == nil || t.waitTime(g, d, job, now) > 0 {
				break
			}
			t.dispatchOne(g, d, now)
			nr++
		}
	}
	return nr
}
