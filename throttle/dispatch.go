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
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Submit admits a job of size bytes for group. A job within the limits of
// every level up to the root is released before Submit returns; otherwise
// it is queued and released later by Run. Jobs are never dropped.
//
// Jobs for a group being removed are charged to its nearest ancestor that is
// not being removed, or released at once if there is none.
func (t *Tree) Submit(ctx context.Context, dir Direction, size int64, group string, data interface{}) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir != Read && dir != Write {
		return nil, status.Errorf(codes.InvalidArgument, "invalid direction %v", dir)
	}
	if size < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative job size %d", size)
	}

	t.mu.Lock()
	g, ok := t.lookup(group)
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("Submit(%q): %w", group, ErrUnknownGroup)
	}
	now := t.ts.Now()
	job := &Job{
		ID:        t.nextJob.Add(1),
		Dir:       dir,
		Size:      size,
		Group:     group,
		Data:      data,
		submitted: now,
	}
	for g != nil && g.removing {
		if g.parent < 0 {
			g = nil
			break
		}
		g = t.groups[g.parent]
	}
	release := true
	if g != nil {
		job.grp = g
		release = t.submitLocked(g, job, now)
	}
	t.updateQueuedMetric()
	t.mu.Unlock()

	if release {
		t.release([]*Job{job}, now)
	}
	return job, nil
}

// submitLocked climbs from g towards the root while each level has nothing
// queued in the job's direction and the job fits its limits, charging every
// level passed. It returns true if the job cleared the top level; otherwise
// the job is queued at the level that stopped it.
func (t *Tree) submitLocked(g *Group, job *Job, now time.Time) bool {
	d := job.Dir
	if t.lowValid.Load() {
		t.lat.recompute(now)
	}
	t.updateIdleTime(g, now)

	qn := &g.qnodeOnSelf[d]
	for {
		if g.lastLowOverflow[d].IsZero() {
			g.lastLowOverflow[d] = now
		}
		t.downgradeCheck(g, now)
		t.upgradeCheck(g, now)

		if g.sq.nrQueued[d] > 0 {
			break
		}
		if t.waitTime(g, d, job, now) > 0 {
			g.lastLowOverflow[d] = now
			if t.canUpgrade(g, now) {
				t.upgrade(now)
				continue
			}
			break
		}
		t.charge(g, job)
		t.trimSlice(g, d, now)

		qn = &g.qnodeOnParent[d]
		if g.parent < 0 {
			return true
		}
		g = t.groups[g.parent]
	}

	t.nrQueued[d]++
	t.addQueued(g, qn, job)
	if g.wasEmpty {
		t.updateDisptime(g, now)
		t.scheduleNextDispatch(g.parentSQ(), true, now)
	}
	return false
}

// Run dispatches queued jobs until ctx is done. It must be called from
// exactly one goroutine per Tree.
func (t *Tree) Run(ctx context.Context) {
	for {
		next := t.dispatchPass()
		var timer <-chan time.Time
		var stop func() bool
		if !next.IsZero() {
			tm := t.ts.NewTimer(next.Sub(t.ts.Now()))
			timer, stop = tm.Chan(), tm.Stop
		}
		select {
		case <-ctx.Done():
		case <-timer:
		case <-t.kick:
		}
		if stop != nil {
			stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// dispatchPass runs every queue whose wake-up is due and releases the jobs
// that reached the root. It returns the next wake-up, or the zero time if no
// queue is armed.
func (t *Tree) dispatchPass() time.Time {
	t.mu.Lock()
	now := t.ts.Now()
	t.runDueLocked(now)
	var next time.Time
	if sq, ok := t.timers.Min(); ok {
		next = sq.timerAt
	}
	jobs := t.released
	t.released = nil
	t.updateQueuedMetric()
	t.mu.Unlock()

	t.release(jobs, now)
	return next
}

func (t *Tree) runDueLocked(now time.Time) {
	for {
		sq, ok := t.timers.Min()
		if !ok || sq.timerAt.After(now) {
			break
		}
		t.disarm(sq)
		t.expire(sq, now)
	}
	for _, d := range directions {
		for {
			job, put := popQueued(&t.root.queued[d])
			if job == nil {
				break
			}
			t.root.nrQueued[d]--
			t.released = append(t.released, job)
			if put >= 0 {
				t.put(put)
			}
		}
	}
}

// expire handles the wake-up of sq: it dispatches from the due children of
// sq while its dispatch window is open, then carries on one level up as long
// as the jobs that arrived fill an empty queue whose parent window is open
// too.
func (t *Tree) expire(sq *serviceQueue, now time.Time) {
	for {
		dispatched := false
		for {
			if t.selectDispatch(sq, now) > 0 {
				dispatched = true
			}
			if t.scheduleNextDispatch(sq, false, now) {
				break
			}
		}
		if !dispatched || sq.owner < 0 {
			return
		}
		g := t.groups[sq.owner]
		if !g.wasEmpty {
			return
		}
		t.updateDisptime(g, now)
		parent := g.parentSQ()
		if t.scheduleNextDispatch(parent, false, now) {
			return
		}
		sq = parent
	}
}

func (t *Tree) release(jobs []*Job, now time.Time) {
	for _, job := range jobs {
		dir := job.Dir.String()
		metrics.released.Inc(dir)
		metrics.releaseDelay.Observe(now.Sub(job.submitted).Seconds(), dir)
		t.releaser.Release(job)
	}
}

func (t *Tree) updateQueuedMetric() {
	for _, d := range directions {
		metrics.queued.Set(float64(t.nrQueued[d]), d.String())
	}
}
