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
	"time"

	"github.com/google/btree"
)

// btreeDegree is the degree of the B-trees ordering pending groups and armed
// timers.
const btreeDegree = 8

// pendingItem is the key of a group in its parent's pending set. Groups due
// at the same time are served in the order they became pending.
type pendingItem struct {
	disptime time.Time
	seq      uint64
	group    int32
}

func lessPending(a, b pendingItem) bool {
	if !a.disptime.Equal(b.disptime) {
		return a.disptime.Before(b.disptime)
	}
	return a.seq < b.seq
}

// serviceQueue holds the jobs queued at one level of the hierarchy together
// with the children that have jobs waiting to move into it. Every group owns
// one; the Tree owns the root one, whose jobs are released.
type serviceQueue struct {
	id     uint64
	owner  int32 // -1 for the root
	parent *serviceQueue

	queued   [numDirs]fifo[*qnode]
	nrQueued [numDirs]int

	pending *btree.BTreeG[pendingItem]

	// timerAt is the armed wake-up time, zero when disarmed. An armed queue
	// is in the Tree's timer index.
	timerAt time.Time
}

func newServiceQueue(id uint64, owner int32, parent *serviceQueue) serviceQueue {
	return serviceQueue{
		id:      id,
		owner:   owner,
		parent:  parent,
		pending: btree.NewG[pendingItem](btreeDegree, lessPending),
	}
}

// firstPending returns the pending child with the earliest disptime.
func (sq *serviceQueue) firstPending() (pendingItem, bool) {
	return sq.pending.Min()
}

func (sq *serviceQueue) queuedTotal() int {
	return sq.nrQueued[Read] + sq.nrQueued[Write]
}

func lessTimer(a, b *serviceQueue) bool {
	if !a.timerAt.Equal(b.timerAt) {
		return a.timerAt.Before(b.timerAt)
	}
	return a.id < b.id
}

// enqueueGroup marks g pending in its parent queue keyed by its current
// disptime.
func (t *Tree) enqueueGroup(g *Group) {
	if g.pending {
		return
	}
	t.seq++
	g.pendingKey = pendingItem{disptime: g.disptime, seq: t.seq, group: g.idx}
	g.parentSQ().pending.ReplaceOrInsert(g.pendingKey)
	g.pending = true
}

// dequeueGroup removes g from its parent's pending set.
func (t *Tree) dequeueGroup(g *Group) {
	if !g.pending {
		return
	}
	sq := g.parentSQ()
	sq.pending.Delete(g.pendingKey)
	g.pending = false
	if sq.pending.Len() == 0 {
		t.disarm(sq)
	}
	t.maybeReclaim(g)
}

// pushPending moves g to disptime in its parent's pending set.
func (t *Tree) pushPending(g *Group, disptime time.Time) {
	if g.pending {
		g.parentSQ().pending.Delete(g.pendingKey)
		g.pending = false
	}
	g.disptime = disptime
	t.enqueueGroup(g)
}

// arm programs the wake-up of sq at at. A queue armed for an earlier or equal
// time is left alone. The engine is signalled when the earliest wake-up of
// the Tree moves earlier.
func (t *Tree) arm(sq *serviceQueue, at time.Time) {
	if !sq.timerAt.IsZero() {
		if !at.Before(sq.timerAt) {
			return
		}
		t.timers.Delete(sq)
	}
	first, ok := t.timers.Min()
	sq.timerAt = at
	t.timers.ReplaceOrInsert(sq)
	if !ok || at.Before(first.timerAt) {
		t.signal()
	}
}

func (t *Tree) disarm(sq *serviceQueue) {
	if sq.timerAt.IsZero() {
		return
	}
	t.timers.Delete(sq)
	sq.timerAt = time.Time{}
}

// scheduleNextDispatch arms sq for its first pending child. It returns false
// when the first child is already due and force is not set, meaning the
// caller should keep dispatching.
func (t *Tree) scheduleNextDispatch(sq *serviceQueue, force bool, now time.Time) bool {
	first, ok := sq.firstPending()
	if !ok {
		t.disarm(sq)
		return true
	}
	if force || first.disptime.After(now) {
		t.arm(sq, first.disptime)
		return true
	}
	return false
}

// selectDispatch dispatches from the due children of sq, earliest first,
// until Quantum jobs have moved or no child is due. Each child contributes
// at most GroupQuantum jobs per turn and is requeued if it has more.
func (t *Tree) selectDispatch(sq *serviceQueue, now time.Time) int {
	nr := 0
	for {
		first, ok := sq.firstPending()
		if !ok || first.disptime.After(now) {
			break
		}
		g := t.groups[first.group]
		nr += t.dispatchGroup(g, now)
		if g.sq.queuedTotal() > 0 {
			t.updateDisptime(g, now)
		} else {
			t.dequeueGroup(g)
		}
		if nr >= Quantum {
			break
		}
	}
	return nr
}
