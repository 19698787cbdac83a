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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFifo(t *testing.T) {
	var f fifo[int]
	if _, ok := f.pop(); ok {
		t.Fatal("pop() on empty fifo succeeded")
	}
	for i := 0; i < 100; i++ {
		f.push(i)
	}
	var extra []int
	for i := 0; i < 100; i++ {
		if v, ok := f.peek(); !ok || v != i {
			t.Fatalf("peek()=%v, %v; want %v, true", v, ok, i)
		}
		if v, ok := f.pop(); !ok || v != i {
			t.Fatalf("pop()=%v, %v; want %v, true", v, ok, i)
		}
		if got, want := f.len(), 99-i+len(extra); got != want {
			t.Fatalf("len()=%d; want %d", got, want)
		}
		// Keep pushing while popping so the backing slice gets compacted.
		if i%3 == 0 {
			f.push(1000 + i)
			extra = append(extra, 1000+i)
		}
	}
	for _, want := range extra {
		if v, ok := f.pop(); !ok || v != want {
			t.Fatalf("pop()=%v, %v; want %v, true", v, ok, want)
		}
	}
	if got := f.len(); got != 0 {
		t.Errorf("len()=%d; want 0", got)
	}
}

func TestPopQueuedRoundRobin(t *testing.T) {
	tr, _, _ := newTestTree(t, Rotational, GroupConfig{Name: "a"}, GroupConfig{Name: "b"}, GroupConfig{Name: "c"})
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var list fifo[*qnode]
	feed := map[string]int{"a": 3, "b": 1, "c": 2}
	for _, name := range []string{"a", "b", "c"} {
		g, _ := tr.lookup(name)
		for i := 0; i < feed[name]; i++ {
			tr.addJob(&g.qnodeOnSelf[Read], &Job{Group: name}, &list)
		}
		if got, want := g.refs, 1; got != want {
			t.Errorf("%s.refs=%d; want %d", name, got, want)
		}
	}

	var got []string
	var puts []int32
	for job, put := popQueued(&list); job != nil; job, put = popQueued(&list) {
		got = append(got, job.Group)
		if put >= 0 {
			puts = append(puts, put)
			tr.put(put)
		}
	}
	want := []string{"a", "b", "c", "a", "c", "a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pop order diff (-want +got):\n%s", diff)
	}
	if got, want := len(puts), 3; got != want {
		t.Errorf("%d references dropped; want %d", got, want)
	}
	for _, g := range tr.groups {
		if g.refs != 0 || g.qnodeOnSelf[Read].linked {
			t.Errorf("%s: refs=%d linked=%v after draining; want 0, false", g.name, g.refs, g.qnodeOnSelf[Read].linked)
		}
	}
}

// TestRoundRobinBoundedStaleness feeds N sources continuously and checks
// that every window of N consecutive pops takes one job from each.
func TestRoundRobinBoundedStaleness(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	var cfgs []GroupConfig
	for _, n := range names {
		cfgs = append(cfgs, GroupConfig{Name: n})
	}
	tr, _, _ := newTestTree(t, Rotational, cfgs...)
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var list fifo[*qnode]
	push := func(name string) {
		g, _ := tr.lookup(name)
		tr.addJob(&g.qnodeOnSelf[Write], &Job{Group: name}, &list)
	}
	// Uneven initial backlogs.
	for i, n := range names {
		for j := 0; j <= i*5; j++ {
			push(n)
		}
	}
	var order []string
	for i := 0; i < 200; i++ {
		job, put := popQueued(&list)
		if put >= 0 {
			tr.put(put)
		}
		order = append(order, job.Group)
		push(job.Group)
	}
	for i := 0; i+len(names) <= len(order); i++ {
		seen := make(map[string]bool)
		for _, n := range order[i : i+len(names)] {
			seen[n] = true
		}
		if len(seen) != len(names) {
			t.Fatalf("window %d: %v does not contain every source", i, order[i:i+len(names)])
		}
	}
}

func TestArmCoalesces(t *testing.T) {
	tr, _, _ := newTestTree(t, Rotational)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	select {
	case <-tr.kick:
	default:
	}

	sq := &tr.root
	tr.arm(sq, t0.Add(10*time.Millisecond))
	if got, want := sq.timerAt, t0.Add(10*time.Millisecond); !got.Equal(want) {
		t.Fatalf("timerAt=%v; want %v", got, want)
	}
	select {
	case <-tr.kick:
	default:
		t.Error("arming the first timer did not signal the engine")
	}

	tr.arm(sq, t0.Add(20*time.Millisecond))
	if got, want := sq.timerAt, t0.Add(10*time.Millisecond); !got.Equal(want) {
		t.Errorf("later arm moved timerAt to %v; want %v", got, want)
	}
	tr.arm(sq, t0.Add(5*time.Millisecond))
	if got, want := sq.timerAt, t0.Add(5*time.Millisecond); !got.Equal(want) {
		t.Errorf("earlier arm left timerAt at %v; want %v", got, want)
	}
	if got, want := tr.timers.Len(), 1; got != want {
		t.Errorf("timers.Len()=%d; want %d", got, want)
	}
	tr.disarm(sq)
	if !sq.timerAt.IsZero() || tr.timers.Len() != 0 {
		t.Errorf("after disarm timerAt=%v timers=%d; want zero, 0", sq.timerAt, tr.timers.Len())
	}
}

func TestScheduleNextDispatch(t *testing.T) {
	tr, _, _ := newTestTree(t, Rotational, GroupConfig{Name: "a"}, GroupConfig{Name: "b"})
	tr.mu.Lock()
	defer tr.mu.Unlock()
	now := t0
	sq := &tr.root

	if !tr.scheduleNextDispatch(sq, false, now) {
		t.Error("scheduleNextDispatch() on an empty queue=false; want true")
	}
	a, _ := tr.lookup("a")
	b, _ := tr.lookup("b")
	tr.pushPending(a, now)
	tr.pushPending(b, now)
	if tr.scheduleNextDispatch(sq, false, now) {
		t.Error("scheduleNextDispatch() with a due group=true; want false")
	}
	if !tr.scheduleNextDispatch(sq, true, now) || !sq.timerAt.Equal(now) {
		t.Errorf("forced scheduleNextDispatch() armed at %v; want %v", sq.timerAt, now)
	}

	// Equal disptimes are served oldest first.
	first, _ := sq.firstPending()
	if first.group != a.idx {
		t.Errorf("first pending=%d; want %d (a)", first.group, a.idx)
	}
	tr.pushPending(a, now.Add(time.Second))
	first, _ = sq.firstPending()
	if first.group != b.idx {
		t.Errorf("first pending=%d; want %d (b)", first.group, b.idx)
	}

	tr.dequeueGroup(a)
	tr.dequeueGroup(b)
	if !sq.timerAt.IsZero() {
		t.Errorf("timer still armed at %v after the pending set emptied", sq.timerAt)
	}
}
