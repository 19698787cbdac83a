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

// Package clock contains time abstractions used by the throttling engine so
// that slice accounting and dispatch deadlines can be driven by a fake clock
// in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// System is a TimeSource that uses the system's clock.
var System TimeSource = systemTimeSource{}

// TimeSource can provide the current time and timers that fire relative to it.
type TimeSource interface {
	// Now returns the current time as seen by this TimeSource.
	Now() time.Time
	// NewTimer creates a timer that fires after the specified duration. A
	// non-positive duration fires immediately.
	NewTimer(d time.Duration) Timer
}

// Since returns the time elapsed since t according to ts.
func Since(ts TimeSource, t time.Time) time.Duration {
	return ts.Now().Sub(t)
}

type systemTimeSource struct{}

func (s systemTimeSource) Now() time.Time {
	return time.Now()
}

func (s systemTimeSource) NewTimer(d time.Duration) Timer {
	return newSystemTimer(d)
}

// FakeTimeSource is a TimeSource whose time only moves when Set or Advance is
// called. Timers created from it fire once the fake time reaches their
// deadline.
type FakeTimeSource struct {
	mu     sync.RWMutex
	now    time.Time
	timers map[int]*fakeTimer
	nextID int
}

// NewFake creates a FakeTimeSource set to the given time.
func NewFake(t time.Time) *FakeTimeSource {
	return &FakeTimeSource{now: t, timers: make(map[int]*fakeTimer)}
}

// Now returns the current fake time.
func (f *FakeTimeSource) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// NewTimer creates a timer that fires when the fake time reaches Now()+d.
func (f *FakeTimeSource) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	timer := &fakeTimer{ts: f, id: id, deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if !timer.fire(f.now) {
		f.timers[id] = timer
	}
	return timer
}

// Pending returns the deadlines of the timers that have not fired yet, in
// increasing order.
func (f *FakeTimeSource) Pending() []time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ret := make([]time.Time, 0, len(f.timers))
	for _, t := range f.timers {
		ret = append(ret, t.deadline)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Before(ret[j]) })
	return ret
}

func (f *FakeTimeSource) unsubscribe(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[id]
	if ok {
		delete(f.timers, id)
	}
	return ok
}

// Set updates the fake time and fires the timers that are due.
func (f *FakeTimeSource) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	for id, timer := range f.timers {
		if timer.fire(t) {
			delete(f.timers, id)
		}
	}
}

// Advance moves the fake time forward by d.
func (f *FakeTimeSource) Advance(d time.Duration) {
	f.Set(f.Now().Add(d))
}
