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

package clock

import "time"

// Timer delivers a single wake-up on Chan once its deadline passes. The
// dispatch engine keeps at most one armed Timer, set to the earliest pending
// dispatch time, and stops it when an earlier deadline comes in.
type Timer interface {
	Chan() <-chan time.Time
	// Stop disarms the Timer. It reports false if the wake-up was already
	// delivered or the Timer was stopped before.
	Stop() bool
}

type systemTimer struct {
	*time.Timer
}

func newSystemTimer(d time.Duration) systemTimer {
	return systemTimer{time.NewTimer(d)}
}

func (t systemTimer) Chan() <-chan time.Time {
	return t.C
}

// fakeTimer is owned by the FakeTimeSource that created it, which fires it
// when the fake time reaches its deadline.
type fakeTimer struct {
	ts       *FakeTimeSource
	id       int
	deadline time.Time
	ch       chan time.Time
}

func (t *fakeTimer) Chan() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	return t.ts.unsubscribe(t.id)
}

func (t *fakeTimer) due(now time.Time) bool {
	return !t.deadline.After(now)
}

// fire delivers now if the deadline has passed and reports whether it did.
// The channel holds one value, so a timer fires at most once.
func (t *fakeTimer) fire(now time.Time) bool {
	if !t.due(now) {
		return false
	}
	select {
	case t.ch <- now:
		return true
	default:
		return false
	}
}
