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

package configstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/clock"
)

func TestPollWatch(t *testing.T) {
	a := []throttle.GroupConfig{{Name: "a"}}
	b := []throttle.GroupConfig{{Name: "a"}, {Name: "b", Parent: "a"}}
	results := []struct {
		cfgs []throttle.GroupConfig
		err  error
	}{
		{cfgs: a},
		{cfgs: a},
		{err: errors.New("unavailable")},
		{cfgs: b},
		{cfgs: b},
	}
	var loads atomic.Int32
	load := func(ctx context.Context) ([]throttle.GroupConfig, error) {
		i := int(loads.Add(1)) - 1
		if i >= len(results) {
			i = len(results) - 1
		}
		return results[i].cfgs, results[i].err
	}

	ts := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []throttle.GroupConfig, 10)
	errc := make(chan error, 1)
	go func() {
		errc <- PollWatch(ctx, ts, time.Second, load, func(cfgs []throttle.GroupConfig) { got <- cfgs })
	}()

	deadline := time.Now().Add(10 * time.Second)
	for loads.Load() < int32(len(results)) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for polls")
		}
		if pending := ts.Pending(); len(pending) > 0 {
			ts.Set(pending[0])
			continue
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("PollWatch()=%v; want %v", err, context.Canceled)
	}
	close(got)

	var calls [][]throttle.GroupConfig
	for cfgs := range got {
		calls = append(calls, cfgs)
	}
	if diff := cmp.Diff([][]throttle.GroupConfig{a, b}, calls); diff != "" {
		t.Errorf("fn calls diff (-want +got):\n%s", diff)
	}
}

func TestSortByName(t *testing.T) {
	cfgs := []throttle.GroupConfig{{Name: "c"}, {Name: "a"}, {Name: "b", Parent: "c"}}
	SortByName(cfgs)
	var got []string
	for _, cfg := range cfgs {
		got = append(got, cfg.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("SortByName() diff (-want +got):\n%s", diff)
	}
}
