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

package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/clock"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestParseWorkload(t *testing.T) {
	got, err := parseWorkload("alice:read:4096:2000, bob:w:65536:0.5,")
	if err != nil {
		t.Fatalf("parseWorkload()=%v", err)
	}
	want := []stream{
		{Group: "alice", Dir: throttle.Read, Size: 4096, Rate: 2000},
		{Group: "bob", Dir: throttle.Write, Size: 65536, Rate: 0.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseWorkload() diff (-want +got):\n%s", diff)
	}
	if got, want := want[0].interval(), 500*time.Microsecond; got != want {
		t.Errorf("interval()=%v; want %v", got, want)
	}
	if got, want := want[1].String(), "bob:write:65536:0.5"; got != want {
		t.Errorf("String()=%q; want %q", got, want)
	}

	for _, spec := range []string{
		"alice:read:4096",
		"alice:append:4096:10",
		"alice:read:-1:10",
		"alice:read:4096:0",
		"alice:read:4k:10",
	} {
		if _, err := parseWorkload(spec); err == nil {
			t.Errorf("parseWorkload(%q) succeeded; want error", spec)
		}
	}
}

type countingSubmitter struct {
	mu   sync.Mutex
	jobs int
}

func (c *countingSubmitter) Submit(ctx context.Context, dir throttle.Direction, size int64, group string, data interface{}) (*throttle.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs++
	return &throttle.Job{Dir: dir, Size: size, Group: group}, nil
}

func (c *countingSubmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs
}

func TestStreamRun(t *testing.T) {
	ts := clock.NewFake(t0)
	sub := &countingSubmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- stream{Group: "a", Size: 1, Rate: 10}.run(ctx, sub, ts)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for sub.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for submissions")
		}
		if pending := ts.Pending(); len(pending) > 0 {
			ts.Set(pending[0])
			continue
		}
		time.Sleep(time.Millisecond)
	}
	if got, want := ts.Now().Sub(t0), 400*time.Millisecond; got < want {
		t.Errorf("5 submissions after %v; want no sooner than %v", got, want)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("run()=%v; want %v", err, context.Canceled)
	}
}

type completion struct {
	job     *throttle.Job
	latency time.Duration
}

type recordingReporter chan completion

func (r recordingReporter) ReportCompletion(job *throttle.Job, latency time.Duration) {
	r <- completion{job, latency}
}

func TestDeviceServiceTime(t *testing.T) {
	d := newDevice(clock.System, 1<<20, time.Millisecond, 0)
	for _, test := range []struct {
		size int64
		want time.Duration
	}{
		{0, time.Millisecond},
		{1 << 20, time.Second + time.Millisecond},
		{256 << 10, 250*time.Millisecond + time.Millisecond},
	} {
		if got := d.serviceTime(test.size); got != test.want {
			t.Errorf("serviceTime(%d)=%v; want %v", test.size, got, test.want)
		}
	}
	if d.depth != 1 {
		t.Errorf("depth=%d; want 1", d.depth)
	}
}

func TestDeviceReportsLatency(t *testing.T) {
	ts := clock.NewFake(t0)
	d := newDevice(ts, 1<<20, time.Millisecond, 1)
	rep := make(recordingReporter, 2)
	d.reporter = rep

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	// Two jobs on a single worker: the second waits for the first.
	first, second := &throttle.Job{ID: 1, Size: 1 << 20}, &throttle.Job{ID: 2, Size: 1 << 20}
	d.Release(first)
	d.Release(second)

	var got []completion
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for completions")
		}
		select {
		case c := <-rep:
			got = append(got, c)
			continue
		default:
		}
		if pending := ts.Pending(); len(pending) > 0 {
			ts.Set(pending[0])
			continue
		}
		time.Sleep(time.Millisecond)
	}
	want := []completion{
		{first, time.Second + time.Millisecond},
		{second, 2 * (time.Second + time.Millisecond)},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(completion{}, throttle.Job{})); diff != "" {
		t.Errorf("completions diff (-want +got):\n%s", diff)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run()=%v; want %v", err, context.Canceled)
	}
	// A stopped device drops jobs instead of blocking.
	for i := 0; i < cap(d.reqs)+1; i++ {
		d.Release(&throttle.Job{})
	}
}

type fixedSnapshot throttle.Stats

func (f fixedSnapshot) Snapshot() throttle.Stats { return throttle.Stats(f) }

func TestStatusHandler(t *testing.T) {
	stats := fixedSnapshot{
		Tier:       throttle.TierLow,
		ReadQueued: 3,
		Groups: []throttle.GroupStats{
			{Name: "alice", Parent: "tenants", Read: throttle.DirStats{Bytes: 4096, IOs: 1, Queued: 3}, JobCount: 9, BadJobCount: 2},
			{Name: "tenants", Removing: true, Idle: true},
		},
	}
	rec := httptest.NewRecorder()
	statusHandler(stats).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d; want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, want := range []string{"tier: low", "queued: 3 read, 0 write", "alice", "tenants (removing)", "4096"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}
