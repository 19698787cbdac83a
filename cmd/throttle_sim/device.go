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
	"time"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/clock"
	"golang.org/x/sync/errgroup"
)

// completionReporter receives the latency of completed jobs.
// *throttle.Tree is a completionReporter.
type completionReporter interface {
	ReportCompletion(job *throttle.Job, latency time.Duration)
}

type request struct {
	job *throttle.Job
	at  time.Time
}

// device simulates a block device: released jobs wait for one of depth
// workers, each taking a fixed overhead plus the transfer time at bandwidth.
// Completion latencies are fed back to the reporter.
type device struct {
	ts        clock.TimeSource
	bandwidth uint64
	overhead  time.Duration
	depth     int
	reqs      chan request
	stopped   chan struct{}
	reporter  completionReporter
}

func newDevice(ts clock.TimeSource, bandwidth uint64, overhead time.Duration, depth int) *device {
	return &device{
		ts:        ts,
		bandwidth: bandwidth,
		overhead:  overhead,
		depth:     max(depth, 1),
		reqs:      make(chan request, 4096),
		stopped:   make(chan struct{}),
	}
}

// Release queues job on the device. It blocks while the device queue is
// full; once the device has stopped, jobs are discarded.
func (d *device) Release(job *throttle.Job) {
	select {
	case d.reqs <- request{job: job, at: d.ts.Now()}:
	case <-d.stopped:
	}
}

func (d *device) serviceTime(size int64) time.Duration {
	st := d.overhead
	if d.bandwidth > 0 && size > 0 {
		st += time.Duration(float64(size) / float64(d.bandwidth) * float64(time.Second))
	}
	return st
}

// Run serves queued jobs until ctx is done. It must be called once.
func (d *device) Run(ctx context.Context) error {
	defer close(d.stopped)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.depth; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case req := <-d.reqs:
					if err := clock.SleepSource(ctx, d.serviceTime(req.job.Size), d.ts); err != nil {
						return err
					}
					if d.reporter != nil {
						d.reporter.ReportCompletion(req.job, clock.Since(d.ts, req.at))
					}
				}
			}
		})
	}
	return g.Wait()
}
