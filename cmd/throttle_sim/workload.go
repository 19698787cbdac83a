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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/clock"
	"k8s.io/klog/v2"
)

// submitter admits jobs. *throttle.Tree is a submitter.
type submitter interface {
	Submit(ctx context.Context, dir throttle.Direction, size int64, group string, data interface{}) (*throttle.Job, error)
}

// stream issues fixed-size jobs for one group at a steady rate.
type stream struct {
	Group string
	Dir   throttle.Direction
	Size  int64
	Rate  float64 // jobs per second
}

func (s stream) String() string {
	return fmt.Sprintf("%s:%v:%d:%g", s.Group, s.Dir, s.Size, s.Rate)
}

// parseWorkload parses a comma-separated list of group:dir:size:rate
// streams, e.g. "alice:read:4096:2000,bob:write:65536:50".
func parseWorkload(spec string) ([]stream, error) {
	var ret []stream
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("stream %q: want group:dir:size:rate", part)
		}
		s := stream{Group: fields[0]}
		switch fields[1] {
		case "read", "r":
			s.Dir = throttle.Read
		case "write", "w":
			s.Dir = throttle.Write
		default:
			return nil, fmt.Errorf("stream %q: unknown direction %q", part, fields[1])
		}
		var err error
		if s.Size, err = strconv.ParseInt(fields[2], 10, 64); err != nil || s.Size < 0 {
			return nil, fmt.Errorf("stream %q: bad size %q", part, fields[2])
		}
		if s.Rate, err = strconv.ParseFloat(fields[3], 64); err != nil || s.Rate <= 0 {
			return nil, fmt.Errorf("stream %q: bad rate %q", part, fields[3])
		}
		ret = append(ret, s)
	}
	return ret, nil
}

func (s stream) interval() time.Duration {
	return max(time.Duration(float64(time.Second)/s.Rate), time.Microsecond)
}

// run submits jobs until ctx is done. Jobs for groups that do not exist
// (yet) are dropped.
func (s stream) run(ctx context.Context, sub submitter, ts clock.TimeSource) error {
	klog.Infof("Starting stream %v", s)
	return clock.Poll(ctx, s.interval(), ts, func(ctx context.Context) error {
		if _, err := sub.Submit(ctx, s.Dir, s.Size, s.Group, nil); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			klog.V(1).Infof("stream %v: %v", s, err)
		}
		return nil
	})
}
