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
	"slices"
	"sort"
	"time"

	"github.com/google/iothrottle/throttle"
	"github.com/google/iothrottle/util/clock"
	"k8s.io/klog/v2"
)

// LoadFunc reads a complete set of group configs.
type LoadFunc func(ctx context.Context) ([]throttle.GroupConfig, error)

// PollWatch implements Store.Watch for stores without change notification.
// It calls load every interval, as measured by ts, and passes the first set
// and every set that differs from the one before it to fn. Load errors are
// logged and skipped.
func PollWatch(ctx context.Context, ts clock.TimeSource, interval time.Duration, load LoadFunc, fn func([]throttle.GroupConfig)) error {
	var last []throttle.GroupConfig
	seen := false
	return clock.Poll(ctx, interval, ts, func(ctx context.Context) error {
		cfgs, err := load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			klog.Warningf("configstore: load failed, keeping previous configs: %v", err)
			return nil
		}
		if seen && slices.Equal(cfgs, last) {
			return nil
		}
		seen, last = true, cfgs
		fn(cfgs)
		return nil
	})
}

// SortByName orders cfgs by group name so that sets read from unordered
// storage compare equal when their contents do.
func SortByName(cfgs []throttle.GroupConfig) {
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
}
