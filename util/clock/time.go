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

import (
	"context"
	"time"
)

// SleepSource sleeps for the specified duration d as measured by the time
// source s, or until ctx is done. Returns ctx.Err() if the context finished
// first.
func SleepSource(ctx context.Context, d time.Duration, s TimeSource) error {
	timer := s.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll calls fn every interval, as measured by s, until ctx is done or fn
// returns an error. fn runs once immediately.
func Poll(ctx context.Context, interval time.Duration, s TimeSource, fn func(context.Context) error) error {
	for {
		if err := fn(ctx); err != nil {
			return err
		}
		if err := SleepSource(ctx, interval, s); err != nil {
			return err
		}
	}
}
