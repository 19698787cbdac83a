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

package monitoring

// ExpBuckets returns the specified number of histogram buckets with
// exponentially increasing thresholds. The thresholds vary between base and
// base * mult^(buckets-1).
func ExpBuckets(base, mult float64, buckets uint) []float64 {
	r := make([]float64, buckets)
	for i, exp := uint(0), base; i < buckets; i, exp = i+1, exp*mult {
		r[i] = exp
	}
	return r
}

// DelayBuckets returns histogram upper limits, in seconds, suited to
// throttling delays: from 100us doubling up to ~53 minutes.
func DelayBuckets() []float64 {
	return ExpBuckets(0.0001, 2, 25)
}

// SizeBuckets returns histogram upper limits, in bytes, for I/O job sizes:
// 512B doubling up to 64MiB.
func SizeBuckets() []float64 {
	return ExpBuckets(512, 2, 18)
}
