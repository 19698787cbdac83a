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

// Package throttle implements hierarchical I/O rate shaping.
//
// Groups form a tree. Each group limits the bytes and operations per second
// it passes to its parent, separately for reads and writes. Jobs that exceed a
// group's budget are queued at that group and moved up one level at a time by
// a single dispatcher per Tree, which wakes at the earliest time any queued
// group becomes eligible again. At every level, jobs coming from the group
// itself and from each of its children are taken in round-robin order so that
// a burst from one source cannot starve its siblings.
//
// Limits come in two tiers. The LOW tier is a soft guarantee: while any group
// with a low limit is busy and not reaching it, everybody is held to their
// low limits. Once all such groups are either idle or saturating their low
// limit, the Tree upgrades to the MAX tier and limits grow gradually towards
// their configured maximum. Completion latencies reported by the caller are
// bucketed by job size; a sustained latency breach in a group that is not
// getting its low limit downgrades the Tree back to the LOW tier.
package throttle
