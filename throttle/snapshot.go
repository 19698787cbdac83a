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

package throttle

import (
	"sort"
	"time"
)

// DirStats describes one direction of a group.
type DirStats struct {
	// Bytes and IOs count everything the group dispatched to the level
	// above it since it was added.
	Bytes uint64
	IOs   uint64
	// Queued is the number of jobs waiting in the group's queue.
	Queued int
}

// GroupStats is a point-in-time view of one group.
type GroupStats struct {
	Name     string
	Parent   string
	Read     DirStats
	Write    DirStats
	Removing bool

	JobCount    uint64
	BadJobCount uint64
	AvgIdle     time.Duration
	Idle        bool
}

// Stats is a point-in-time view of a Tree.
type Stats struct {
	Tier        Tier
	Scale       uint64
	ReadQueued  int
	WriteQueued int
	Groups      []GroupStats
}

// Snapshot returns the current statistics of the Tree, groups sorted by
// name.
func (t *Tree) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.ts.Now()

	s := Stats{
		Tier:        t.Tier(),
		ReadQueued:  t.nrQueued[Read],
		WriteQueued: t.nrQueued[Write],
	}
	if s.Tier == TierMax {
		s.Scale = t.currentScale(now)
	}
	for _, g := range t.groups {
		if g == nil {
			continue
		}
		gs := GroupStats{
			Name:     g.name,
			Parent:   g.cfg.Parent,
			Removing: g.removing,
			Read:     DirStats{Bytes: g.totalBytes[Read], IOs: g.totalIOs[Read], Queued: g.sq.nrQueued[Read]},
			Write:    DirStats{Bytes: g.totalBytes[Write], IOs: g.totalIOs[Write], Queued: g.sq.nrQueued[Write]},
		}
		st := &g.stats
		st.mu.Lock()
		gs.JobCount = st.jobCount
		gs.BadJobCount = st.badJobCount
		gs.AvgIdle = st.avgIdle
		gs.Idle = st.idleByTime(now) || st.latencyGood()
		st.mu.Unlock()
		s.Groups = append(s.Groups, gs)
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].Name < s.Groups[j].Name })
	return s
}

// Group returns the statistics of one group.
func (t *Tree) Group(name string) (GroupStats, bool) {
	for _, gs := range t.Snapshot().Groups {
		if gs.Name == name {
			return gs, true
		}
	}
	return GroupStats{}, false
}
