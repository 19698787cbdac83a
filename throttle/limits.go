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
	"math"
	"regexp"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// unlimited is the effective value of a limit that is not set.
const unlimited = math.MaxUint64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// Rate is a pair of limits. Zero means the dimension is not limited.
type Rate struct {
	BPS  uint64 `yaml:"bps,omitempty" json:"bps,omitempty"`
	IOPS uint64 `yaml:"iops,omitempty" json:"iops,omitempty"`
}

// IsZero reports whether neither dimension is limited.
func (r Rate) IsZero() bool {
	return r.BPS == 0 && r.IOPS == 0
}

// DirConfig holds the limits of both tiers for one direction.
type DirConfig struct {
	Low Rate `yaml:"low,omitempty" json:"low,omitempty"`
	Max Rate `yaml:"max,omitempty" json:"max,omitempty"`
}

// GroupConfig is the configuration of one group, as supplied by a config
// store.
type GroupConfig struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`

	Read  DirConfig `json:"read,omitempty"`
	Write DirConfig `json:"write,omitempty"`

	// LatencyTarget is how much slower than the baseline for its size a
	// completion may be before it counts as bad. Zero disables latency
	// tracking for the group.
	LatencyTarget time.Duration `json:"latency_target,omitempty"`
	// IdleThreshold is the average gap between completions above which the
	// group is considered idle. Zero means always idle.
	IdleThreshold time.Duration `json:"idle_threshold,omitempty"`
}

func (c *GroupConfig) dir(d Direction) DirConfig {
	if d == Read {
		return c.Read
	}
	return c.Write
}

// HasLow reports whether any low limit is configured.
func (c *GroupConfig) HasLow() bool {
	return !c.Read.Low.IsZero() || !c.Write.Low.IsZero()
}

// Validate checks a single group config.
func (c *GroupConfig) Validate() error {
	switch {
	case c.Name == "":
		return status.Error(codes.InvalidArgument, "group name is required")
	case !namePattern.MatchString(c.Name):
		return status.Errorf(codes.InvalidArgument, "group name malformed (Name = %q)", c.Name)
	case c.Parent != "" && !namePattern.MatchString(c.Parent):
		return status.Errorf(codes.InvalidArgument, "parent name malformed (%v.Parent = %q)", c.Name, c.Parent)
	case c.Parent == c.Name:
		return status.Errorf(codes.InvalidArgument, "group cannot be its own parent (%v)", c.Name)
	case c.LatencyTarget < 0:
		return status.Errorf(codes.InvalidArgument, "latency target must be >= 0 (%v.LatencyTarget = %v)", c.Name, c.LatencyTarget)
	case c.IdleThreshold < 0:
		return status.Errorf(codes.InvalidArgument, "idle threshold must be >= 0 (%v.IdleThreshold = %v)", c.Name, c.IdleThreshold)
	}
	return nil
}

// ValidateConfigs checks a complete set of group configs: every config is
// valid, names are unique, parents exist within the set and there are no
// cycles.
func ValidateConfigs(cfgs []GroupConfig) error {
	parents := make(map[string]string, len(cfgs))
	for i := range cfgs {
		cfg := &cfgs[i]
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, ok := parents[cfg.Name]; ok {
			return status.Errorf(codes.InvalidArgument, "duplicate group name (Configs[%v].Name = %q)", i, cfg.Name)
		}
		parents[cfg.Name] = cfg.Parent
	}
	for name, parent := range parents {
		if parent == "" {
			continue
		}
		if _, ok := parents[parent]; !ok {
			return status.Errorf(codes.InvalidArgument, "group %q has unknown parent %q", name, parent)
		}
		seen := map[string]bool{name: true}
		for p := parent; p != ""; p = parents[p] {
			if seen[p] {
				return status.Errorf(codes.InvalidArgument, "group %q is part of a parent cycle", name)
			}
			seen[p] = true
		}
	}
	return nil
}

// SortConfigs orders cfgs so that every parent precedes its children. Ties
// keep their input order. cfgs must be valid.
func SortConfigs(cfgs []GroupConfig) []GroupConfig {
	ret := make([]GroupConfig, 0, len(cfgs))
	placed := make(map[string]bool, len(cfgs))
	for len(ret) < len(cfgs) {
		progress := false
		for _, cfg := range cfgs {
			if placed[cfg.Name] || (cfg.Parent != "" && !placed[cfg.Parent]) {
				continue
			}
			ret = append(ret, cfg)
			placed[cfg.Name] = true
			progress = true
		}
		if !progress {
			break
		}
	}
	return ret
}

// clampLimit turns a configured value into an effective one: zero means
// unlimited, anything else is raised to floor.
func clampLimit(v, floor uint64) uint64 {
	switch {
	case v == 0:
		return unlimited
	case v < floor:
		return floor
	}
	return v
}

// limits holds effective limits, indexed by direction and tier. Low limits of
// zero mean the group has no low limit in that dimension.
type limits struct {
	bps  [numDirs][numTiers]uint64
	iops [numDirs][numTiers]uint64
}

// effectiveLimits derives the limits used for dispatch from a config. Low
// limits never exceed max limits.
func effectiveLimits(cfg *GroupConfig) limits {
	var l limits
	for _, d := range directions {
		dc := cfg.dir(d)
		l.bps[d][TierMax] = clampLimit(dc.Max.BPS, MinBPS)
		l.iops[d][TierMax] = clampLimit(dc.Max.IOPS, MinIOPS)
		if dc.Low.BPS != 0 {
			l.bps[d][TierLow] = min(clampLimit(dc.Low.BPS, MinBPS), l.bps[d][TierMax])
		}
		if dc.Low.IOPS != 0 {
			l.iops[d][TierLow] = min(clampLimit(dc.Low.IOPS, MinIOPS), l.iops[d][TierMax])
		}
	}
	return l
}

func (l *limits) hasLow(d Direction) bool {
	return l.bps[d][TierLow] != 0 || l.iops[d][TierLow] != 0
}

func (l *limits) anyLow() bool {
	return l.hasLow(Read) || l.hasLow(Write)
}
