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
	"errors"
	"fmt"
	"time"
)

const (
	// GroupQuantum is the maximum number of jobs dispatched from one group in
	// one round.
	GroupQuantum = 8

	// Quantum is the maximum number of jobs dispatched from all groups of a
	// level in one round.
	Quantum = 32

	// MaxSlice bounds the configurable slice duration.
	MaxSlice = time.Second

	// MaxIdleTime bounds the window after which a group without completions
	// is considered idle.
	MaxIdleTime = 5 * time.Second

	// MinBPS is the floor applied to configured bytes/sec limits.
	MinBPS = 320 * 1024

	// MinIOPS is the floor applied to configured ops/sec limits.
	MinIOPS = 10
)

// Direction is the data direction of a job.
type Direction int

const (
	// Read jobs move data from the device.
	Read Direction = iota
	// Write jobs move data to the device.
	Write
)

const numDirs = 2

var directions = [numDirs]Direction{Read, Write}

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Tier selects which set of limits is in force.
type Tier int32

const (
	// TierLow enforces every group's low limit (or its max limit when it has
	// no low limit).
	TierLow Tier = iota
	// TierMax enforces max limits, scaled up gradually from the low limits.
	TierMax
)

const numTiers = 2

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMax:
		return "max"
	}
	return fmt.Sprintf("Tier(%d)", int32(t))
}

// DeviceClass describes the device behind a Tree. It selects the slice
// duration and how latency samples are interpreted.
type DeviceClass int

const (
	// Rotational devices use 100ms slices, a fixed 4ms baseline latency and
	// ignore completions faster than 1ms, which come from sequential I/O.
	Rotational DeviceClass = iota
	// NonRotational devices use 20ms slices and learn their baseline latency
	// per job size.
	NonRotational
)

func (c DeviceClass) String() string {
	switch c {
	case Rotational:
		return "hdd"
	case NonRotational:
		return "ssd"
	}
	return fmt.Sprintf("DeviceClass(%d)", int(c))
}

// ParseDeviceClass parses "hdd" or "ssd".
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch s {
	case "hdd", "rotational":
		return Rotational, nil
	case "ssd", "nonrotational":
		return NonRotational, nil
	}
	return 0, fmt.Errorf("unknown device class %q", s)
}

func (c DeviceClass) defaultSlice() time.Duration {
	if c == NonRotational {
		return 20 * time.Millisecond
	}
	return 100 * time.Millisecond
}

var (
	// ErrUnknownGroup is returned for operations naming a group the Tree
	// does not know.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrGroupExists is returned when adding a group that already exists.
	ErrGroupExists = errors.New("group already exists")
	// ErrUnknownParent is returned when a group's parent does not exist.
	ErrUnknownParent = errors.New("unknown parent group")
	// ErrHasChildren is returned when removing a group that still has
	// children.
	ErrHasChildren = errors.New("group has children")
)

// Job is one unit of I/O being shaped. The engine only looks at its
// direction and size; Data is carried through untouched.
type Job struct {
	ID    uint64
	Dir   Direction
	Size  int64
	Group string
	Data  interface{}

	submitted time.Time
	// grp is the group the job was submitted to. Completion reports use it
	// without taking the Tree lock.
	grp *Group
}

// Releaser receives jobs that cleared every level of the Tree. Release is
// called without any Tree lock held and must not block for long.
type Releaser interface {
	Release(job *Job)
}

// ReleaserFunc adapts a function to the Releaser interface.
type ReleaserFunc func(job *Job)

// Release calls f(job).
func (f ReleaserFunc) Release(job *Job) {
	f(job)
}
