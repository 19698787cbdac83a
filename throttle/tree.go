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
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/google/iothrottle/util/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Options configures a Tree.
type Options struct {
	// Device selects the slice length and latency model.
	Device DeviceClass
	// Slice overrides the slice length of the device class. It is capped at
	// MaxSlice.
	Slice time.Duration
	// TimeSource defaults to clock.System.
	TimeSource clock.TimeSource
	// Releaser receives every job that clears the hierarchy. Required.
	Releaser Releaser
}

// Tree is the root of a throttling hierarchy. It holds the root queue, the
// groups and the tier state shared by all of them. One goroutine must call
// Run to dispatch queued jobs.
type Tree struct {
	ts       clock.TimeSource
	releaser Releaser
	device   DeviceClass
	slice    time.Duration
	kick     chan struct{}
	nextJob  atomic.Uint64

	// Read without mu by the completion path.
	tier     atomic.Int32
	lowValid atomic.Bool
	lat      latencyController

	mu       sync.Mutex
	root     serviceQueue
	nrQueued [numDirs]int
	groups   []*Group
	free     []int32
	byName   map[string]int32
	timers   *btree.BTreeG[*serviceQueue]
	seq      uint64
	sqSeq    uint64
	released []*Job

	upgradeTime   time.Time
	downgradeTime time.Time
	scale         uint64
}

// New creates an empty Tree.
func New(opts Options) (*Tree, error) {
	if opts.Releaser == nil {
		return nil, errors.New("iothrottle: Options.Releaser is required")
	}
	if opts.Slice < 0 {
		return nil, fmt.Errorf("iothrottle: negative slice %v", opts.Slice)
	}
	t := &Tree{
		ts:       opts.TimeSource,
		releaser: opts.Releaser,
		device:   opts.Device,
		slice:    opts.Slice,
		kick:     make(chan struct{}, 1),
		byName:   make(map[string]int32),
		timers:   btree.NewG[*serviceQueue](btreeDegree, lessTimer),
	}
	if t.ts == nil {
		t.ts = clock.System
	}
	if t.slice == 0 {
		t.slice = opts.Device.defaultSlice()
	}
	t.slice = min(t.slice, MaxSlice)
	t.root = newServiceQueue(t.nextSQID(), -1, nil)
	t.tier.Store(int32(TierMax))
	t.lat.init(opts.Device)
	return t, nil
}

// Slice returns the slice length used by the Tree.
func (t *Tree) Slice() time.Duration {
	return t.slice
}

// Tier returns the tier currently in force.
func (t *Tree) Tier() Tier {
	return Tier(t.tier.Load())
}

func (t *Tree) nextSQID() uint64 {
	t.sqSeq++
	return t.sqSeq
}

// signal wakes the engine. Signals coalesce.
func (t *Tree) signal() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// lookup returns the group called name, including groups being removed.
func (t *Tree) lookup(name string) (*Group, bool) {
	idx, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return t.groups[idx], true
}

func (t *Tree) ref(idx int32) {
	t.groups[idx].refs++
}

// put drops a reference taken by a linked qnode.
func (t *Tree) put(idx int32) {
	g := t.groups[idx]
	g.refs--
	if g.refs < 0 {
		panic(fmt.Sprintf("iothrottle: group %q released more references than it held", g.name))
	}
	t.maybeReclaim(g)
}

// maybeReclaim frees a group being removed once nothing references it and
// it has left its parent's pending set.
func (t *Tree) maybeReclaim(g *Group) {
	if !g.removing || g.refs > 0 || len(g.children) > 0 || g.pending {
		return
	}
	t.reclaim(g)
}

// reclaim frees g. Reclaiming a group still pinned by queued jobs is a bug.
func (t *Tree) reclaim(g *Group) {
	if g.refs != 0 || g.pending || g.sq.queuedTotal() != 0 {
		panic(fmt.Sprintf("iothrottle: reclaiming group %q with %d references", g.name, g.refs))
	}
	t.disarm(&g.sq)
	g.stats.mu.Lock()
	g.stats.reclaimed = true
	g.stats.mu.Unlock()

	delete(t.byName, g.name)
	t.groups[g.idx] = nil
	t.free = append(t.free, g.idx)
	metrics.groups.Dec()
	klog.V(1).Infof("iothrottle: reclaimed group %q", g.name)

	if g.parent >= 0 {
		parent := t.groups[g.parent]
		if i := slices.Index(parent.children, g.idx); i >= 0 {
			parent.children = slices.Delete(parent.children, i, i+1)
		}
		t.maybeReclaim(parent)
	}
}

func (t *Tree) alloc(g *Group) int32 {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.groups[idx] = g
		return idx
	}
	t.groups = append(t.groups, g)
	return int32(len(t.groups) - 1)
}

// postOrder calls fn for every group, children before their parents. The
// order is fixed before the first call, so fn may reclaim groups.
func (t *Tree) postOrder(fn func(g *Group)) {
	order := make([]*Group, 0, len(t.groups))
	var walk func(g *Group)
	walk = func(g *Group) {
		for _, c := range g.children {
			walk(t.groups[c])
		}
		order = append(order, g)
	}
	for _, g := range t.groups {
		if g != nil && g.parent < 0 {
			walk(g)
		}
	}
	for _, g := range order {
		fn(g)
	}
}

// subtree calls fn for g and then for each of its descendants, parents
// before children.
func (t *Tree) subtree(g *Group, fn func(g *Group)) {
	fn(g)
	for _, c := range g.children {
		t.subtree(t.groups[c], fn)
	}
}

// AddGroup adds a group below cfg.Parent, or at the top level if Parent is
// empty.
func (t *Tree) AddGroup(cfg GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.lookup(cfg.Name); ok {
		return fmt.Errorf("AddGroup(%q): %w", cfg.Name, ErrGroupExists)
	}
	parentIdx := int32(-1)
	parentSQ := &t.root
	if cfg.Parent != "" {
		parent, ok := t.lookup(cfg.Parent)
		if !ok || parent.removing {
			return fmt.Errorf("AddGroup(%q): %w %q", cfg.Name, ErrUnknownParent, cfg.Parent)
		}
		parentIdx = parent.idx
		parentSQ = &parent.sq
		parent.children = append(parent.children, g.idx)
	}

	g := &Group{name: cfg.Name, parent: parentIdx}
	g.idx = t.alloc(g)
	g.sq = newServiceQueue(t.nextSQID(), g.idx, parentSQ)
	for _, d := range directions {
		g.qnodeOnSelf[d].owner = g.idx
		g.qnodeOnParent[d].owner = g.idx
	}
	t.byName[cfg.Name] = g.idx
	metrics.groups.Inc()
	klog.V(1).Infof("iothrottle: added group %q (parent %q)", cfg.Name, cfg.Parent)

	t.applyConfig(g, cfg, t.ts.Now())
	return nil
}

// SetConfig replaces the configuration of an existing group. Setting the
// configuration a group already has changes nothing. Groups cannot move to
// another parent.
func (t *Tree) SetConfig(cfg GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.lookup(cfg.Name)
	if !ok || g.removing {
		return fmt.Errorf("SetConfig(%q): %w", cfg.Name, ErrUnknownGroup)
	}
	if cfg.Parent != g.cfg.Parent {
		return status.Errorf(codes.InvalidArgument, "group %q cannot move from parent %q to %q", cfg.Name, g.cfg.Parent, cfg.Parent)
	}
	if cfg == g.cfg {
		return nil
	}
	t.applyConfig(g, cfg, t.ts.Now())
	return nil
}

// applyConfig installs cfg on g and recomputes everything derived from it:
// effective limits and latency settings of g and its descendants, tier
// validity and the slices and disptime of g.
func (t *Tree) applyConfig(g *Group, cfg GroupConfig, now time.Time) {
	oldLow := [2][numDirs]uint64{
		{g.lim.bps[Read][TierLow], g.lim.bps[Write][TierLow]},
		{g.lim.iops[Read][TierLow], g.lim.iops[Write][TierLow]},
	}
	g.cfg = cfg
	g.lim = effectiveLimits(&cfg)
	newLow := [2][numDirs]uint64{
		{g.lim.bps[Read][TierLow], g.lim.bps[Write][TierLow]},
		{g.lim.iops[Read][TierLow], g.lim.iops[Write][TierLow]},
	}
	t.subtree(g, t.updateLatencySettings)

	t.updateLowValid()
	switch {
	case !t.lowValid.Load():
		t.setTier(TierMax)
	case oldLow != newLow && g.lim.anyLow():
		t.setTier(TierLow)
	}

	for _, d := range directions {
		t.startNewSlice(g, d, now)
	}
	if g.pending {
		t.updateDisptime(g, now)
		t.scheduleNextDispatch(g.parentSQ(), true, now)
	}
}

// updateLatencySettings derives the effective latency target and idle
// threshold of g. Groups without low limits have neither. Nested groups never
// get a shorter latency target or a longer idle threshold than their parent.
func (t *Tree) updateLatencySettings(g *Group) {
	target, threshold := g.cfg.LatencyTarget, g.cfg.IdleThreshold
	if !g.lim.anyLow() {
		target, threshold = 0, 0
	}
	if g.parent >= 0 {
		parent := &t.groups[g.parent].stats
		parent.mu.Lock()
		target = max(target, parent.latencyTarget)
		if parent.idleThreshold > 0 {
			threshold = min(threshold, parent.idleThreshold)
		}
		parent.mu.Unlock()
	}
	g.stats.mu.Lock()
	g.stats.latencyTarget = target
	g.stats.idleThreshold = threshold
	g.stats.mu.Unlock()
}

func (t *Tree) updateLowValid() {
	valid := false
	for _, g := range t.groups {
		if g != nil && !g.removing && g.lim.anyLow() {
			valid = true
			break
		}
	}
	t.lowValid.Store(valid)
}

func (t *Tree) setTier(tier Tier) {
	if Tier(t.tier.Swap(int32(tier))) == tier {
		return
	}
	klog.V(1).Infof("iothrottle: tier set to %v", tier)
	metrics.tierChanges.Inc(tier.String())
	metrics.tier.Set(float64(tier))
}

// RemoveGroup removes a group. Its queued jobs keep draining and it is freed
// once the last of them has left; until then new submissions for it go to
// its nearest ancestor that is not being removed. A group with children that
// are not being removed cannot be removed.
func (t *Tree) RemoveGroup(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.lookup(name)
	if !ok || g.removing {
		return fmt.Errorf("RemoveGroup(%q): %w", name, ErrUnknownGroup)
	}
	for _, c := range g.children {
		if !t.groups[c].removing {
			return fmt.Errorf("RemoveGroup(%q): %w", name, ErrHasChildren)
		}
	}
	g.removing = true
	klog.V(1).Infof("iothrottle: removing group %q", name)
	t.updateLowValid()
	if !t.lowValid.Load() {
		t.setTier(TierMax)
	}
	t.maybeReclaim(g)
	return nil
}

// Apply reconciles the Tree with a complete set of group configs: missing
// groups are added, existing ones updated and groups not in cfgs removed.
// An invalid set is rejected as a whole and leaves the Tree unchanged.
func (t *Tree) Apply(cfgs []GroupConfig) error {
	if err := ValidateConfigs(cfgs); err != nil {
		return err
	}
	want := make(map[string]bool, len(cfgs))
	var errs []error
	for _, cfg := range SortConfigs(cfgs) {
		want[cfg.Name] = true
		t.mu.Lock()
		g, exists := t.lookup(cfg.Name)
		removing := exists && g.removing
		t.mu.Unlock()

		var err error
		switch {
		case removing:
			err = fmt.Errorf("group %q is still draining", cfg.Name)
		case exists:
			err = t.SetConfig(cfg)
		default:
			err = t.AddGroup(cfg)
		}
		if err != nil {
			klog.Warningf("iothrottle: apply %q: %v", cfg.Name, err)
			errs = append(errs, err)
		}
	}

	for _, name := range t.staleGroups(want) {
		if err := t.RemoveGroup(name); err != nil {
			klog.Warningf("iothrottle: remove %q: %v", name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// staleGroups returns the live groups not in want, deepest first.
func (t *Tree) staleGroups(want map[string]bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ret []string
	t.postOrder(func(g *Group) {
		if !g.removing && !want[g.name] {
			ret = append(ret, g.name)
		}
	})
	return ret
}
