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
	"math/bits"
	"time"

	"k8s.io/klog/v2"
)

// maxScale caps the scale factor applied to low limits in the MAX tier.
const maxScale = 4096

// currentScale returns how many slices have passed since the last upgrade,
// up to maxScale. It is how far MAX-tier limits have grown from the low
// limits. A Tree that never upgraded has scale 0.
func (t *Tree) currentScale(now time.Time) uint64 {
	if t.upgradeTime.IsZero() {
		return 0
	}
	if t.scale < maxScale && !now.Before(t.upgradeTime.Add(time.Duration(t.scale)*t.slice)) {
		t.scale = min(uint64(now.Sub(t.upgradeTime)/t.slice), maxScale)
	}
	return t.scale
}

// adjustedLimit grows low by half of itself per slice of scale.
func adjustedLimit(low, scale uint64) uint64 {
	hi, step := bits.Mul64(low/2, scale)
	if hi != 0 {
		return unlimited
	}
	sum, carry := bits.Add64(low, step, 0)
	if carry != 0 {
		return unlimited
	}
	return sum
}

// limit returns the limit in force for one dimension of g. In the LOW tier a
// group without a low limit in this dimension is held at floor, unless it has
// children or a low limit in the other dimension. In the MAX tier a distinct
// low limit grows towards the max limit with the scale.
func (t *Tree) limit(g *Group, vals, other *[numTiers]uint64, floor uint64, now time.Time) uint64 {
	tier := Tier(t.tier.Load())
	v := vals[tier]
	if v == 0 && tier == TierLow {
		if len(g.children) > 0 || other[TierLow] != 0 {
			return unlimited
		}
		return floor
	}
	if tier == TierMax && vals[TierLow] != 0 && vals[TierLow] != vals[TierMax] {
		v = min(vals[TierMax], adjustedLimit(vals[TierLow], t.currentScale(now)))
	}
	return v
}

func (t *Tree) bpsLimit(g *Group, d Direction, now time.Time) uint64 {
	return t.limit(g, &g.lim.bps[d], &g.lim.iops[d], MinBPS, now)
}

func (t *Tree) iopsLimit(g *Group, d Direction, now time.Time) uint64 {
	return t.limit(g, &g.lim.iops[d], &g.lim.bps[d], MinIOPS, now)
}

// ownLastLowOverflow returns the earliest time one of the low-limited
// directions of g last ran at or above its low limit, or now if g has no low
// limit.
func ownLastLowOverflow(g *Group, now time.Time) time.Time {
	ret := now
	for _, d := range directions {
		if g.lim.hasLow(d) && g.lastLowOverflow[d].Before(ret) {
			ret = g.lastLowOverflow[d]
		}
	}
	return ret
}

// lastLowOverflow is ownLastLowOverflow, moved later by the overflows of the
// ancestors that have low limits themselves.
func (t *Tree) lastLowOverflow(g *Group, now time.Time) time.Time {
	ret := ownLastLowOverflow(g, now)
	for p := g.parent; p >= 0; p = t.groups[p].parent {
		parent := t.groups[p]
		if !parent.lim.anyLow() {
			break
		}
		if o := ownLastLowOverflow(parent, now); o.After(ret) {
			ret = o
		}
	}
	return ret
}

// canUpgradeGroup reports whether g would not suffer from a switch to the
// MAX tier: it has no low limit, it is backlogged in every low-limited
// direction, or it has stayed under its low limit for a slice while idle.
func (t *Tree) canUpgradeGroup(g *Group, now time.Time) bool {
	readLimit, writeLimit := g.lim.hasLow(Read), g.lim.hasLow(Write)
	queued := g.sq.nrQueued
	switch {
	case !readLimit && !writeLimit:
		return true
	case readLimit && queued[Read] > 0 && (!writeLimit || queued[Write] > 0):
		return true
	case writeLimit && queued[Write] > 0 && (!readLimit || queued[Read] > 0):
		return true
	}
	return !now.Before(t.lastLowOverflow(g, now).Add(t.slice)) && t.isIdle(g, now)
}

func (t *Tree) hierarchyCanUpgrade(g *Group, now time.Time) bool {
	for {
		if t.canUpgradeGroup(g, now) {
			return true
		}
		if g.parent < 0 {
			return false
		}
		g = t.groups[g.parent]
	}
}

// canUpgrade reports whether every leaf other than self allows a switch from
// the LOW to the MAX tier.
func (t *Tree) canUpgrade(self *Group, now time.Time) bool {
	if Tier(t.tier.Load()) != TierLow || now.Before(t.downgradeTime.Add(t.slice)) {
		return false
	}
	for _, g := range t.groups {
		if g == nil || g == self || len(g.children) > 0 {
			continue
		}
		if !t.hierarchyCanUpgrade(g, now) {
			return false
		}
	}
	return true
}

// upgradeCheck upgrades the tier if g has stayed below its low limit for a
// slice and every group allows it. It runs at most once per slice per group.
func (t *Tree) upgradeCheck(g *Group, now time.Time) {
	if Tier(t.tier.Load()) != TierLow || g.lastCheck.Add(t.slice).After(now) {
		return
	}
	g.lastCheck = now
	if now.Before(ownLastLowOverflow(g, now).Add(t.slice)) {
		return
	}
	if t.canUpgrade(nil, now) {
		t.upgrade(now)
	}
}

// upgrade switches to the MAX tier. Every pending group becomes due at once
// so that jobs waiting on low limits move under the new ones.
func (t *Tree) upgrade(now time.Time) {
	klog.V(1).Infof("iothrottle: upgrading to %v tier", TierMax)
	t.tier.Store(int32(TierMax))
	t.upgradeTime = now
	t.scale = 0
	metrics.scale.Set(0)
	metrics.tierChanges.Inc(TierMax.String())
	metrics.tier.Set(float64(TierMax))

	t.postOrder(func(g *Group) {
		if g.pending {
			t.pushPending(g, now)
		}
		t.selectDispatch(&g.sq, now)
		t.scheduleNextDispatch(&g.sq, true, now)
	})
	t.selectDispatch(&t.root, now)
	t.scheduleNextDispatch(&t.root, true, now)
	t.signal()
}

// canDowngradeGroup reports whether g wants the LOW tier back: it ran below
// its low limit for a slice while busy and with its latency target breached.
// Groups with children only pass the decision on.
func (t *Tree) canDowngradeGroup(g *Group, now time.Time) bool {
	if now.Before(t.lastLowOverflow(g, now).Add(t.slice)) {
		return false
	}
	if len(g.children) > 0 {
		return true
	}
	st := &g.stats
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.idleByTime(now) && st.latencyBreached()
}

func (t *Tree) hierarchyCanDowngrade(g *Group, now time.Time) bool {
	if now.Before(t.upgradeTime.Add(t.slice)) {
		return false
	}
	for {
		if !t.canDowngradeGroup(g, now) {
			return false
		}
		if g.parent < 0 {
			return true
		}
		g = t.groups[g.parent]
	}
}

// downgradeCheck samples the dispatch rate of leaf g since its last check,
// records overflow of its low limits and downgrades the tier if the whole
// chain above g asks for it. It runs at most once per slice per group.
func (t *Tree) downgradeCheck(g *Group, now time.Time) {
	if Tier(t.tier.Load()) != TierMax || !t.lowValid.Load() || len(g.children) > 0 {
		return
	}
	if g.lastCheck.Add(t.slice).After(now) {
		return
	}
	elapsed := now.Sub(g.lastCheck)
	g.lastCheck = now
	if now.Before(t.lastLowOverflow(g, now).Add(t.slice)) {
		return
	}

	for _, d := range directions {
		if low := g.lim.bps[d][TierLow]; low != 0 && mulDiv(g.lastBytesDisp[d], uint64(time.Second), uint64(elapsed)) >= low {
			g.lastLowOverflow[d] = now
		}
		if low := g.lim.iops[d][TierLow]; low != 0 && mulDiv(g.lastIODisp[d], uint64(time.Second), uint64(elapsed)) >= low {
			g.lastLowOverflow[d] = now
		}
	}
	if t.hierarchyCanDowngrade(g, now) {
		t.downgrade(now)
	}
	g.lastBytesDisp = [numDirs]uint64{}
	g.lastIODisp = [numDirs]uint64{}
}

// downgrade halves the scale last used for MAX-tier limits. Only once the
// scale reaches zero does the tier switch back to LOW.
func (t *Tree) downgrade(now time.Time) {
	t.scale /= 2
	if t.scale > 0 {
		t.upgradeTime = now.Add(-time.Duration(t.scale) * t.slice)
		klog.V(1).Infof("iothrottle: scale reduced to %d", t.scale)
		metrics.scale.Set(float64(t.scale))
		return
	}
	klog.V(1).Infof("iothrottle: downgrading to %v tier", TierLow)
	t.tier.Store(int32(TierLow))
	t.downgradeTime = now
	metrics.tierChanges.Inc(TierLow.String())
	metrics.tier.Set(float64(TierLow))
	metrics.scale.Set(0)
}
