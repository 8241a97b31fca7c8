// Copyright (C) The AutoVideo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package tier implements the execution tier catalog and the cost
// model used to order tiers for a render request.
package tier

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/autovideo-dev/renderd/lib/cloud"
)

var ErrNoCPUTier = errors.New("tier catalog does not contain a cpu tier")

// Spot capacity has historically run at roughly 30% of the on-demand
// rate. Used when a tier does not configure SpotCostPerHour.
const defaultSpotCostFactor = 0.3

// A Tier is a candidate execution context: a hardware class in a
// region, with a cost/speed profile.
type Tier struct {
	Name            string              `json:"Name"`
	HardwareClass   cloud.HardwareClass `json:"HardwareClass"`
	Region          string              `json:"Region"`
	MachineProfile  string              `json:"MachineProfile"`
	CostPerHour     float64             `json:"CostPerHour"`
	SpotCostPerHour float64             `json:"SpotCostPerHour,omitempty"`
	// SpeedFactor is render speed relative to the baseline profile;
	// higher is faster.
	SpeedFactor float64 `json:"SpeedFactor"`
	Preemptible bool    `json:"Preemptible,omitempty"`
	// SelfManaged marks a profile the orchestrator is allowed to
	// provision directly as a fallback VM.
	SelfManaged bool `json:"SelfManaged,omitempty"`
}

// String returns a stable identifier for logs and metrics.
func (t Tier) String() string {
	s := fmt.Sprintf("%s@%s", t.HardwareClass, t.Region)
	if t.Preemptible {
		s += "/spot"
	}
	return s
}

// Cost returns the estimated total cost of rendering a video of the
// given estimated duration on this tier, and false if the tier's cost
// inputs are missing or zero.
//
// The billed wall-clock time is the estimated duration scaled by the
// tier's speed factor, rounded up to a whole second.
func (t Tier) Cost(estimated time.Duration) (float64, bool) {
	if t.SpeedFactor <= 0 || t.CostPerHour <= 0 {
		return 0, false
	}
	billedSeconds := math.Ceil(estimated.Seconds() / t.SpeedFactor)
	return billedSeconds * t.CostPerHour / 3600, true
}

// EstimatedRunTime returns the expected wall-clock render time on this
// tier, or zero if the speed factor is not configured.
func (t Tier) EstimatedRunTime(estimated time.Duration) time.Duration {
	if t.SpeedFactor <= 0 {
		return 0
	}
	return time.Duration(float64(estimated) / t.SpeedFactor)
}

// A Catalog is the statically configured list of candidate tiers, in
// declaration order.
type Catalog []Tier

// Check returns an error unless the catalog contains at least one cpu
// tier. A cpu tier is what guarantees the fallback ladder terminates,
// so a catalog without one is a configuration defect.
func (cat Catalog) Check() error {
	for _, t := range cat {
		if t.HardwareClass == cloud.HardwareCPU {
			return nil
		}
	}
	return ErrNoCPUTier
}

// WithPreemptible returns a copy of the catalog with a spot-priced
// variant of every non-preemptible GPU tier inserted ahead of the
// on-demand tier. CPU tiers are left alone.
func (cat Catalog) WithPreemptible() Catalog {
	out := make(Catalog, 0, len(cat)*2)
	for _, t := range cat {
		if !t.HardwareClass.GPU() || t.Preemptible {
			out = append(out, t)
			continue
		}
		spot := t
		spot.Preemptible = true
		if spot.SpotCostPerHour > 0 {
			spot.CostPerHour = spot.SpotCostPerHour
		} else {
			spot.CostPerHour = t.CostPerHour * defaultSpotCostFactor
		}
		out = append(out, spot, t)
	}
	return out
}

type rankedTier struct {
	Tier
	cost   float64
	priced bool
	index  int
}

// Rank returns the catalog ordered for a render of the given estimated
// duration: ascending total cost, then descending speed factor, then
// declaration order. At equal cost a GPU tier precedes a CPU tier only
// if the GPU cost is no greater than the cheapest CPU tier's cost.
// Tiers with missing cost inputs sort last but are never dropped.
//
// The ordering is deterministic for a given catalog and duration.
func (cat Catalog) Rank(estimated time.Duration) []Tier {
	ranked := make([]rankedTier, 0, len(cat))
	minCPUCost := math.Inf(1)
	haveCPUCost := false
	for i, t := range cat {
		cost, ok := t.Cost(estimated)
		ranked = append(ranked, rankedTier{Tier: t, cost: cost, priced: ok, index: i})
		if ok && t.HardwareClass == cloud.HardwareCPU && cost < minCPUCost {
			minCPUCost = cost
			haveCPUCost = true
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.priced != b.priced {
			return a.priced
		}
		if !a.priced {
			return a.index < b.index
		}
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if ag, bg := a.HardwareClass.GPU(), b.HardwareClass.GPU(); ag != bg && haveCPUCost {
			gpu := a
			if bg {
				gpu = b
			}
			if gpu.cost <= minCPUCost {
				return ag
			}
		}
		if a.SpeedFactor != b.SpeedFactor {
			return a.SpeedFactor > b.SpeedFactor
		}
		return a.index < b.index
	})
	out := make([]Tier, len(ranked))
	for i, r := range ranked {
		out[i] = r.Tier
	}
	return out
}
