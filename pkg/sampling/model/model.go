// Package model holds the value types shared by the dynamic sampling
// components. All types are plain data: they carry no behavior beyond
// validation, so the algorithm packages stay pure functions over
// explicit inputs.
package model

import (
	"fmt"
	"math"
	"time"
)

// OrganizationID and ProjectID are opaque identifiers assigned by the
// upstream control plane. No internal structure is assumed.
type (
	OrganizationID int64
	ProjectID      int64
)

// WeightedItem is one unit of observed volume: a project, or a
// transaction name within a project, together with the number of
// events observed for it over the query window.
type WeightedItem struct {
	ID    string
	Count uint64
}

// RebalancingInput is the raw material for a rebalancing run.
type RebalancingInput struct {
	// Classes are the enumerated items, usually the top-N by volume.
	Classes []WeightedItem
	// SampleRate is the organization- or project-wide baseline rate
	// the factors are computed relative to. Must be in (0, 1].
	SampleRate float64
	// TotalNumClasses is the known cardinality of the full item space,
	// including items truncated from Classes ("long tail"). Zero means
	// the enumeration is complete.
	TotalNumClasses int
	// Intervals are the time buckets the counts were aggregated over.
	// Fewer than two buckets is considered insufficient signal.
	Intervals []time.Time
}

// TotalCount returns the total observed volume of the enumerated classes.
func (in *RebalancingInput) TotalCount() uint64 {
	var total uint64
	for _, c := range in.Classes {
		total += c.Count
	}
	return total
}

func (in *RebalancingInput) Validate() error {
	if in.SampleRate <= 0 || in.SampleRate > 1 || math.IsNaN(in.SampleRate) {
		return fmt.Errorf("sample rate out of range (0, 1]: %g", in.SampleRate)
	}
	if in.TotalNumClasses != 0 && in.TotalNumClasses < len(in.Classes) {
		return fmt.Errorf("total number of classes %d is less than enumerated %d",
			in.TotalNumClasses, len(in.Classes))
	}
	return nil
}

// RebalancedItem is the per-item outcome of a rebalancing run: a
// multiplicative adjustment relative to the baseline sample rate.
type RebalancedItem struct {
	ID     string
	Factor float64
}

// RebalancingResult carries the rebalanced items together with the
// implicit factor that applies to every item not individually
// enumerated.
type RebalancingResult struct {
	Items []RebalancedItem
	// ImplicitRate is the absolute sample rate assigned to the long tail.
	ImplicitRate float64
	// ImplicitFactor is ImplicitRate relative to the baseline rate.
	ImplicitFactor float64
}

// OrganizationDataVolume is the total vs. retained event count for a
// past period, the input to recalibration.
type OrganizationDataVolume struct {
	OrganizationID OrganizationID
	Total          uint64
	Indexed        uint64
}

func (v OrganizationDataVolume) Validate() error {
	if v.Indexed > v.Total {
		return fmt.Errorf("org %d: indexed count %d exceeds total %d",
			v.OrganizationID, v.Indexed, v.Total)
	}
	return nil
}
