package rules

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

// BiasKind identifies the closed set of rule generators. Each bias
// owns a reserved, non-overlapping rule ID space, so a rule can be
// traced back to the bias that produced it and rule sets from
// different biases can be concatenated without collisions.
type BiasKind int

const (
	BiasUniform BiasKind = iota
	BiasRecalibration
	BiasBoostLowVolumeProjects
	BiasBoostLowVolumeTransactions
)

func (k BiasKind) String() string {
	switch k {
	case BiasUniform:
		return "uniform"
	case BiasRecalibration:
		return "recalibration"
	case BiasBoostLowVolumeProjects:
		return "boost-low-volume-projects"
	case BiasBoostLowVolumeTransactions:
		return "boost-low-volume-transactions"
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// BaseRuleID is the first rule ID of the bias's reserved space.
func (k BiasKind) BaseRuleID() int {
	switch k {
	case BiasUniform:
		return 1000
	case BiasRecalibration:
		return 1100
	case BiasBoostLowVolumeProjects:
		return 2000
	case BiasBoostLowVolumeTransactions:
		return 3000
	}
	return 0
}

// Capacity is the number of rule IDs reserved for the bias.
func (k BiasKind) Capacity() int {
	switch k {
	case BiasUniform, BiasRecalibration:
		return 100
	case BiasBoostLowVolumeProjects, BiasBoostLowVolumeTransactions:
		return 1000
	}
	return 0
}

// attribute returns the trace attribute the bias conditions match on.
func (k BiasKind) attribute() (string, error) {
	switch k {
	case BiasBoostLowVolumeProjects:
		return "trace.project", nil
	case BiasBoostLowVolumeTransactions:
		return "trace.transaction", nil
	}
	return "", errors.Errorf("bias %s does not enumerate items", k)
}

// ErrRuleSpaceExhausted reports a rule ID allocation overflowing the
// bias's reserved space. This is an invariant violation: the affected
// organization's cycle is aborted, the batch continues.
var ErrRuleSpaceExhausted = errors.New("bias rule ID space exhausted")

// Generate converts a rebalancing result into the bias's rule set.
//
// One factor rule is emitted per rebalanced item, normalized by the
// implicit factor, with IDs assigned contiguously from the bias base.
// The last rule is always the unconditional catch-all carrying the
// normalized implicit factor (that is, exactly 1.0). A nil or empty
// result yields an empty rule set: the caller documents that absence
// of rules means falling back to the uniform base rate.
func Generate(kind BiasKind, result *model.RebalancingResult) (RuleSet, error) {
	if result == nil || len(result.Items) == 0 {
		return nil, nil
	}
	attr, err := kind.attribute()
	if err != nil {
		return nil, err
	}
	if len(result.Items)+1 > kind.Capacity() {
		return nil, errors.Wrapf(ErrRuleSpaceExhausted, "%s: %d items", kind, len(result.Items))
	}
	if result.ImplicitFactor <= 0 {
		return nil, errors.Errorf("%s: non-positive implicit factor %g", kind, result.ImplicitFactor)
	}

	rs := make(RuleSet, 0, len(result.Items)+1)
	id := kind.BaseRuleID()
	for _, item := range result.Items {
		rs = append(rs, Rule{
			ID:   id,
			Type: "trace",
			SamplingValue: SamplingValue{
				Type:  ValueTypeFactor,
				Value: item.Factor / result.ImplicitFactor,
			},
			Condition: Eq(attr, item.ID),
		})
		id++
	}
	rs = append(rs, Rule{
		ID:   id,
		Type: "trace",
		SamplingValue: SamplingValue{
			Type:  ValueTypeFactor,
			Value: 1.0,
		},
		Condition: MatchAll(),
	})
	return rs, nil
}

// UniformRule exposes the organization's base sample rate as a single
// unconditional rule, so the proxy always has a complete rule set to
// pull even when rebalancing produced no per-item rules.
func UniformRule(sampleRate float64) Rule {
	return Rule{
		ID:   BiasUniform.BaseRuleID(),
		Type: "trace",
		SamplingValue: SamplingValue{
			Type:  ValueTypeSampleRate,
			Value: sampleRate,
		},
		Condition: MatchAll(),
	}
}

// RecalibrationRule emits the recalibrated organization factor.
func RecalibrationRule(factor float64) Rule {
	return Rule{
		ID:   BiasRecalibration.BaseRuleID(),
		Type: "trace",
		SamplingValue: SamplingValue{
			Type:  ValueTypeFactor,
			Value: factor,
		},
		Condition: MatchAll(),
	}
}
