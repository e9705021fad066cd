// Package rebalancing implements the volume rebalancing model: given
// observed per-item volumes and a baseline sample rate, it computes
// per-item factors that flatten skew while conserving the sampling
// budget, so that low-volume items remain statistically represented.
package rebalancing

import (
	"flag"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

const flagPrefix = "rebalancing."

type Config struct {
	// MinFactor and MaxFactor bound the dynamic range of the factors
	// the ingestion proxy must support.
	MinFactor float64 `yaml:"min_factor"`
	MaxFactor float64 `yaml:"max_factor"`
	// Intensity blends the rebalanced rate with the baseline rate:
	// 1 applies the full correction, 0 disables rebalancing.
	Intensity float64 `yaml:"intensity"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix(flagPrefix, f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Float64Var(&cfg.MinFactor, prefix+"min-factor", 0.01, "Lower bound for per-item sampling factors.")
	f.Float64Var(&cfg.MaxFactor, prefix+"max-factor", 100, "Upper bound for per-item sampling factors.")
	f.Float64Var(&cfg.Intensity, prefix+"intensity", 1, "Strength of the rebalancing correction, between 0 and 1.")
}

func DefaultConfig() Config {
	var cfg Config
	var f flag.FlagSet
	cfg.RegisterFlags(&f)
	return cfg
}

func (cfg *Config) Validate() error {
	if cfg.MinFactor <= 0 || cfg.MinFactor > cfg.MaxFactor {
		return errors.Errorf("invalid factor bounds [%g, %g]", cfg.MinFactor, cfg.MaxFactor)
	}
	if cfg.Intensity < 0 || cfg.Intensity > 1 {
		return errors.Errorf("intensity out of range [0, 1]: %g", cfg.Intensity)
	}
	return nil
}

// Model computes rebalanced sampling factors. It is stateless and safe
// for concurrent use.
type Model struct {
	config Config
	// longTail indicates that the input enumeration may be truncated
	// and an implicit rate has to cover the remainder of the item
	// space. Transaction-level inputs are truncated to the top-N
	// transaction names; project-level inputs are always complete.
	longTail bool
}

// NewProjectModel returns a model for project-level rebalancing, where
// the set of classes is the complete set of projects of an organization.
func NewProjectModel(config Config) *Model {
	return &Model{config: config}
}

// NewTransactionModel returns a model for transaction-level rebalancing,
// where only the most significant transaction names are enumerated and
// the long tail is covered by the implicit factor.
func NewTransactionModel(config Config) *Model {
	return &Model{config: config, longTail: true}
}

// Rebalance distributes the sampling budget of the input across its
// classes, boosting items whose relative frequency is below the
// baseline rate and lowering items above it.
//
// A nil result without an error means the input carries insufficient
// signal, and the caller should keep whatever rates are currently in
// effect.
func (m *Model) Rebalance(in *model.RebalancingInput) (*model.RebalancingResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	// A single time bucket cannot be told apart from a burst.
	if len(in.Intervals) < 2 {
		return nil, nil
	}
	if len(in.Classes) == 0 {
		return nil, nil
	}

	classes := make([]model.WeightedItem, len(in.Classes))
	copy(classes, in.Classes)
	sort.Slice(classes, func(i, j int) bool { return classes[i].Count < classes[j].Count })

	total := in.TotalCount()
	result := &model.RebalancingResult{
		Items:          make([]model.RebalancedItem, 0, len(classes)),
		ImplicitRate:   in.SampleRate,
		ImplicitFactor: 1,
	}
	if total == 0 {
		// No volume at all: every class gets the neutral implicit factor.
		for _, c := range classes {
			result.Items = append(result.Items, model.RebalancedItem{ID: c.ID, Factor: 1})
		}
		return result, nil
	}

	// The budget is the number of events the baseline rate would keep.
	// It is redistributed across the classes, smallest first: a class
	// keeps at most its fair share of the remaining budget, and budget
	// unused by small classes rolls over to the larger ones. Classes
	// with zero volume consume nothing and are assigned the implicit
	// factor below, so they remain discoverable.
	budget := in.SampleRate * float64(total)
	positive := 0
	for _, c := range classes {
		if c.Count > 0 {
			positive++
		}
	}

	var (
		minCount  = uint64(math.MaxUint64)
		remaining = positive
		zero      []string
	)
	for _, c := range classes {
		if c.Count == 0 {
			zero = append(zero, c.ID)
			continue
		}
		if c.Count < minCount {
			minCount = c.Count
		}
		share := budget / float64(remaining)
		keep := math.Min(float64(c.Count), share)
		rate := keep / float64(c.Count)
		budget -= keep
		remaining--
		result.Items = append(result.Items, model.RebalancedItem{
			ID:     c.ID,
			Factor: m.factor(rate, in.SampleRate),
		})
	}

	result.ImplicitRate, result.ImplicitFactor = m.implicit(in, total, minCount)
	for _, id := range zero {
		result.Items = append(result.Items, model.RebalancedItem{
			ID:     id,
			Factor: result.ImplicitFactor,
		})
	}

	return result, nil
}

// factor converts an absolute rebalanced rate into a factor relative to
// the baseline, applying the intensity blend and the configured bounds.
func (m *Model) factor(rate, baseline float64) float64 {
	blended := m.config.Intensity*rate + (1-m.config.Intensity)*baseline
	return m.clamp(blended / baseline)
}

// implicit derives the rate for items outside the enumeration. A tail
// class is no larger than the smallest enumerated one; it is granted
// the flat per-class share of the total budget it would receive if the
// full item space were materialized. With a large tail the share, and
// with it the implicit rate, shrinks towards the minimum factor.
func (m *Model) implicit(in *model.RebalancingInput, total, minCount uint64) (rate, factor float64) {
	n := len(in.Classes)
	if m.longTail && in.TotalNumClasses > n {
		n = in.TotalNumClasses
	}
	if minCount == math.MaxUint64 {
		return in.SampleRate, 1
	}
	share := in.SampleRate * float64(total) / float64(n)
	rate = math.Min(1, share/float64(minCount))
	factor = m.factor(rate, in.SampleRate)
	return rate, factor
}

func (m *Model) clamp(factor float64) float64 {
	if math.IsNaN(factor) || math.IsInf(factor, 0) {
		return 1
	}
	return math.Min(m.config.MaxFactor, math.Max(m.config.MinFactor, factor))
}
