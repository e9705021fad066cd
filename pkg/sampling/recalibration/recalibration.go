// Package recalibration implements the feedback controller that nudges
// a previously assigned sampling factor towards the value that would
// have produced the target keep ratio, based on the actual outcome of
// the last period.
package recalibration

import (
	"flag"
	"math"

	"github.com/pkg/errors"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

const flagPrefix = "recalibration."

// ErrNoVolume indicates that the period carried no data to learn from;
// the caller should keep the previous factor in place.
var ErrNoVolume = errors.New("no volume observed for the period")

type Config struct {
	MinFactor float64 `yaml:"min_factor"`
	MaxFactor float64 `yaml:"max_factor"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&cfg.MinFactor, flagPrefix+"min-factor", 0.1, "Lower bound for the recalibration factor.")
	f.Float64Var(&cfg.MaxFactor, flagPrefix+"max-factor", 10, "Upper bound for the recalibration factor.")
}

func DefaultConfig() Config {
	var cfg Config
	var f flag.FlagSet
	cfg.RegisterFlags(&f)
	return cfg
}

// Engine is a proportional controller. It is stateless: the previous
// factor is cached by the caller between periods.
type Engine struct {
	config Config
}

func New(config Config) *Engine {
	return &Engine{config: config}
}

// Recalibrate returns the corrected factor for the next period.
//
// Each organization is corrected independently; any error leaves the
// previous factor in effect and never aborts the batch.
func (e *Engine) Recalibrate(previous float64, volume model.OrganizationDataVolume, target float64) (float64, error) {
	if err := volume.Validate(); err != nil {
		return previous, err
	}
	if target <= 0 || target > 1 || math.IsNaN(target) {
		return previous, errors.Errorf("target rate out of range (0, 1]: %g", target)
	}
	if previous <= 0 || math.IsNaN(previous) || math.IsInf(previous, 0) {
		return previous, errors.Errorf("corrupt previous factor: %g", previous)
	}
	if volume.Total == 0 || volume.Indexed == 0 {
		return previous, ErrNoVolume
	}
	observed := float64(volume.Indexed) / float64(volume.Total)
	correction := target / observed
	return e.clamp(previous * correction), nil
}

func (e *Engine) clamp(factor float64) float64 {
	return math.Min(e.config.MaxFactor, math.Max(e.config.MinFactor, factor))
}
