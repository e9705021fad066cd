package recalibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

func volume(total, indexed uint64) model.OrganizationDataVolume {
	return model.OrganizationDataVolume{OrganizationID: 1, Total: total, Indexed: indexed}
}

func Test_Recalibrate_Convergence(t *testing.T) {
	e := New(DefaultConfig())

	// Observed rate 0.05 against a target of 0.1: the factor doubles.
	factor, err := e.Recalibrate(1.0, volume(1000, 50), 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, factor, 1e-9)

	// Applying the corrected factor closes the gap: once observed
	// matches the target, the factor is left untouched.
	factor, err = e.Recalibrate(factor, volume(1000, 100), 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, factor, 1e-9)
}

func Test_Recalibrate_OverSampling(t *testing.T) {
	e := New(DefaultConfig())
	// Keeping 40% against a 10% target shrinks the factor.
	factor, err := e.Recalibrate(1.0, volume(1000, 400), 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, factor, 1e-9)
}

func Test_Recalibrate_Clamping(t *testing.T) {
	cfg := DefaultConfig()
	e := New(cfg)

	factor, err := e.Recalibrate(5.0, volume(100000, 1), 1.0)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxFactor, factor)

	factor, err = e.Recalibrate(0.2, volume(1000, 1000), 0.001)
	require.NoError(t, err)
	assert.Equal(t, cfg.MinFactor, factor)
}

func Test_Recalibrate_NoVolume(t *testing.T) {
	e := New(DefaultConfig())

	factor, err := e.Recalibrate(1.5, volume(0, 0), 0.1)
	assert.ErrorIs(t, err, ErrNoVolume)
	assert.Equal(t, 1.5, factor)

	factor, err = e.Recalibrate(1.5, volume(1000, 0), 0.1)
	assert.ErrorIs(t, err, ErrNoVolume)
	assert.Equal(t, 1.5, factor)
}

func Test_Recalibrate_DataInconsistency(t *testing.T) {
	e := New(DefaultConfig())

	// Indexed exceeding total is rejected, previous factor retained.
	factor, err := e.Recalibrate(1.5, volume(100, 200), 0.1)
	assert.Error(t, err)
	assert.Equal(t, 1.5, factor)

	for _, target := range []float64{0, -0.5, 1.5} {
		_, err := e.Recalibrate(1.0, volume(1000, 100), target)
		assert.Error(t, err, "target %g", target)
	}

	for _, previous := range []float64{0, -1} {
		_, err := e.Recalibrate(previous, volume(1000, 100), 0.1)
		assert.Error(t, err, "previous %g", previous)
	}
}
