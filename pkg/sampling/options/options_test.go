package options

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FileStore_Defaults(t *testing.T) {
	s, err := NewFileStore(Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, s.FeatureEnabled(ctx, 1, FeatureSlidingWindow))
	assert.True(t, s.FeatureEnabled(ctx, 1, FeatureRecalibration))
	assert.False(t, s.FeatureEnabled(ctx, 1, "ds:unknown-feature"))
}

func Test_FileStore_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  ds:recalibrate-orgs: false
overrides:
  42:
    ds:recalibrate-orgs: true
    ds:sliding-window: false
`), 0o644))

	s, err := NewFileStore(Config{File: path}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, s.FeatureEnabled(ctx, 1, FeatureRecalibration))
	assert.True(t, s.FeatureEnabled(ctx, 42, FeatureRecalibration))
	assert.False(t, s.FeatureEnabled(ctx, 42, FeatureSlidingWindow))
	assert.True(t, s.FeatureEnabled(ctx, 42, FeatureBoostProjects))
}

func Test_FileStore_BadFile(t *testing.T) {
	_, err := NewFileStore(Config{File: "/does/not/exist.yaml"}, nil)
	assert.Error(t, err)
}
