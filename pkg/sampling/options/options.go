// Package options reads per-organization feature flags from the
// configuration options store. The engine has no write access: flags
// are plain key-to-boolean reads, and a failed lookup means the
// feature is disabled for the organization this cycle.
package options

import (
	"context"
	"flag"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

// Features gating the dynamic sampling components.
const (
	FeatureSlidingWindow     = "ds:sliding-window"
	FeatureRecalibration     = "ds:recalibrate-orgs"
	FeatureBoostProjects     = "ds:boost-low-volume-projects"
	FeatureBoostTransactions = "ds:boost-low-volume-transactions"
)

// Store is the read-only view of the options store.
type Store interface {
	// FeatureEnabled never fails: an unreadable flag is a disabled flag.
	FeatureEnabled(ctx context.Context, org model.OrganizationID, feature string) bool
}

type Config struct {
	// File points to a yaml document with flag defaults and per-org
	// overrides. If empty, built-in defaults apply.
	File string `yaml:"file"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.File, "options.file", "", "Path to the feature flag overrides file.")
}

type fileContent struct {
	Defaults  map[string]bool                          `yaml:"defaults"`
	Overrides map[model.OrganizationID]map[string]bool `yaml:"overrides"`
}

// FileStore serves flags from a yaml document loaded at startup.
// Defaults enable all sampling features; overrides narrow them per
// organization.
type FileStore struct {
	content    fileContent
	infoMetric *prometheus.GaugeVec
}

func NewFileStore(cfg Config, reg prometheus.Registerer) (*FileStore, error) {
	s := &FileStore{
		content: fileContent{
			Defaults: map[string]bool{
				FeatureSlidingWindow:     true,
				FeatureRecalibration:     true,
				FeatureBoostProjects:     true,
				FeatureBoostTransactions: true,
			},
		},
		infoMetric: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dynamic_sampling_feature_default_enabled",
			Help: "Default state of the dynamic sampling feature flags.",
		}, []string{"name"}),
	}
	if cfg.File != "" {
		raw, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		var loaded fileContent
		if err := yaml.Unmarshal(raw, &loaded); err != nil {
			return nil, err
		}
		for name, enabled := range loaded.Defaults {
			s.content.Defaults[name] = enabled
		}
		s.content.Overrides = loaded.Overrides
	}

	names := make([]string, 0, len(s.content.Defaults))
	for name := range s.content.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := 0.0
		if s.content.Defaults[name] {
			v = 1.0
		}
		s.infoMetric.WithLabelValues(name).Set(v)
	}
	return s, nil
}

func (s *FileStore) FeatureEnabled(_ context.Context, org model.OrganizationID, feature string) bool {
	if overrides, ok := s.content.Overrides[org]; ok {
		if enabled, ok := overrides[feature]; ok {
			return enabled
		}
	}
	return s.content.Defaults[feature]
}
