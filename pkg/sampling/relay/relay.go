// Package relay signals the ingestion proxy that a project's sampling
// configuration changed. The engine never pushes rules directly: the
// proxy pulls the rule set through its own configuration-read path
// after receiving the invalidation.
package relay

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConfigNotifier tells the proxy to refetch a project's configuration.
type ConfigNotifier interface {
	InvalidateProjectConfig(ctx context.Context, org model.OrganizationID, project model.ProjectID) error
}

type Config struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "relay."
	f.StringVar(&cfg.URL, prefix+"url", "", "Ingestion proxy invalidation endpoint. If empty, invalidations are logged and dropped.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", 3*time.Second, "Invalidation request timeout.")
}

// Notifier is the fire-and-forget HTTP implementation. Failures are
// counted and logged; the proxy will pick up the new configuration on
// its next regular refresh anyway.
type Notifier struct {
	config  Config
	logger  log.Logger
	http    *http.Client
	invalid *prometheus.CounterVec
}

func NewNotifier(logger log.Logger, config Config, reg prometheus.Registerer) *Notifier {
	return &Notifier{
		config: config,
		logger: logger,
		http:   &http.Client{Timeout: config.RequestTimeout},
		invalid: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_sampling_config_invalidations_total",
			Help: "Project configuration invalidations sent to the ingestion proxy.",
		}, []string{"outcome"}),
	}
}

type invalidation struct {
	OrganizationID model.OrganizationID `json:"organization_id"`
	ProjectID      model.ProjectID      `json:"project_id"`
}

func (n *Notifier) InvalidateProjectConfig(ctx context.Context, org model.OrganizationID, project model.ProjectID) error {
	if n.config.URL == "" {
		level.Debug(n.logger).Log("msg", "no proxy endpoint configured; dropping invalidation", "org", org, "project", project)
		n.invalid.WithLabelValues("dropped").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(&invalidation{OrganizationID: org, ProjectID: project})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.invalid.WithLabelValues("error").Inc()
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		n.invalid.WithLabelValues("error").Inc()
		return fmt.Errorf("proxy returned %s", resp.Status)
	}
	n.invalid.WithLabelValues("success").Inc()
	return nil
}
