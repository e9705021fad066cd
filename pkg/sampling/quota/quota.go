// Package quota resolves the target sample rate an organization is
// entitled to for a projected monthly volume. The actual quota and
// billing computation lives in an external subsystem; this package
// only reads its decisions.
package quota

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service resolves quota-derived target rates.
//
// The boolean result reports whether a sampling tier applies to the
// organization at all; false means dynamic sampling is effectively
// disabled for it. When the service is unavailable, callers must fall
// back to the previously cached target rate rather than block.
type Service interface {
	TargetSampleRate(ctx context.Context, org model.OrganizationID, monthlyVolume uint64) (float64, bool, error)
}

type Config struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// DefaultTargetRate is used when no quota endpoint is configured.
	DefaultTargetRate float64 `yaml:"default_target_rate"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "quota."
	f.StringVar(&cfg.URL, prefix+"url", "", "Quota subsystem sampling tier endpoint. If empty, the default target rate applies to every organization.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", 5*time.Second, "Quota request timeout.")
	f.Float64Var(&cfg.DefaultTargetRate, prefix+"default-target-rate", 0.1, "Target sample rate when no quota endpoint is configured.")
}

// New returns the HTTP-backed service, or the static fallback when no
// endpoint is configured.
func New(cfg Config) Service {
	if cfg.URL == "" {
		return Static{Rate: cfg.DefaultTargetRate}
	}
	return &HTTPClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Static serves one fixed target rate for every organization.
type Static struct {
	Rate float64
}

func (s Static) TargetSampleRate(context.Context, model.OrganizationID, uint64) (float64, bool, error) {
	return s.Rate, s.Rate > 0, nil
}

// HTTPClient asks the quota subsystem for the sampling tier matching
// the projected monthly volume.
type HTTPClient struct {
	config Config
	http   *http.Client
}

type tierRequest struct {
	OrganizationID model.OrganizationID `json:"organization_id"`
	MonthlyVolume  uint64               `json:"monthly_volume"`
}

type tierResponse struct {
	SampleRate float64 `json:"sample_rate"`
	Applies    bool    `json:"applies"`
}

func (c *HTTPClient) TargetSampleRate(ctx context.Context, org model.OrganizationID, monthlyVolume uint64) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(&tierRequest{OrganizationID: org, MonthlyVolume: monthlyVolume})
	if err != nil {
		return 0, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, errors.Wrap(err, "quota lookup")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return 0, false, fmt.Errorf("quota subsystem returned %s", resp.Status)
	}

	var tier tierResponse
	if err := json.NewDecoder(resp.Body).Decode(&tier); err != nil {
		return 0, false, errors.Wrap(err, "decoding quota response")
	}
	if tier.SampleRate <= 0 || tier.SampleRate > 1 {
		if tier.Applies {
			return 0, false, fmt.Errorf("quota returned rate out of range: %g", tier.SampleRate)
		}
		return 0, false, nil
	}
	return tier.SampleRate, tier.Applies, nil
}
