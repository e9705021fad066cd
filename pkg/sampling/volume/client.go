package volume

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
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ClientConfig struct {
	// URL of the analytics backend query endpoint.
	URL string `yaml:"url"`
	// RequestTimeout bounds a single query.
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	Backoff        backoff.Config `yaml:"backoff"`
}

func (cfg *ClientConfig) RegisterFlags(f *flag.FlagSet) {
	const prefix = "analytics."
	f.StringVar(&cfg.URL, prefix+"url", "http://localhost:9000/query", "Analytics backend query endpoint.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", 15*time.Second, "Query request timeout.")
	f.DurationVar(&cfg.Backoff.MinBackoff, prefix+"backoff-min-period", 100*time.Millisecond, "Minimum delay before retrying a failed query.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, prefix+"backoff-max-period", time.Second, "Maximum delay before retrying a failed query.")
	// Transient backend failures are retried at most once; after that
	// the affected unit of work is skipped for this cycle.
	f.IntVar(&cfg.Backoff.MaxRetries, prefix+"backoff-retries", 2, "Total query attempts, including the first one.")
}

// Client is an HTTP implementation of Fetcher. Requests go through a
// circuit breaker: when the backend is down, the remaining
// organizations of a cycle fail fast instead of each waiting for the
// full timeout.
type Client struct {
	config  ClientConfig
	logger  log.Logger
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*queryResponse]
	metrics *clientMetrics
}

func NewClient(logger log.Logger, config ClientConfig, reg prometheus.Registerer) *Client {
	return &Client{
		config: config,
		logger: logger,
		http:   &http.Client{Timeout: config.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker[*queryResponse](gobreaker.Settings{
			Name: "analytics-backend",
		}),
		metrics: newClientMetrics(reg),
	}
}

// queryRequest mirrors the backend's generic counting query: counts
// grouped by organization, project, or transaction name over a range.
type queryRequest struct {
	OrganizationID  model.OrganizationID   `json:"organization_id,omitempty"`
	OrganizationIDs []model.OrganizationID `json:"organization_ids,omitempty"`
	ProjectID       model.ProjectID        `json:"project_id,omitempty"`
	Start           time.Time              `json:"start"`
	End             time.Time              `json:"end"`
	GroupBy         string                 `json:"group_by,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
	MinCount        uint64                 `json:"min_count,omitempty"`
}

type queryRow struct {
	OrganizationID model.OrganizationID `json:"organization_id,omitempty"`
	ProjectID      model.ProjectID      `json:"project_id,omitempty"`
	Key            string               `json:"key,omitempty"`
	Count          uint64               `json:"count"`
	Indexed        uint64               `json:"indexed,omitempty"`
}

type queryResponse struct {
	Rows            []queryRow  `json:"rows"`
	TotalNumClasses int         `json:"total_num_classes,omitempty"`
	Intervals       []time.Time `json:"intervals,omitempty"`
}

func (c *Client) ActiveOrganizations(ctx context.Context, w Window, minVolume uint64) ([]model.OrganizationID, error) {
	resp, err := c.query(ctx, "active_organizations", &queryRequest{
		Start:    w.Start,
		End:      w.End,
		GroupBy:  "organization",
		MinCount: minVolume,
	})
	if err != nil {
		return nil, err
	}
	orgs := make([]model.OrganizationID, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		orgs = append(orgs, row.OrganizationID)
	}
	return orgs, nil
}

func (c *Client) OrgTotalVolume(ctx context.Context, org model.OrganizationID, w Window) (uint64, error) {
	resp, err := c.query(ctx, "org_total", &queryRequest{
		OrganizationID: org,
		Start:          w.Start,
		End:            w.End,
	})
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, row := range resp.Rows {
		total += row.Count
	}
	return total, nil
}

func (c *Client) ProjectVolumes(ctx context.Context, org model.OrganizationID, w Window) (*ProjectSeries, error) {
	resp, err := c.query(ctx, "project_volumes", &queryRequest{
		OrganizationID: org,
		Start:          w.Start,
		End:            w.End,
		GroupBy:        "project",
	})
	if err != nil {
		return nil, err
	}
	series := &ProjectSeries{
		Projects:  make([]ProjectVolume, 0, len(resp.Rows)),
		Intervals: resp.Intervals,
	}
	for _, row := range resp.Rows {
		series.Projects = append(series.Projects, ProjectVolume{
			Project: row.ProjectID,
			Count:   row.Count,
		})
	}
	return series, nil
}

func (c *Client) TransactionVolumes(ctx context.Context, org model.OrganizationID, project model.ProjectID, w Window, limit int) (*TransactionSeries, error) {
	resp, err := c.query(ctx, "transaction_volumes", &queryRequest{
		OrganizationID: org,
		ProjectID:      project,
		Start:          w.Start,
		End:            w.End,
		GroupBy:        "transaction",
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	series := &TransactionSeries{
		Classes:         make([]model.WeightedItem, 0, len(resp.Rows)),
		TotalNumClasses: resp.TotalNumClasses,
		Intervals:       resp.Intervals,
	}
	for _, row := range resp.Rows {
		series.Classes = append(series.Classes, model.WeightedItem{
			ID:    row.Key,
			Count: row.Count,
		})
	}
	return series, nil
}

func (c *Client) OrgDataVolumes(ctx context.Context, orgs []model.OrganizationID, w Window) ([]model.OrganizationDataVolume, error) {
	resp, err := c.query(ctx, "org_data_volumes", &queryRequest{
		OrganizationIDs: orgs,
		Start:           w.Start,
		End:             w.End,
		GroupBy:         "organization",
	})
	if err != nil {
		return nil, err
	}
	volumes := make([]model.OrganizationDataVolume, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		volumes = append(volumes, model.OrganizationDataVolume{
			OrganizationID: row.OrganizationID,
			Total:          row.Count,
			Indexed:        row.Indexed,
		})
	}
	return volumes, nil
}

// query runs the request with one retry on transient failures. An
// empty response body is a valid zero-volume result.
func (c *Client) query(ctx context.Context, kind string, req *queryRequest) (*queryResponse, error) {
	start := time.Now()
	outcome := "success"
	defer func() {
		c.metrics.requestDuration.WithLabelValues(kind, outcome).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(req)
	if err != nil {
		outcome = "encode_error"
		return nil, err
	}

	var lastErr error
	retry := backoff.New(ctx, c.config.Backoff)
	for retry.Ongoing() {
		resp, err := c.breaker.Execute(func() (*queryResponse, error) {
			return c.do(ctx, body)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, context.Canceled) {
			break
		}
		level.Warn(c.logger).Log("msg", "analytics query failed", "kind", kind, "attempt", retry.NumRetries(), "err", err)
		retry.Wait()
	}
	outcome = "error"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	return nil, errors.Wrapf(lastErr, "analytics query %s", kind)
}

func (c *Client) do(ctx context.Context, body []byte) (*queryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("analytics backend returned %s", httpResp.Status)
	}
	var resp queryResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return &queryResponse{}, nil
		}
		return nil, errors.Wrap(err, "decoding analytics response")
	}
	return &resp, nil
}

type clientMetrics struct {
	requestDuration *prometheus.HistogramVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dynamic_sampling_analytics_request_duration_seconds",
			Help:    "Duration of analytics backend queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requestDuration)
	}
	return m
}
