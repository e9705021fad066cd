// Package orchestrator runs the periodic rebalancing cycle. Each cycle
// enumerates organizations with recent volume, derives their target
// sample rates, recalibrates the feedback factor, rebalances projects
// and transactions, and publishes the resulting rule sets for the
// ingestion proxy to pull.
//
// The engine is stateless between cycles apart from the shared KV
// store: any replica can run any cycle, and a cycle-level marker
// claimed atomically keeps concurrent replicas from duplicating work.
package orchestrator

import (
	"bytes"
	"context"
	"flag"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sentry-sub078/pkg/sampling/kv"
	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
	"github.com/getsentry/sentry-sub078/pkg/sampling/options"
	"github.com/getsentry/sentry-sub078/pkg/sampling/quota"
	"github.com/getsentry/sentry-sub078/pkg/sampling/rebalancing"
	"github.com/getsentry/sentry-sub078/pkg/sampling/recalibration"
	"github.com/getsentry/sentry-sub078/pkg/sampling/relay"
	"github.com/getsentry/sentry-sub078/pkg/sampling/rules"
	"github.com/getsentry/sentry-sub078/pkg/sampling/slidingwindow"
	"github.com/getsentry/sentry-sub078/pkg/sampling/volume"
)

const flagPrefix = "orchestrator."

// cycleMarkerKey is claimed once per scheduling period across all
// replicas.
const cycleMarkerKey = "ds:cycle:executed"

// errSkipOrg marks organizations that are deliberately left untouched
// this cycle, as opposed to ones that failed.
var errSkipOrg = errors.New("organization skipped")

type Config struct {
	// Interval is the cycle scheduling period. It doubles as the TTL of
	// the cycle and window executed markers.
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	// OrgTimeout bounds the work done for a single organization so one
	// slow analytics query cannot stall the batch.
	OrgTimeout time.Duration `yaml:"org_timeout"`
	// MinOrgVolume is the activity threshold: organizations below it
	// are not worth rebalancing.
	MinOrgVolume uint64 `yaml:"min_org_volume"`
	// ActiveOrgWindow is the lookback used to find active organizations
	// and their per-project volumes.
	ActiveOrgWindow time.Duration `yaml:"active_org_window"`
	// RecalibrationWindow is the lookback for total vs. indexed counts.
	RecalibrationWindow time.Duration `yaml:"recalibration_window"`
	// MaxTransactions caps the explicitly enumerated transaction names
	// per project; the long tail is covered by the implicit rate.
	MaxTransactions int `yaml:"max_transactions"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Interval, flagPrefix+"interval", 10*time.Minute, "Rebalancing cycle interval.")
	f.IntVar(&cfg.Concurrency, flagPrefix+"concurrency", 8, "Organizations processed in parallel.")
	f.DurationVar(&cfg.OrgTimeout, flagPrefix+"org-timeout", time.Minute, "Time budget for a single organization.")
	f.Uint64Var(&cfg.MinOrgVolume, flagPrefix+"min-org-volume", 100, "Minimum event volume for an organization to be rebalanced.")
	f.DurationVar(&cfg.ActiveOrgWindow, flagPrefix+"active-org-window", time.Hour, "Lookback window for organization activity and project volumes.")
	f.DurationVar(&cfg.RecalibrationWindow, flagPrefix+"recalibration-window", time.Hour, "Lookback window for recalibration volumes.")
	f.IntVar(&cfg.MaxTransactions, flagPrefix+"max-transactions", 30, "Transaction names enumerated explicitly per project.")
}

func DefaultConfig() Config {
	var cfg Config
	var f flag.FlagSet
	cfg.RegisterFlags(&f)
	return cfg
}

func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if cfg.OrgTimeout <= 0 {
		return errors.New("org timeout must be positive")
	}
	if cfg.MaxTransactions <= 0 {
		return errors.New("max transactions must be positive")
	}
	return nil
}

// Dependencies are the collaborators of the cycle. All of them must be
// safe for concurrent use.
type Dependencies struct {
	Store        kv.Store
	Volume       volume.Fetcher
	Quota        quota.Service
	Options      options.Store
	Notifier     relay.ConfigNotifier
	Windows      *slidingwindow.Calculator
	Recal        *recalibration.Engine
	Projects     *rebalancing.Model
	Transactions *rebalancing.Model
}

type Orchestrator struct {
	config  Config
	logger  log.Logger
	metrics *orchestratorMetrics
	deps    Dependencies
	service services.Service
}

func New(logger log.Logger, reg prometheus.Registerer, config Config, deps Dependencies) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		config:  config,
		logger:  logger,
		metrics: newMetrics(reg),
		deps:    deps,
	}
	o.service = services.NewTimerService(config.Interval, nil, o.iteration, nil)
	return o, nil
}

// Service returns the periodic scheduling service. The caller owns its
// lifecycle.
func (o *Orchestrator) Service() services.Service { return o.service }

func (o *Orchestrator) iteration(ctx context.Context) error {
	if err := o.RunCycle(ctx); err != nil {
		// A failed cycle must not stop the service; the next period
		// starts from the shared store state anyway.
		level.Error(o.logger).Log("msg", "rebalancing cycle failed", "err", err)
	}
	return nil
}

// RunCycle executes one full rebalancing cycle. Organizations fail
// independently; the returned error aggregates their failures.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	runID := ulid.Make().String()

	claimed, err := o.deps.Store.SetIfAbsent(ctx, cycleMarkerKey, []byte(runID), o.config.Interval)
	if err != nil {
		return errors.Wrap(err, "claiming cycle marker")
	}
	if !claimed {
		o.metrics.cyclesSkipped.Inc()
		level.Info(o.logger).Log("msg", "cycle already claimed for this period, skipping", "run_id", runID)
		return nil
	}

	orgs, err := o.deps.Volume.ActiveOrganizations(ctx, volume.LastWindow(o.config.ActiveOrgWindow), o.config.MinOrgVolume)
	if err != nil {
		return errors.Wrap(err, "listing active organizations")
	}
	level.Info(o.logger).Log("msg", "starting rebalancing cycle", "run_id", runID, "orgs", len(orgs))

	var (
		mu        sync.Mutex
		errs      *multierror.Error
		processed atomic.Int64
	)
	g := &errgroup.Group{}
	g.SetLimit(o.config.Concurrency)
	for _, org := range orgs {
		org := org
		g.Go(func() error {
			switch err := o.processOrg(ctx, org); {
			case err == nil:
				o.metrics.orgsProcessed.WithLabelValues("success").Inc()
				processed.Inc()
			case errors.Is(err, errSkipOrg):
				o.metrics.orgsProcessed.WithLabelValues("skipped").Inc()
				level.Debug(o.logger).Log("msg", "organization skipped", "org", org, "reason", err)
			default:
				o.metrics.orgsProcessed.WithLabelValues("error").Inc()
				mu.Lock()
				errs = multierror.Append(errs, errors.Wrapf(err, "org %d", org))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	o.metrics.cycleDuration.Observe(elapsed.Seconds())
	level.Info(o.logger).Log("msg", "rebalancing cycle finished",
		"run_id", runID,
		"orgs", len(orgs),
		"processed", processed.Load(),
		"duration", elapsed,
	)
	return errs.ErrorOrNil()
}

// processOrg runs the full pipeline for one organization under its own
// time budget. A panic in any of the models is confined to the
// organization.
func (o *Orchestrator) processOrg(ctx context.Context, org model.OrganizationID) (err error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.OrgTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			o.metrics.panicsTotal.Inc()
			level.Error(o.logger).Log("msg", "recovered panic", "org", org, "panic", p, "stack", string(debug.Stack()))
			err = errors.Errorf("panic: %v", p)
		}
	}()

	rate, err := o.orgSampleRate(ctx, org)
	if err != nil {
		return err
	}

	orgRules := rules.RuleSet{}
	if factor, ok := o.recalibrate(ctx, org, rate); ok {
		orgRules = append(orgRules, rules.RecalibrationRule(factor))
	}

	series, factors, projectRules, err := o.rebalanceProjects(ctx, org, rate)
	if err != nil {
		return err
	}
	orgRules = append(orgRules, projectRules...)

	orgChanged, err := o.writeRules(ctx, kv.OrgKey(kv.KindRules, org), orgRules)
	if err != nil {
		return errors.Wrap(err, "storing organization rules")
	}

	var projectErrs *multierror.Error
	for _, p := range series.Projects {
		factor, ok := factors[p.Project]
		if !ok {
			factor = 1
		}
		if err := o.updateProject(ctx, org, p.Project, projectRate(rate, factor), orgChanged); err != nil {
			o.metrics.projectsFailed.Inc()
			level.Warn(o.logger).Log("msg", "project update failed", "org", org, "project", p.Project, "err", err)
			projectErrs = multierror.Append(projectErrs, errors.Wrapf(err, "project %d", p.Project))
		}
	}
	return projectErrs.ErrorOrNil()
}

// orgSampleRate resolves the organization's base sample rate. The
// happy path extrapolates the volume observed over the sliding window
// to a monthly equivalent and asks the quota subsystem for the
// matching tier; every degraded path falls back to the last stored
// rate, and an organization without any known rate is skipped.
func (o *Orchestrator) orgSampleRate(ctx context.Context, org model.OrganizationID) (float64, error) {
	if !o.deps.Options.FeatureEnabled(ctx, org, options.FeatureSlidingWindow) {
		return o.cachedRate(ctx, org)
	}

	window, err := o.deps.Windows.WindowSize(ctx, slidingwindow.Key{Org: org})
	if err != nil {
		if errors.Is(err, slidingwindow.ErrAlreadyExecuted) || errors.Is(err, slidingwindow.ErrCalculation) {
			return o.cachedRate(ctx, org)
		}
		return 0, errors.Wrap(err, "resolving window size")
	}

	observed, err := o.deps.Volume.OrgTotalVolume(ctx, org, volume.LastWindow(window))
	if err != nil {
		return 0, errors.Wrap(err, "fetching organization volume")
	}
	monthly, err := o.deps.Windows.ExtrapolateMonthlyVolume(observed, window)
	if err != nil {
		level.Warn(o.logger).Log("msg", "volume extrapolation failed, using cached rate", "org", org, "err", err)
		return o.cachedRate(ctx, org)
	}

	rate, applies, err := o.deps.Quota.TargetSampleRate(ctx, org, monthly)
	if err != nil {
		level.Warn(o.logger).Log("msg", "quota lookup failed, using cached rate", "org", org, "err", err)
		return o.cachedRate(ctx, org)
	}
	if !applies {
		return 0, errors.Wrap(errSkipOrg, "no sampling tier applies")
	}
	if err := o.deps.Windows.StoreSampleRate(ctx, org, rate); err != nil {
		// The rate is still usable this cycle.
		level.Warn(o.logger).Log("msg", "storing sample rate failed", "org", org, "err", err)
	}
	return rate, nil
}

func (o *Orchestrator) cachedRate(ctx context.Context, org model.OrganizationID) (float64, error) {
	rate, ok, err := o.deps.Windows.CachedSampleRate(ctx, org)
	if err != nil {
		return 0, errors.Wrap(err, "reading cached sample rate")
	}
	if !ok {
		return 0, errors.Wrap(errSkipOrg, "no sample rate available")
	}
	return rate, nil
}

// recalibrate corrects the organization factor based on the observed
// keep ratio of the last period. Failures keep the previous factor in
// effect; the boolean reports whether a rule should be emitted at all.
func (o *Orchestrator) recalibrate(ctx context.Context, org model.OrganizationID, target float64) (float64, bool) {
	if !o.deps.Options.FeatureEnabled(ctx, org, options.FeatureRecalibration) {
		return 0, false
	}

	previous := o.cachedRecalFactor(ctx, org)
	vols, err := o.deps.Volume.OrgDataVolumes(ctx, []model.OrganizationID{org}, volume.LastWindow(o.config.RecalibrationWindow))
	if err != nil {
		level.Warn(o.logger).Log("msg", "recalibration volumes unavailable, keeping previous factor", "org", org, "err", err)
		return previous, true
	}
	observed := model.OrganizationDataVolume{OrganizationID: org}
	for _, v := range vols {
		if v.OrganizationID == org {
			observed = v
			break
		}
	}

	next, err := o.deps.Recal.Recalibrate(previous, observed, target)
	if err != nil {
		if !errors.Is(err, recalibration.ErrNoVolume) {
			level.Warn(o.logger).Log("msg", "recalibration failed, keeping previous factor", "org", org, "err", err)
		}
		return previous, true
	}
	if err := o.deps.Store.Set(ctx, kv.OrgKey(kv.KindRecalibration, org),
		[]byte(strconv.FormatFloat(next, 'g', -1, 64)), 0); err != nil {
		level.Warn(o.logger).Log("msg", "storing recalibration factor failed", "org", org, "err", err)
	}
	return next, true
}

func (o *Orchestrator) cachedRecalFactor(ctx context.Context, org model.OrganizationID) float64 {
	raw, ok, err := o.deps.Store.Get(ctx, kv.OrgKey(kv.KindRecalibration, org))
	if err != nil || !ok {
		return 1
	}
	factor, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || factor <= 0 {
		level.Warn(o.logger).Log("msg", "corrupt recalibration factor, resetting", "org", org, "value", string(raw))
		return 1
	}
	return factor
}

// rebalanceProjects flattens volume skew across the organization's
// projects. It returns the observed series, the per-project factors
// folded into the effective project rates, and the corresponding
// organization-level rules.
func (o *Orchestrator) rebalanceProjects(ctx context.Context, org model.OrganizationID, rate float64) (*volume.ProjectSeries, map[model.ProjectID]float64, rules.RuleSet, error) {
	series, err := o.deps.Volume.ProjectVolumes(ctx, org, volume.LastWindow(o.config.ActiveOrgWindow))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "fetching project volumes")
	}
	factors := make(map[model.ProjectID]float64, len(series.Projects))
	if !o.deps.Options.FeatureEnabled(ctx, org, options.FeatureBoostProjects) {
		return series, factors, nil, nil
	}

	in := &model.RebalancingInput{
		Classes: lo.Map(series.Projects, func(p volume.ProjectVolume, _ int) model.WeightedItem {
			return model.WeightedItem{ID: strconv.FormatInt(int64(p.Project), 10), Count: p.Count}
		}),
		SampleRate: rate,
		Intervals:  series.Intervals,
	}
	result, err := o.deps.Projects.Rebalance(in)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "project rebalancing")
	}
	if result == nil {
		return series, factors, nil, nil
	}
	for _, item := range result.Items {
		id, err := strconv.ParseInt(item.ID, 10, 64)
		if err != nil {
			continue
		}
		factors[model.ProjectID(id)] = item.Factor
	}
	rs, err := rules.Generate(rules.BiasBoostLowVolumeProjects, result)
	if err != nil {
		return nil, nil, nil, err
	}
	return series, factors, rs, nil
}

// updateProject rebalances one project's transaction names and
// publishes its rule set. The proxy is only notified when the stored
// bytes actually changed, or when the organization-level rules did.
func (o *Orchestrator) updateProject(ctx context.Context, org model.OrganizationID, project model.ProjectID, rate float64, orgChanged bool) error {
	rs := rules.RuleSet{}
	if o.deps.Options.FeatureEnabled(ctx, org, options.FeatureBoostTransactions) {
		generated, err := o.transactionRules(ctx, org, project, rate)
		if err != nil {
			return err
		}
		rs = generated
	}
	if len(rs) == 0 {
		rs = rules.RuleSet{rules.UniformRule(rate)}
	}

	changed, err := o.writeRules(ctx, kv.ProjectKey(kv.KindRules, org, project), rs)
	if err != nil {
		return errors.Wrap(err, "storing project rules")
	}
	if changed || orgChanged {
		if err := o.deps.Notifier.InvalidateProjectConfig(ctx, org, project); err != nil {
			// The proxy picks up the new rules on its regular refresh.
			level.Warn(o.logger).Log("msg", "invalidation failed", "org", org, "project", project, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) transactionRules(ctx context.Context, org model.OrganizationID, project model.ProjectID, rate float64) (rules.RuleSet, error) {
	window, err := o.deps.Windows.WindowSize(ctx, slidingwindow.Key{Org: org, Project: project})
	if err != nil {
		if errors.Is(err, slidingwindow.ErrAlreadyExecuted) || errors.Is(err, slidingwindow.ErrCalculation) {
			// No trustworthy window this period; the uniform fallback
			// applies until the next cycle.
			return nil, nil
		}
		return nil, errors.Wrap(err, "resolving project window size")
	}

	series, err := o.deps.Volume.TransactionVolumes(ctx, org, project, volume.LastWindow(window), o.config.MaxTransactions)
	if err != nil {
		return nil, errors.Wrap(err, "fetching transaction volumes")
	}
	result, err := o.deps.Transactions.Rebalance(&model.RebalancingInput{
		Classes:         series.Classes,
		SampleRate:      rate,
		TotalNumClasses: series.TotalNumClasses,
		Intervals:       series.Intervals,
	})
	if err != nil {
		return nil, errors.Wrap(err, "transaction rebalancing")
	}
	return rules.Generate(rules.BiasBoostLowVolumeTransactions, result)
}

// writeRules persists the marshaled rule set and reports whether it
// differs from the previously stored bytes.
func (o *Orchestrator) writeRules(ctx context.Context, key string, rs rules.RuleSet) (bool, error) {
	raw, err := rs.Marshal()
	if err != nil {
		return false, err
	}
	prev, ok, err := o.deps.Store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && bytes.Equal(prev, raw) {
		return false, nil
	}
	if err := o.deps.Store.Set(ctx, key, raw, 0); err != nil {
		return false, err
	}
	o.metrics.rulesGenerated.Add(float64(len(rs)))
	return true, nil
}

// projectRate folds a rebalancing factor into the base rate, keeping
// the result a valid probability.
func projectRate(base, factor float64) float64 {
	rate := base * factor
	if rate > 1 {
		return 1
	}
	if rate <= 0 {
		return base
	}
	return rate
}
