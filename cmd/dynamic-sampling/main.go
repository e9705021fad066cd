// Command dynamic-sampling runs the adaptive sampling rate engine: a
// periodic job that derives per-organization sample rates from observed
// volume and publishes rebalanced sampling rules for the ingestion
// proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/yaml.v3"

	"github.com/getsentry/sentry-sub078/pkg/sampling/kv"
	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
	"github.com/getsentry/sentry-sub078/pkg/sampling/options"
	"github.com/getsentry/sentry-sub078/pkg/sampling/orchestrator"
	"github.com/getsentry/sentry-sub078/pkg/sampling/quota"
	"github.com/getsentry/sentry-sub078/pkg/sampling/rebalancing"
	"github.com/getsentry/sentry-sub078/pkg/sampling/recalibration"
	"github.com/getsentry/sentry-sub078/pkg/sampling/relay"
	"github.com/getsentry/sentry-sub078/pkg/sampling/rules"
	"github.com/getsentry/sentry-sub078/pkg/sampling/slidingwindow"
	"github.com/getsentry/sentry-sub078/pkg/sampling/volume"
)

type Config struct {
	LogLevel          string `yaml:"log_level"`
	HTTPListenAddress string `yaml:"http_listen_address"`

	Cache                  kv.Config            `yaml:"cache"`
	SlidingWindow          slidingwindow.Config `yaml:"sliding_window"`
	ProjectRebalancing     rebalancing.Config   `yaml:"project_rebalancing"`
	TransactionRebalancing rebalancing.Config   `yaml:"transaction_rebalancing"`
	Recalibration          recalibration.Config `yaml:"recalibration"`
	Analytics              volume.ClientConfig  `yaml:"analytics"`
	Quota                  quota.Config         `yaml:"quota"`
	Options                options.Config       `yaml:"options"`
	Relay                  relay.Config         `yaml:"relay"`
	Orchestrator           orchestrator.Config  `yaml:"orchestrator"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", ":8080", "Address for the metrics and readiness endpoints.")
	cfg.Cache.RegisterFlags(f)
	cfg.SlidingWindow.RegisterFlags(f)
	cfg.ProjectRebalancing.RegisterFlagsWithPrefix("rebalancing.projects.", f)
	cfg.TransactionRebalancing.RegisterFlagsWithPrefix("rebalancing.transactions.", f)
	cfg.Recalibration.RegisterFlags(f)
	cfg.Analytics.RegisterFlags(f)
	cfg.Quota.RegisterFlags(f)
	cfg.Options.RegisterFlags(f)
	cfg.Relay.RegisterFlags(f)
	cfg.Orchestrator.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if err := cfg.ProjectRebalancing.Validate(); err != nil {
		return errors.Wrap(err, "project rebalancing")
	}
	if err := cfg.TransactionRebalancing.Validate(); err != nil {
		return errors.Wrap(err, "transaction rebalancing")
	}
	return cfg.Orchestrator.Validate()
}

// loadConfig parses flags twice: the first pass discovers the config
// file, the second reapplies command line flags on top of the file
// values so that flags always win.
func loadConfig(args []string) (*Config, error) {
	var configFile string
	fs := flag.NewFlagSet("dynamic-sampling", flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "Yaml configuration file to load.")
	cfg := &Config{}
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	if err := run(logger, cfg); err != nil {
		level.Error(logger).Log("msg", "dynamic sampling engine failed", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, cfg *Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := kv.NewBadgerStore(log.With(logger, "component", "cache"), cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			level.Error(logger).Log("msg", "closing cache store", "err", err)
		}
	}()

	calc, err := slidingwindow.New(cfg.SlidingWindow, store, nil)
	if err != nil {
		return err
	}
	opts, err := options.NewFileStore(cfg.Options, reg)
	if err != nil {
		return errors.Wrap(err, "loading feature flags")
	}

	orch, err := orchestrator.New(log.With(logger, "component", "orchestrator"), reg, cfg.Orchestrator, orchestrator.Dependencies{
		Store:        store,
		Volume:       volume.NewClient(log.With(logger, "component", "analytics"), cfg.Analytics, reg),
		Quota:        quota.New(cfg.Quota),
		Options:      opts,
		Notifier:     relay.NewNotifier(log.With(logger, "component", "relay"), cfg.Relay, reg),
		Windows:      calc,
		Recal:        recalibration.New(cfg.Recalibration),
		Projects:     rebalancing.NewProjectModel(cfg.ProjectRebalancing),
		Transactions: rebalancing.NewTransactionModel(cfg.TransactionRebalancing),
	})
	if err != nil {
		return err
	}

	svc := orch.Service()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if svc.State() != services.Running {
			http.Error(w, svc.State().String(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ready", http.StatusOK)
	})
	mux.HandleFunc("/debug/rules", debugRulesHandler(store))
	srv := &http.Server{Addr: cfg.HTTPListenAddress, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "http server failed", "err", err)
		}
	}()
	defer func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			level.Error(logger).Log("msg", "http server shutdown", "err", err)
		}
	}()

	if err := services.StartAndAwaitRunning(context.Background(), svc); err != nil {
		return errors.Wrap(err, "starting orchestrator")
	}
	level.Info(logger).Log("msg", "dynamic sampling engine started",
		"interval", cfg.Orchestrator.Interval,
		"listen", cfg.HTTPListenAddress,
	)

	handler := signals.NewHandler(logger)
	handler.Loop()

	return services.StopAndAwaitTerminated(context.Background(), svc)
}

// debugRulesHandler exposes the currently published rule set of a
// project for operators, e.g. /debug/rules?org=1&project=2.
func debugRulesHandler(store kv.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org, err := strconv.ParseInt(r.URL.Query().Get("org"), 10, 64)
		if err != nil {
			http.Error(w, "invalid org", http.StatusBadRequest)
			return
		}
		key := kv.OrgKey(kv.KindRules, model.OrganizationID(org))
		if project, err := strconv.ParseInt(r.URL.Query().Get("project"), 10, 64); err == nil && project != 0 {
			key = kv.ProjectKey(kv.KindRules, model.OrganizationID(org), model.ProjectID(project))
		}
		raw, ok, err := store.Get(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no rules published", http.StatusNotFound)
			return
		}
		if _, err := rules.UnmarshalRuleSet(raw); err != nil {
			http.Error(w, "stored rules are corrupt", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}
}
