package orchestrator

import "github.com/prometheus/client_golang/prometheus"

type orchestratorMetrics struct {
	cycleDuration  prometheus.Histogram
	cyclesSkipped  prometheus.Counter
	orgsProcessed  *prometheus.CounterVec
	projectsFailed prometheus.Counter
	rulesGenerated prometheus.Counter
	panicsTotal    prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *orchestratorMetrics {
	m := &orchestratorMetrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dynamic_sampling_cycle_duration_seconds",
			Help:    "Duration of full rebalancing cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_sampling_cycles_skipped_total",
			Help: "Cycles skipped because another run claimed the period.",
		}),
		orgsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_sampling_orgs_processed_total",
			Help: "Organizations processed per cycle, by outcome.",
		}, []string{"outcome"}),
		projectsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_sampling_project_failures_total",
			Help: "Projects skipped within otherwise successful organization runs.",
		}),
		rulesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_sampling_rules_generated_total",
			Help: "Sampling rules written to the cache.",
		}),
		panicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_sampling_panic_total",
			Help: "Panics recovered in per-organization work.",
		}),
	}
	if r != nil {
		r.MustRegister(
			m.cycleDuration,
			m.cyclesSkipped,
			m.orgsProcessed,
			m.projectsFailed,
			m.rulesGenerated,
			m.panicsTotal,
		)
	}
	return m
}
