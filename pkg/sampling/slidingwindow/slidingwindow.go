// Package slidingwindow determines the observation window used to
// smooth volume estimates, and extrapolates short windows to a
// monthly-equivalent volume.
//
// Window sizes are expensive to derive (they depend on per-key volume
// history), so computed values go through two cache layers: a small
// in-process LRU and the shared KV store. A separate "executed" marker,
// claimed atomically, guarantees that the top-level computation for a
// key starts at most once per scheduling period, even across concurrent
// or retried orchestrator runs.
package slidingwindow

import (
	"context"
	"flag"
	"math"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/getsentry/sentry-sub078/pkg/sampling/kv"
	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

const flagPrefix = "sliding-window."

// MonthHours is the monthly-equivalent scale base: 30 days.
const MonthHours = 720

var (
	// ErrCalculation is the sentinel for inconsistent window inputs.
	// Callers must treat it as "use the previous cached rate", never
	// as a fatal condition.
	ErrCalculation = errors.New("sliding window calculation error")
	// ErrAlreadyExecuted indicates the computation for the key was
	// already started in this period by another run.
	ErrAlreadyExecuted = errors.New("sliding window already computed for this period")
)

type Config struct {
	// WindowSize is the default observation window.
	WindowSize time.Duration `yaml:"window_size"`
	// TTL bounds the lifetime of computed window sizes in the shared
	// store.
	TTL time.Duration `yaml:"ttl"`
	// ExecutedMarkerTTL is the run-once period. It should equal the
	// orchestrator scheduling interval.
	ExecutedMarkerTTL time.Duration `yaml:"executed_marker_ttl"`
	// LRUSize bounds the in-process memoization layer.
	LRUSize int `yaml:"lru_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.WindowSize, flagPrefix+"window-size", 24*time.Hour, "Default observation window for volume extrapolation.")
	f.DurationVar(&cfg.TTL, flagPrefix+"ttl", time.Hour, "Lifetime of computed window sizes in the cache.")
	f.DurationVar(&cfg.ExecutedMarkerTTL, flagPrefix+"executed-marker-ttl", 10*time.Minute, "Run-once period for window computations. Should match the scheduling interval.")
	f.IntVar(&cfg.LRUSize, flagPrefix+"lru-size", 8192, "Number of window sizes memoized in process.")
}

func DefaultConfig() Config {
	var cfg Config
	var f flag.FlagSet
	cfg.RegisterFlags(&f)
	return cfg
}

// Key identifies the scope of a window computation. A zero Project
// means organization scope.
type Key struct {
	Org     model.OrganizationID
	Project model.ProjectID
}

func (k Key) cacheKey(kind string) string {
	if k.Project == 0 {
		return kv.OrgKey(kind, k.Org)
	}
	return kv.ProjectKey(kind, k.Org, k.Project)
}

// SizeFunc derives the window size for a key from scratch.
type SizeFunc func(ctx context.Context, k Key) (time.Duration, error)

// Calculator is safe for concurrent use.
type Calculator struct {
	config Config
	store  kv.Store
	sizeFn SizeFunc
	local  *lru.Cache[Key, time.Duration]
	group  singleflight.Group
}

// New builds a calculator. sizeFn may be nil, in which case the
// configured default window size is used for every key.
func New(config Config, store kv.Store, sizeFn SizeFunc) (*Calculator, error) {
	if sizeFn == nil {
		sizeFn = func(context.Context, Key) (time.Duration, error) {
			return config.WindowSize, nil
		}
	}
	local, err := lru.New[Key, time.Duration](config.LRUSize)
	if err != nil {
		return nil, err
	}
	return &Calculator{
		config: config,
		store:  store,
		sizeFn: sizeFn,
		local:  local,
	}, nil
}

// WindowSize returns the observation window for the key.
//
// State machine per key: Uninitialized -> Computing -> Cached(ttl).
// While Cached and not expired the stored value is returned without
// invoking the size function; a fresh computation additionally has to
// claim the executed marker, so a retried or concurrent run cannot
// start it twice within one period.
func (c *Calculator) WindowSize(ctx context.Context, k Key) (time.Duration, error) {
	if size, ok := c.local.Get(k); ok {
		return size, nil
	}

	valueKey := k.cacheKey(kv.KindWindowSize)
	raw, ok, err := c.store.Get(ctx, valueKey)
	if err != nil {
		return 0, err
	}
	if ok {
		size, err := decodeDuration(raw)
		if err == nil {
			c.local.Add(k, size)
			return size, nil
		}
		// Corrupt cached value: fall through and recompute.
	}

	v, err, _ := c.group.Do(valueKey, func() (interface{}, error) {
		return c.compute(ctx, k, valueKey)
	})
	if err != nil {
		return 0, err
	}
	size := v.(time.Duration)
	c.local.Add(k, size)
	return size, nil
}

func (c *Calculator) compute(ctx context.Context, k Key, valueKey string) (time.Duration, error) {
	claimed, err := c.store.SetIfAbsent(
		ctx,
		k.cacheKey(kv.KindExecuted+":"+kv.KindWindowSize),
		[]byte(strconv.FormatInt(time.Now().UnixNano(), 10)),
		c.config.ExecutedMarkerTTL,
	)
	if err != nil {
		return 0, err
	}
	if !claimed {
		// Another run owns this period. Its value may not have landed
		// in the store yet; the caller falls back to cached state.
		return 0, ErrAlreadyExecuted
	}
	size, err := c.sizeFn(ctx, k)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, errors.Wrapf(ErrCalculation, "non-positive window %s", size)
	}
	if err := c.store.Set(ctx, valueKey, encodeDuration(size), c.config.TTL); err != nil {
		return 0, err
	}
	return size, nil
}

// ExtrapolateMonthlyVolume scales the volume observed over the window
// up to a monthly equivalent.
func (c *Calculator) ExtrapolateMonthlyVolume(observed uint64, window time.Duration) (uint64, error) {
	hours := window.Hours()
	if hours <= 0 {
		return 0, errors.Wrapf(ErrCalculation, "invalid window %s", window)
	}
	scaled := float64(observed) * (MonthHours / hours)
	if math.IsInf(scaled, 0) || scaled > math.MaxUint64 {
		return 0, errors.Wrap(ErrCalculation, "extrapolated volume overflows")
	}
	return uint64(scaled), nil
}

// CachedSampleRate returns the last sample rate stored for the org.
func (c *Calculator) CachedSampleRate(ctx context.Context, org model.OrganizationID) (float64, bool, error) {
	raw, ok, err := c.store.Get(ctx, kv.OrgKey(kv.KindSampleRate, org))
	if err != nil || !ok {
		return 0, false, err
	}
	rate, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || rate <= 0 || rate > 1 {
		// Corrupt cached rate is a data inconsistency: surface it so
		// the caller can skip the org and emit a metric.
		return 0, false, errors.Wrapf(ErrCalculation, "corrupt cached sample rate %q", raw)
	}
	return rate, true, nil
}

// StoreSampleRate persists the org sample rate for the next cycle.
// The value does not expire: a stale rate is preferable to none.
func (c *Calculator) StoreSampleRate(ctx context.Context, org model.OrganizationID, rate float64) error {
	return c.store.Set(ctx, kv.OrgKey(kv.KindSampleRate, org),
		[]byte(strconv.FormatFloat(rate, 'g', -1, 64)), 0)
}

func encodeDuration(d time.Duration) []byte {
	return []byte(strconv.FormatInt(int64(d), 10))
}

func decodeDuration(raw []byte) (time.Duration, error) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}
