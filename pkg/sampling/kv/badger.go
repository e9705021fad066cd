package kv

import (
	"context"
	"flag"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type Config struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	// GCInterval controls how often badger value log garbage
	// collection runs. Expired sampling state is small, so this can
	// be generous.
	GCInterval time.Duration `yaml:"gc_interval"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "cache."
	f.StringVar(&cfg.Path, prefix+"path", "./data/sampling-cache", "Directory for the cache store.")
	f.BoolVar(&cfg.InMemory, prefix+"in-memory", false, "Keep the cache in memory only. State is lost on restart.")
	f.DurationVar(&cfg.GCInterval, prefix+"gc-interval", 10*time.Minute, "Interval between value log garbage collection runs.")
}

// BadgerStore implements Store on top of a badger database. Entry
// expiration uses badger's native TTL support; SetIfAbsent runs in a
// single transaction, which makes the claim atomic across concurrent
// orchestrator runs sharing the store.
type BadgerStore struct {
	logger log.Logger
	db     *badger.DB
	stop   chan struct{}
	done   chan struct{}
}

func NewBadgerStore(logger log.Logger, cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithValueLogFileSize(64 << 20)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening cache store")
	}
	s := &BadgerStore{
		logger: logger,
		db:     db,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.gcLoop(cfg.GCInterval)
	return s, nil
}

func (s *BadgerStore) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	default:
		return nil, false, errors.Wrapf(err, "cache get %q", key)
	}
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, value, ttl))
	})
	return errors.Wrapf(err, "cache set %q", key)
}

func (s *BadgerStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var claimed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			claimed = true
			return txn.SetEntry(entry(key, value, ttl))
		default:
			return err
		}
	})
	if err != nil {
		return false, errors.Wrapf(err, "cache set-if-absent %q", key)
	}
	return claimed, nil
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func (s *BadgerStore) gcLoop(interval time.Duration) {
	defer close(s.done)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Badger asks to call this repeatedly while it makes progress.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						level.Debug(s.logger).Log("msg", "cache value log GC", "err", err)
					}
					break
				}
			}
		}
	}
}
