package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/leasesync/leasesync/internal/utils"
	"github.com/leasesync/leasesync/pkg/config"
	"github.com/leasesync/leasesync/pkg/fetch"
	"github.com/leasesync/leasesync/pkg/fetch/htmlfetch"
	"github.com/leasesync/leasesync/pkg/metrics"
	"github.com/leasesync/leasesync/pkg/runlock"
	"github.com/leasesync/leasesync/pkg/scheduler"
	"github.com/leasesync/leasesync/pkg/storage"
	"github.com/leasesync/leasesync/pkg/storage/postgres"
)

// app holds everything a sync needs, wired from config.
type app struct {
	cfg     *config.Config
	store   storage.Store
	sched   *scheduler.Scheduler
	metrics *metrics.Recorder
	closers []func() error
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// openStore picks the sqlite or postgres backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.DB.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.DB.DSN)
	default:
		path, err := utils.GetAbsDBPath(cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		utils.Log.Debugf("Using sqlite database %s", path)
		return storage.Open(path)
	}
}

func newLocker(cfg *config.Config) (runlock.Locker, func() error, error) {
	switch cfg.Lock.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		return runlock.NewRedis(rdb, "leasesync", cfg.Lock.TTL).WithLogger(utils.Log), rdb.Close, nil
	case "file":
		if cfg.DB.Driver == "postgres" {
			// A lock file only excludes processes on this host.
			utils.Log.Warn("File run lock with a postgres store only excludes local processes; consider lock.backend=redis")
		}
		path, err := utils.GetAbsDBPath(cfg.DB.Path)
		if err != nil {
			return nil, nil, err
		}
		l, err := runlock.NewFile(path)
		return l, nil, err
	}
	return nil, nil, nil
}

// newApp wires store, fetcher, pool and scheduler. reg may be nil when
// metrics are not exported.
func newApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("could not set up run lock: %w", err)
	}
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	fetcher, err := htmlfetch.New(htmlfetch.Options{
		UserAgent: cfg.Fetch.UserAgent,
		Proxy:     cfg.Fetch.Proxy,
		Timeout:   cfg.Sync.FetchTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	poolCfg := cfg.Sync.PoolConfig()
	poolCfg.Log = utils.Log
	schedCfg := scheduler.Config{
		Policy:           cfg.Sync.Policy(),
		CooldownInterval: cfg.Sync.CooldownInterval,
		Locker:           locker,
		Log:              utils.Log,
	}
	if reg != nil {
		a.metrics = metrics.New(reg)
		poolCfg.Observer = a.metrics
		schedCfg.Observer = a.metrics
	}

	pool := fetch.NewPool(fetcher, poolCfg)
	a.sched = scheduler.New(store, store, pool, schedCfg)
	return a, nil
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
