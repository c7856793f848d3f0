// Package app wires the configuration, storage, caches and the sync
// pipeline into one runnable unit, and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedsync/internal/cache"
	"schedsync/internal/config"
	"schedsync/internal/eventbus"
	"schedsync/internal/fetch"
	"schedsync/internal/notify"
	"schedsync/internal/parse"
	"schedsync/internal/reconcile"
	"schedsync/internal/resolve"
	"schedsync/internal/runtime/supervisor"
	"schedsync/internal/schedule"
	"schedsync/internal/storage"
	"schedsync/internal/syncer"
	"schedsync/pkg/logx"
)

const (
	defaultSchedule        = "*/10 * * * *"
	defaultCleanupInterval = 10 * time.Minute
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	syncer *syncer.Service

	cronParser cron.Parser
	cronMu     sync.Mutex
	cron       *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return nil, err
	}
	fetcher, err := fetch.New(fetch.Config{
		BaseURL:    cfg.Source.BaseURL,
		Timeout:    timeout,
		RatePerSec: cfg.Source.RatePerSec,
		UserAgent:  cfg.Source.UserAgent,
	}, log.With(logx.String("comp", "fetch")))
	if err != nil {
		return nil, err
	}

	cleanup, err := config.ParseDurationOrDefault("cache.cleanup_interval", cfg.Cache.CleanupInterval, defaultCleanupInterval)
	if err != nil {
		return nil, err
	}
	dimTTL, err := config.ParseDurationOrDefault("cache.dimension_ttl", cfg.Cache.DimensionTTL, resolve.DefaultTTL)
	if err != nil {
		return nil, err
	}
	markTTL, err := config.ParseDurationOrDefault("cache.mark_ttl", cfg.Cache.MarkTTL, reconcile.MarkTTL)
	if err != nil {
		return nil, err
	}

	resolver := resolve.New(store, cache.NewMemory(dimTTL, cleanup),
		log.With(logx.String("comp", "resolve")), dimTTL)

	rec := reconcile.New(store, cache.NewMemory(markTTL, cleanup), resolver,
		log.With(logx.String("comp", "reconcile")))
	rec.SetMarkTTL(markTTL)

	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return nil, err
	}

	sync := syncer.New(syncer.Config{Workers: cfg.Sync.Workers},
		fetcher, parse.New(log.With(logx.String("comp", "parse"))), rec, store,
		notifier, bus, log.With(logx.String("comp", "syncer")))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		syncer:     sync,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}, nil
}

func buildNotifier(cfg *config.Config, log logx.Logger) (notify.Notifier, error) {
	if !cfg.Notify.Enabled || cfg.Notify.Telegram == nil {
		return notify.NewLog(log.With(logx.String("comp", "notify"))), nil
	}
	return notify.NewTelegram(notify.TelegramConfig{
		Token: cfg.Notify.Telegram.Token,
		Chats: cfg.Notify.Telegram.Chats,
	}, log.With(logx.String("comp", "notify")))
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()

	if err := a.seedGroups(a.sup.Context(), cfg); err != nil {
		return err
	}

	if cfg.Sync.Enabled {
		if err := a.startCron(cfg); err != nil {
			return err
		}
	} else {
		a.log.Warn("sync disabled; no cycles will run")
	}

	if cfg.Sync.Enabled && cfg.Sync.RunOnStart {
		a.sup.Go0("sync.initial", func(c context.Context) {
			a.runCycle(c)
		})
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) runCycle(ctx context.Context) {
	if _, err := a.syncer.Run(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("sync cycle failed", logx.Err(err))
	}
}

func (a *App) startCron(cfg *config.Config) error {
	spec := strings.TrimSpace(cfg.Sync.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}
	if _, err := a.cronParser.Parse(spec); err != nil {
		return fmt.Errorf("sync.schedule: invalid %q: %w", spec, err)
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Sync.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("sync.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}

	c := cron.New(cron.WithParser(a.cronParser), cron.WithLocation(loc))
	_, err := c.AddFunc(spec, func() {
		a.runCycle(a.sup.Context())
	})
	if err != nil {
		return err
	}
	c.Start()

	a.cronMu.Lock()
	a.cron = c
	a.cronMu.Unlock()

	a.log.Info("sync scheduled", logx.String("schedule", spec), logx.String("timezone", loc.String()))
	return nil
}

// stopCron halts scheduling and waits for an in-flight job to finish,
// up to the context deadline. The cron handle is touched only here and
// in startCron, both under cronMu, so the reload goroutine and Stop can
// race safely.
func (a *App) stopCron(ctx context.Context) {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()
	if c == nil {
		return
	}

	cronCtx := c.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		a.log.Warn("cron jobs still running past stop deadline")
	}
}

// seedGroups upserts the configured groups and deactivates tracked
// groups that were removed from the config.
func (a *App) seedGroups(ctx context.Context, cfg *config.Config) error {
	known, err := a.store.ActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("seed groups: %w", err)
	}
	wanted := map[string]bool{}

	for _, g := range cfg.Groups {
		wanted[g.Title] = true
		if _, err := a.store.UpsertGroup(ctx, schedule.Group{
			Title:  g.Title,
			Link:   g.Link,
			Active: true,
		}); err != nil {
			return fmt.Errorf("seed group %q: %w", g.Title, err)
		}
	}

	for _, g := range known {
		if wanted[g.Title] {
			continue
		}
		g.Active = false
		if _, err := a.store.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("retire group %q: %w", g.Title, err)
		}
		a.log.Info("group removed from tracking", logx.String("group", g.Title))
	}

	a.log.Info("groups seeded", logx.Int("count", len(cfg.Groups)))
	return nil
}

// reloadLoop applies hot config updates. Logging, the sync section
// (schedule and workers) and the group list apply live; source and
// storage changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest snapshot.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "groups":
					if err := a.seedGroups(ctx, newCfg); err != nil {
						a.log.Warn("group reseed failed", logx.Err(err))
					}
				case "sync":
					a.syncer.SetWorkers(newCfg.Sync.Workers)
					a.stopCron(ctx)
					if newCfg.Sync.Enabled {
						if err := a.startCron(newCfg); err != nil {
							a.log.Warn("sync reschedule failed", logx.Err(err))
						}
					} else {
						a.log.Info("sync disabled via config")
					}
				case "source", "storage", "cache", "notify":
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Stop scheduling first and let an in-flight cycle finish.
	a.stopCron(ctx)

	a.sup.Cancel()
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("background goroutines still running at shutdown deadline", logx.Err(err))
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
