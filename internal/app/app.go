// Package app assembles the bot: config, logging, storage, the
// reminder scheduler, the feed poller, the tick driver and the
// Telegram surface, all run under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"assistbot/internal/bot"
	"assistbot/internal/config"
	"assistbot/internal/dedup"
	"assistbot/internal/driver"
	"assistbot/internal/eventbus"
	"assistbot/internal/feed"
	"assistbot/internal/files"
	"assistbot/internal/notifier"
	"assistbot/internal/poller"
	"assistbot/internal/reminder"
	rtsup "assistbot/internal/runtime/supervisor"
	"assistbot/internal/storage"
	kit "assistbot/internal/transport"
	telegram "assistbot/internal/transport/telegram/adapter"
	logx "assistbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	sched   *reminder.Scheduler
	notif   *notifier.Service
	drv     *driver.Driver
	bot     *bot.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogxConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	sched := reminder.New(store, reminder.WithLogger(logSvc.Logger().With(logx.String("comp", "reminder"))))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, logSvc.Logger().With(logx.String("comp", "notifier")), bus)

	fetchTimeout, err := config.ParseDurationOrDefault("poller.fetch_timeout", cfg.Poller.FetchTimeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	fetcher := feed.NewFetcher(fetchTimeout, cfg.Poller.UserAgent)
	index := dedup.NewIndex(store, cfg.Poller.SeenCap)

	deliverLog := logSvc.Logger().With(logx.String("comp", "delivery"))
	pol := poller.New(mapPollerConfig(cfg), store, fetcher, index,
		driver.FeedDelivery(store, notif, deliverLog),
		logSvc.Logger().With(logx.String("comp", "poller")))

	drv, err := driver.New(driver.Config{
		Tick:          cfg.Driver.Tick,
		Timezone:      cfg.Driver.Timezone,
		RemindersKeep: cfg.Reminders.Keep,
	}, sched, pol, store, notif, bus, logSvc.Logger().With(logx.String("comp", "driver")))
	if err != nil {
		return nil, err
	}

	fsvc, err := files.New(files.Config{
		Dir:       cfg.Files.Dir,
		MaxSizeMB: cfg.Files.MaxSizeMB,
	}, logSvc.Logger().With(logx.String("comp", "files")))
	if err != nil {
		return nil, err
	}

	botSvc := bot.New(bot.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs},
		ad, store, sched, fetcher, fsvc,
		logSvc.Logger().With(logx.String("comp", "bot")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		notif:   notif,
		drv:     drv,
		bot:     botSvc,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional hot reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	// Reload pending work before anything can create more of it.
	n, err := a.sched.Rebuild(a.sup.Context())
	if err != nil {
		return fmt.Errorf("rebuild reminders: %w", err)
	}
	a.log.Info("pending reminders rebuilt", logx.Int("count", n))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := any(a.adapter).(kit.CommandMenuUpdater); ok {
		menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		if err := mu.UpdateMenuCommands(menuCtx, a.bot.Commands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
		cancel()
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	a.sup.Go("driver.run", a.drv.Run)
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})

	// Debug visibility into component events (tick reports, deliveries).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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

// reloadLoop applies committed config updates. Logging, the owner allow
// list and the notifier reconfigure live; storage, driver, poller and
// files changes need a restart and are only logged.
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
			// Coalesce bursts: keep only the latest config.
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
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			for _, s := range sections {
				switch s {
				case "storage", "driver", "poller", "reminders", "files":
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(mapLogxConfig(newCfg))
			a.bot.SetOwners(newCfg.Telegram.OwnerUserIDs)

			prevEnabled := a.notif.Enabled()
			if ncfg, err := mapNotifierConfig(newCfg); err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
			} else {
				a.notif.Apply(ncfg)
				if prevEnabled && !ncfg.Enabled {
					a.log.Info("notifier disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.notif.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && ncfg.Enabled {
					a.log.Info("notifier enabled via config")
					a.notif.Start(ctx)
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so loops start unwinding immediately.
	a.sup.Cancel()

	// Bound every shutdown step so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Drain outbound messages before tearing transport down, then close
	// the store last so in-flight confirmations can still land.
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
