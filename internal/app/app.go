// Package app wires the components into a running process and owns
// startup, hot reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"earnbot/internal/bot"
	"earnbot/internal/config"
	"earnbot/internal/dispatch"
	"earnbot/internal/eligibility"
	"earnbot/internal/lease"
	"earnbot/internal/notifier"
	"earnbot/internal/opsserver"
	rtsup "earnbot/internal/runtime/supervisor"
	"earnbot/internal/source"
	"earnbot/internal/storage"
	"earnbot/internal/transport"
	telegram "earnbot/internal/transport/telegram/adapter"
	logx "earnbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	catalog source.Catalog
	pg      *source.Postgres // nil when running on the in-memory catalog
	redis   *lease.Redis

	adapter *telegram.Adapter
	notif   *notifier.Service
	router  *bot.Router
	window  *bot.Window
	ops     *opsserver.Server

	sup     *rtsup.Supervisor
	updates chan transport.Update
}

// New loads the configuration and builds every component. Nothing runs until
// Start. Connections opened here are closed again when New fails.
func New(ctx context.Context, cfgPath string, opts ...config.Option) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath, opts...)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, log := logx.New(mapLogConfig(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		updates: make(chan transport.Update, 256),
	}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logs.Close()
		}
	}()

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.adapter, err = telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	// Alerts go out through the adapter, which needed a logger first.
	logs.SetSender(a.adapter)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	var external eligibility.ExternalChecker
	if strings.TrimSpace(cfg.Source.URL) != "" {
		srcCfg, err := mapSourceConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.pg, err = source.Open(ctx, srcCfg, log.With(logx.String("comp", "source")))
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		a.catalog = a.pg
		if cfg.Source.UseExternalEligibility() {
			external = a.pg
		}
	} else {
		a.log.Warn("EARN_DATABASE_URL not set; using an empty in-memory catalog")
		a.catalog = source.NewMemory(nil)
	}

	var locker lease.Locker
	if url := strings.TrimSpace(cfg.Lease.RedisURL); url != "" {
		a.redis, err = lease.NewRedis(ctx, url, cfg.Lease.Prefix, log.With(logx.String("comp", "lease")))
		if err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
		locker = a.redis
	}

	filter := eligibility.New(a.store, external, log.With(logx.String("comp", "eligibility")))

	dopts, err := mapDispatchOptions(cfg)
	if err != nil {
		return nil, err
	}
	sender := dispatch.NewSender(a.adapter, dopts, log.With(logx.String("comp", "dispatch")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif, err = notifier.New(ncfg, notifier.Deps{
		Catalog: a.catalog,
		Store:   a.store,
		Filter:  filter,
		Sender:  sender,
		Lease:   locker,
	}, log.With(logx.String("comp", "notifier")))
	if err != nil {
		return nil, err
	}

	a.window = bot.NewWindow(cfg.Bot.CommandsPerMinute, time.Minute, nil)
	bopts, err := mapBotOptions(cfg, a.window)
	if err != nil {
		return nil, err
	}
	a.router = bot.NewRouter(a.adapter, bopts, log)
	skills, _ := a.catalog.(source.SkillLister)
	cmds := bot.NewCommands(a.store, skills, a.notif, func() time.Duration {
		if c := a.cfgm.Get(); c != nil {
			return c.Notifier.Delay()
		}
		return 0
	})
	a.router.Register(cmds.List()...)

	checks := map[string]opsserver.Check{"storage": a.store.Ping}
	if a.pg != nil {
		checks["source"] = a.pg.Ping
	}
	a.ops = opsserver.New(mapOpsConfig(cfg), checks, log)

	return a, nil
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

// Err is the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateRuntime(cfg) })

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if err := a.notif.Start(run); err != nil {
		return err
	}
	a.ops.Start(run)

	a.sup.Go("bot.router", func(c context.Context) error { return a.router.Run(c, a.updates) })
	a.sup.Go0("bot.menu", a.router.PublishMenu)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("next_run", fmtTime(a.notif.NextRun())))
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable parts of cfg into running components.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.window.SetLimit(cfg.Bot.CommandsPerMinute)

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if err := a.notif.Apply(ncfg); err != nil {
		a.log.Warn("notifier reconfigure failed", logx.Err(err))
	}

	if err := a.ops.Reconfigure(ctx, mapOpsConfig(cfg)); err != nil {
		a.log.Warn("ops server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("notifier", 5*time.Second, a.notif.Stop)
	step("ops", 2*time.Second, a.ops.Stop)
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	a.closeResources()

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// closeResources releases connections opened by New.
func (a *App) closeResources() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}
