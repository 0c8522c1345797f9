package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"deckhand/internal/config"
	"deckhand/internal/diag"
	"deckhand/internal/eventbus"
	"deckhand/internal/launcher"
	"deckhand/internal/runtime/supervisor"
	"deckhand/internal/sched"
	"deckhand/internal/store"
	logx "deckhand/pkg/logx"
)

const (
	defaultSweepSpec   = "@every 1m"
	defaultCompactSpec = "30 3 * * *"
)

// App is the composition root: config, logging, store, launcher, and the
// scheduler core, plus the background loops that connect them.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  store.Store
	launch launcher.Launcher
	core   *sched.Core
	diag   *diag.Server

	cron *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	launchCfg, err := mapLauncherConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	proc, err := launcher.NewProc(launchCfg, log.With(logx.String("comp", "launcher")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	schedCfg, err := mapSchedConfig(cfg)
	if err != nil {
		_ = proc.Close()
		_ = st.Close()
		return nil, err
	}
	core := sched.New(schedCfg, st, proc, log.With(logx.String("comp", "sched")), bus)
	diagSrv := diag.New(mapDebugConfig(cfg), core.Snapshot, log.With(logx.String("comp", "diag")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		launch:  proc,
		core:    core,
		diag:    diagSrv,
	}, nil
}

func (a *App) Core() *sched.Core              { return a.core }
func (a *App) Bus() eventbus.Bus              { return a.bus }
func (a *App) ConfigManager() *config.Manager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapSchedConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLauncherConfig(cfg); err != nil {
			return err
		}
		return validateCronSpecs(cfg)
	})

	// Worker event pump: every launcher event goes through the core.
	events := a.launch.Events()
	a.sup.Go0("launcher.events", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.core.OnWorkerEvent(ev)
			}
		}
	})

	// Reconcile persisted state before accepting new work. A failure here is
	// not fatal: the periodic sweep retries recovery's cleanup work.
	rctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	if err := a.core.Recover(rctx); err != nil {
		a.log.Warn("startup recovery incomplete", logx.Err(err))
	}
	cancel()

	if err := a.startCron(a.cfgm.Get()); err != nil {
		return err
	}

	a.diag.Start(a.sup.Context())

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
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
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(mapLogConfig(newCfg))

				if schedCfg, err := mapSchedConfig(newCfg); err != nil {
					a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				} else {
					a.core.Apply(schedCfg)
				}

				for _, s := range sections {
					if s == "store" || s == "launcher" {
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
					}
					if s == "maintenance" {
						if err := a.restartCron(newCfg); err != nil {
							a.log.Warn("invalid maintenance config; keeping previous schedule", logx.Err(err))
						}
					}
					if s == "debug" {
						a.diag.Reconfigure(c, mapDebugConfig(newCfg))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func validateCronSpecs(cfg *config.Config) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for path, spec := range map[string]string{
		"maintenance.sweep_spec":   cfg.Maintenance.SweepSpec,
		"maintenance.compact_spec": cfg.Maintenance.CompactSpec,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (a *App) startCron(cfg *config.Config) error {
	sweepSpec, compactSpec := defaultSweepSpec, defaultCompactSpec
	if cfg != nil {
		if s := strings.TrimSpace(cfg.Maintenance.SweepSpec); s != "" {
			sweepSpec = s
		}
		if s := strings.TrimSpace(cfg.Maintenance.CompactSpec); s != "" {
			compactSpec = s
		}
	}

	cr := cron.New(cron.WithChain(
		cron.Recover(cronLogger{a.log.With(logx.String("comp", "cron"))}),
		cron.SkipIfStillRunning(cronLogger{a.log.With(logx.String("comp", "cron"))}),
	))
	if _, err := cr.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.core.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("maintenance.sweep_spec: %w", err)
	}
	if _, err := cr.AddFunc(compactSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := a.store.Compact(ctx); err != nil {
			a.log.Warn("store compaction failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance.compact_spec: %w", err)
	}
	cr.Start()
	a.cron = cr
	return nil
}

func (a *App) restartCron(cfg *config.Config) error {
	old := a.cron
	if err := a.startCron(cfg); err != nil {
		return err
	}
	if old != nil {
		<-old.Stop().Done()
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
		case <-c.Done():
			return c.Err()
		}
		return nil
	})

	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })

	// Core stops taking work; running workers stay alive and are re-adopted
	// on the next start.
	step("sched", 1*time.Second, func(context.Context) error { a.core.Close(); return nil })
	step("launcher", 2*time.Second, func(context.Context) error { return a.launch.Close() })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn(msg, logx.Err(err), logx.Any("kv", kv))
}
