// Package app wires the engine together: config, logging, storage, the
// occurrence planner, the token lifecycle, the timer dispatcher, and the
// ringing session.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"chime/internal/config"
	"chime/internal/eventbus"
	"chime/internal/runtime/supervisor"
	"chime/internal/services/dispatch"
	"chime/internal/services/lifecycle"
	"chime/internal/services/planner"
	"chime/internal/services/ringer"
	"chime/internal/storage"
	"chime/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	plans *planner.Service
	life  *lifecycle.Service
	disp  *dispatch.Service
	ring  *ringer.Service

	cron *cron.Cron

	// trigger coalesces reschedule requests; the loop drains it.
	trigger chan struct{}
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

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", firstNonEmpty(sc.Driver, "memory")))

	plans := planner.New(planner.Config{LookaheadDays: cfg.Engine.LookaheadDays},
		store, log.With(logx.String("comp", "planner")))

	disp := dispatch.New(log)

	ring := ringer.New(ringer.Config{WakeBudget: cfg.WakeBudgetOrDefault()},
		ringer.LogResources{Log: log.With(logx.String("comp", "resources"))},
		ringer.LogSurface{Log: log.With(logx.String("comp", "surface"))},
		bus, log.With(logx.String("comp", "ringer")))

	life := lifecycle.New(lifecycle.Config{MaxScheduled: cfg.Engine.MaxScheduled},
		plans, store, disp, bus, log.With(logx.String("comp", "lifecycle")))
	life.SetFiredHandler(ring.HandleFired)

	disp.SetFireHandler(func(ctx context.Context, osID string) {
		if err := life.HandleFired(ctx, osID); err != nil {
			log.Warn("fired token handling failed", logx.String("os_id", osID), logx.Err(err))
		}
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		plans:   plans,
		life:    life,
		disp:    disp,
		ring:    ring,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
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

// Session exposes the ringing session for a host UI.
func (a *App) Session() *ringer.Service { return a.ring }

// TriggerReschedule requests a reschedule pass. Bursts are coalesced; the
// pass itself is serialized by the lifecycle service.
func (a *App) TriggerReschedule() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if spec := cfg.Engine.MaintenanceSpec; spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("engine.maintenance_spec: %w", err)
			}
		}
		return nil
	})

	a.disp.Start(a.sup.Context())

	// first reconciliation pass before any timers can fire
	if err := a.life.Reschedule(a.sup.Context()); err != nil {
		return fmt.Errorf("initial reschedule: %w", err)
	}

	cfg := a.cfgm.Get()

	// daily maintenance pass, shortly after midnight so the lookahead
	// window rolls forward even when nothing is edited
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cfg.MaintenanceSpecOrDefault(), a.TriggerReschedule); err != nil {
		return fmt.Errorf("engine.maintenance_spec: %w", err)
	}
	a.cron.Start()

	// reschedule trigger loop; bursts of edits collapse into one pass
	minInterval := cfg.RescheduleMinIntervalOrDefault()
	limiter := rate.NewLimiter(rate.Every(minInterval), 1)
	a.sup.Go("engine.reschedule", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case <-a.trigger:
			}
			if err := limiter.Wait(c); err != nil {
				return nil
			}
			// drain triggers that arrived while waiting
			select {
			case <-a.trigger:
			default:
			}
			if err := a.life.Reschedule(c); err != nil {
				a.log.Warn("reschedule pass failed", logx.Err(err))
			}
		}
	})

	// engine events at debug level for observability
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

	// hot reload config fan-out
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
				a.applyReload(newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	// A watcher failure must not take the engine down; alarms keep firing
	// on the last good config while the watch loop self-heals.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "session":
			a.log.Warn("session config changed; restart required for changes to take effect")
		case "engine":
			a.plans.Apply(planner.Config{LookaheadDays: cfg.Engine.LookaheadDays})
			a.life.Apply(lifecycle.Config{MaxScheduled: cfg.Engine.MaxScheduled})
			a.restartCron(cfg.MaintenanceSpecOrDefault())
			// Re-plan with the new window/cap right away.
			a.TriggerReschedule()
		}
	}
}

func (a *App) restartCron(spec string) {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(spec, a.TriggerReschedule); err != nil {
		a.log.Warn("invalid maintenance spec; daily pass disabled", logx.String("spec", spec), logx.Err(err))
		return
	}
	a.cron.Start()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		if a.cron != nil {
			select {
			case <-a.cron.Stop().Done():
			case <-c.Done():
				return c.Err()
			}
		}
		return nil
	})
	step("session", time.Second, func(context.Context) error { a.ring.Stop(); return nil })
	step("dispatch", time.Second, func(context.Context) error { a.disp.Stop(); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if n := a.sup.Active(); n > 0 {
			a.log.Warn("goroutines still running after stop", logx.Int64("count", n))
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
