// Package app wires the relay components together and runs them.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pushrelay/internal/collab/audit"
	"pushrelay/internal/collab/auth"
	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/config"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/eventbus"
	"pushrelay/internal/gateway"
	"pushrelay/internal/httpapi"
	"pushrelay/internal/ingest"
	"pushrelay/internal/jobs"
	"pushrelay/internal/query"
	"pushrelay/internal/retry"
	"pushrelay/internal/runtime/supervisor"
	"pushrelay/internal/storage"
	"pushrelay/internal/stream"
	logx "pushrelay/pkg/logx"
	"pushrelay/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	limiter ratelimit.Limiter
	audit   *audit.Log

	dispatcher *dispatch.Dispatcher
	ingest     *ingest.Service
	query      *query.Layer
	stream     *stream.Server
	retry      *retry.Scheduler
	jobs       *jobs.Service
	http       *httpapi.Server
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.logging())
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	sc := s.storage()
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	// The gateway outlives this call; give it a background context.
	gw, err := gateway.New(context.Background(), s.gateway(), log)
	if err != nil {
		return fail(fmt.Errorf("gateway: %w", err))
	}
	a.log.Info("gateway ready", logx.String("driver", gw.Name()))

	a.limiter, err = ratelimit.New(context.Background(), s.rateLimit(), log.With(logx.String("comp", "ratelimit")))
	if err != nil {
		return fail(fmt.Errorf("ratelimit: %w", err))
	}

	a.audit = audit.New(a.store, s.auditQueue(), log.With(logx.String("comp", "audit")))
	a.dispatcher = dispatch.New(s.dispatch(), gw, a.store, a.bus, log.With(logx.String("comp", "dispatch")))
	a.ingest = ingest.NewService(s.ingest(), ingest.Deps{
		Guard:      ingest.NewGuard(a.store, s.d.IdempotencyTTL, log.With(logx.String("comp", "guard"))),
		Channels:   a.store,
		Dispatcher: a.dispatcher,
		Limiter:    a.limiter,
		Audit:      a.audit,
		Bus:        a.bus,
		Log:        log.With(logx.String("comp", "ingest")),
	})
	a.query = query.New(a.store)
	a.stream = stream.NewServer(s.stream(), a.query, a.bus, log.With(logx.String("comp", "stream")))
	a.retry = retry.New(s.retry(), a.store, a.dispatcher, log.With(logx.String("comp", "retry")))

	a.jobs = jobs.New(s.jobs(), log.With(logx.String("comp", "jobs")))
	if err := jobs.RegisterRelay(a.jobs, s.schedules(), a.retry, a.store, log.With(logx.String("comp", "jobs"))); err != nil {
		return fail(err)
	}

	a.http = httpapi.New(s.http(), httpapi.Deps{
		Ingest: a.ingest,
		Query:  a.query,
		Stream: a.stream,
		Store:  a.store,
		Auth:   auth.NewStoreValidator(a.store),
		Log:    log.With(logx.String("comp", "http")),
	})
	return a, nil
}

func (a *App) Log() logx.Logger             { return a.log }
func (a *App) Store() storage.Store         { return a.store }
func (a *App) Retry() *retry.Scheduler      { return a.retry }
func (a *App) Jobs() *jobs.Service          { return a.jobs }
func (a *App) Ingest() *ingest.Service      { return a.ingest }
func (a *App) HTTP() *httpapi.Server        { return a.http }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.audit.Start(a.sup.Context())
	a.jobs.Start(a.sup.Context())

	a.sup.Go("http", a.http.ListenAndServe)

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, func(hc context.Context) bool { return a.store.Ping(hc) == nil })
	})
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// applyConfig pushes the live sections of newCfg into running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	s, err := resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if ch.Has("logging") {
		a.logs.Apply(s.logging())
	}
	if ch.Has("dispatch") {
		a.dispatcher.Apply(s.dispatch())
	}
	if ch.Has("retry") {
		a.retry.Apply(s.retry())
	}
	if ch.Has("ratelimit") {
		a.ingest.Apply(s.ingest())
	}
	if ch.Has("stream") {
		a.stream.Apply(s.stream())
	}
	if ch.Has("jobs") {
		a.jobs.Apply(s.jobs())
		if err := jobs.RegisterRelay(a.jobs, s.schedules(), a.retry, a.store, a.log.With(logx.String("comp", "jobs"))); err != nil {
			a.log.Warn("job schedules not applied", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Open streams get a close event before the listener goes away.
	a.stream.Shutdown()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.step(ctx, name, max, fn)
	}

	step("http", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("jobs", 3*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("audit", 2*time.Second, func(c context.Context) error { a.audit.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStorage() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.String("err", stepCtx.Err().Error()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Leak logging: observe when/if the step eventually finishes.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

func (a *App) closeStorage() error {
	if c, ok := a.limiter.(io.Closer); ok {
		_ = c.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// Close releases resources of an app that was built but never started.
// One-shot CLI commands use it.
func (a *App) Close() {
	_ = a.closeStorage()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
