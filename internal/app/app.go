// Package app assembles the daemon: configuration, logging, journal,
// transport, rotator, scheduler and the HTTP control surface, supervised as
// one unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	logx "repartibot/pkg/logx"

	"repartibot/internal/config"
	"repartibot/internal/dispatch"
	"repartibot/internal/httpapi"
	"repartibot/internal/journal"
	"repartibot/internal/metrics"
	"repartibot/internal/render"
	"repartibot/internal/rotator"
	"repartibot/internal/runtime/supervisor"
	"repartibot/internal/transport/wameow"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store journal.Store
	met   *metrics.Metrics
	reg   *prometheus.Registry

	disp *dispatch.Service
	rot  *rotator.Service
	http *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
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

	store, err := journal.Open(mapJournalConfig(cfg), log.With(logx.String("comp", "journal")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("journal enabled", logx.String("driver", cfg.Journal.Driver))
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	rotCfg, err := mapRotatorConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	identities, err := rotator.FromConfig(cfg.Identities)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	connector := wameow.NewConnector(log.With(logx.String("comp", "wameow")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		met:     met,
		reg:     reg,
	}

	renderer := render.NewPDF(cfg.Render.Issuer)
	a.disp = dispatch.New(dispCfg, log.With(logx.String("comp", "dispatch")), nil, renderer, store, met)
	a.rot = rotator.New(rotCfg, identities, connector, a.disp, log.With(logx.String("comp", "rotator")))
	a.rot.SetMetrics(met)
	a.disp.SetSessions(a.rot)
	a.http = httpapi.New(httpapi.Config{
		Addr:          cfg.HTTP.Addr,
		AuthToken:     cfg.HTTP.AuthToken,
		EnqueuePerSec: cfg.HTTP.EnqueuePerSec,
	}, a.disp, a.rot, reg, log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	a.disp.OnFatal(a.sup.Fail)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if a.store != nil {
		if err := a.disp.Restore(a.sup.Context()); err != nil {
			return fmt.Errorf("restore journal: %w", err)
		}
	}

	if err := a.rot.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("dispatch.loop", a.disp.Run)
	a.sup.Go("http.serve", func(context.Context) error {
		return a.http.Start()
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)

	// Best effort; a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// reloadLoop applies hot config changes: logging, pacing profile and the
// identity roster warning. Transport-level settings (journal driver, http
// addr) need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			sections, attrs := config.SummarizeConfigChange(last, cfg)
			last = cfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			if dispCfg, err := mapDispatchConfig(cfg); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			} else {
				a.disp.Apply(dispCfg)
			}

			for _, s := range sections {
				switch s {
				case "http", "journal", "rotator":
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// Done is closed when the supervisor context ends (fatal error or Stop).
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

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one stuck component cannot stall the rest.
	a.step(ctx, "http", 3*time.Second, a.http.Shutdown)
	a.step(ctx, "rotator", 3*time.Second, func(context.Context) error {
		a.rot.Stop()
		return nil
	})
	a.step(ctx, "supervisor", 4*time.Second, a.sup.Wait)
	if a.store != nil {
		a.step(ctx, "journal", time.Second, func(context.Context) error {
			return a.store.Close()
		})
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
	}
}
