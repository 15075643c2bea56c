// Package app wires configuration, logging, storage, notifications, the
// executor, and the scheduler into one runnable unit.
package app

import (
	"context"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"

	"maestro/internal/config"
	"maestro/internal/eventbus"
	"maestro/internal/executor"
	"maestro/internal/notify"
	"maestro/internal/runtime/supervisor"
	"maestro/internal/sched"
	"maestro/internal/storage"
	"maestro/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus       eventbus.Bus
	store     storage.Store
	notifySvc *notify.Service
	exec      *executor.Service
	scheduler *sched.Service
}

// New loads and validates the config and builds all services.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	})
	if err != nil {
		_ = logSvc.Close()
		return nil, errors.Wrap(err, "open storage")
	}

	bus := eventbus.New()
	notifySvc := notify.New(cfg.Notify, credsFromEnv(), log)
	exec := executor.New(executor.Settings{
		LogDir:          cfg.Scheduler.EffectiveLogDir(),
		RunLogRetention: cfg.Scheduler.EffectiveRunLogRetention(),
	}, store, bus, notifySvc, log)

	scheduler := sched.New(exec, notifySvc, bus, log)
	scheduler.Configure(cfg)

	return &App{
		cfgMgr:    mgr,
		logSvc:    logSvc,
		log:       log.With(logx.String("comp", "app")),
		bus:       bus,
		store:     store,
		notifySvc: notifySvc,
		exec:      exec,
		scheduler: scheduler,
	}, nil
}

// credsFromEnv reads webhook credentials from the environment (the dotenv
// file, if any, is loaded by main before we get here).
func credsFromEnv() notify.Credentials {
	return notify.Credentials{
		UID:   os.Getenv("WEBHOOK_UID"),
		Token: os.Getenv("WEBHOOK_TOKEN"),
	}
}

// Scheduler exposes the operator surface.
func (a *App) Scheduler() *sched.Service { return a.scheduler }

// Run starts everything and blocks until ctx is cancelled, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.notifySvc.Start(sup.Context())
	if err := a.scheduler.Start(sup.Context()); err != nil {
		return err
	}

	// Hot reload: committed config changes flow into logging and the
	// scheduler. Notification and storage settings need a restart.
	cfgCh := a.cfgMgr.Subscribe(1)
	sup.Go0("app.reload", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok || cfg == nil {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
	sup.GoRestart("app.config-watch", a.cfgMgr.Watch)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started", logx.String("config", a.cfgMgr.Path()))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.scheduler.Stop(stopCtx); err != nil {
		a.log.Warn("scheduler stop", logx.Err(err))
	}
	a.notifySvc.Stop(stopCtx)
	a.cfgMgr.Unsubscribe(cfgCh)
	_ = sup.Stop(stopCtx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	_ = a.logSvc.Close()
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.scheduler.Reload(cfg)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload})
}
