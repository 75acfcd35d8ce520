// Package app wires the engine together: config, logging, storage, the
// Telegram adapter, executors, the runner and the router, with recovery of
// persisted schedules finishing before the first update is consumed.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickbot/internal/config"
	"tickbot/internal/executor"
	"tickbot/internal/router"
	"tickbot/internal/runner"
	"tickbot/internal/storage"
	kit "tickbot/internal/transport"
	"tickbot/internal/transport/telegram"
	"tickbot/internal/wizard"
	logx "tickbot/pkg/logx"
)

const updateBuffer = 256

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	adapter *telegram.Adapter
	run     *runner.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads the config and brings up logging. Everything else happens in
// Start so a failed boot leaves nothing half-running.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	store, err := openStorage(cfg, a.log)
	if err != nil {
		cancel()
		return err
	}
	a.store = store

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		cancel()
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		cancel()
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	dispatcher, payments, err := buildExecutors(cfg, adapter, a.log)
	if err != nil {
		cancel()
		return err
	}

	runnerCfg, err := runnerConfig(cfg.Scheduler)
	if err != nil {
		cancel()
		return err
	}
	a.run = runner.New(runnerCfg, store.Schedules(), dispatcher, a.log.With(logx.String("comp", "runner")))

	wiz := wizard.New(
		store.Schedules(), store.Wizards(), a.run, adapter,
		payments, payments,
		a.log.With(logx.String("comp", "wizard")),
	)
	rt := router.New(adapter, store.Schedules(), wiz, a.run, a.log.With(logx.String("comp", "router")))

	// Recover persisted schedules before any update can touch them.
	if err := a.run.Bootstrap(runCtx); err != nil {
		cancel()
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := a.run.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start runner: %w", err)
	}

	updates := make(chan kit.Update, updateBuffer)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case up, ok := <-updates:
				if !ok {
					return
				}
				rt.Dispatch(runCtx, up)
			}
		}
	}()

	if err := adapter.Start(runCtx, updates); err != nil {
		cancel()
		return fmt.Errorf("start telegram: %w", err)
	}
	if err := adapter.UpdateMenuCommands(runCtx, router.Commands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}

	// Config hot-reload: logging changes apply live, the rest needs a restart.
	sub := a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				a.cfgMgr.Unsubscribe(sub)
				return
			case fresh, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(loggingConfig(fresh))
				a.log.Info("logging config applied")
			}
		}
	}()

	a.log.Info("engine started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	if a.run != nil {
		if err := a.run.Stop(ctx); err != nil {
			a.log.Warn("runner stop incomplete", logx.Err(err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out waiting for workers")
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("engine stopped")
	_ = a.logSvc.Close()
	return nil
}

func openStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

func buildExecutors(cfg *config.Config, sender kit.Adapter, log logx.Logger) (*executor.Dispatcher, *executor.PaymentsClient, error) {
	aiTimeout, err := config.ParseDurationOrDefault("ai.timeout", cfg.AI.Timeout, 2*time.Minute)
	if err != nil {
		return nil, nil, err
	}
	ai, err := executor.NewAIClient(executor.AIConfig{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		Timeout: aiTimeout,
	}, log.With(logx.String("comp", "ai")))
	if err != nil {
		return nil, nil, fmt.Errorf("ai client: %w", err)
	}

	payTimeout, err := config.ParseDurationOrDefault("payments.timeout", cfg.Payments.Timeout, 30*time.Second)
	if err != nil {
		return nil, nil, err
	}
	payments, err := executor.NewPaymentsClient(executor.PaymentsConfig{
		BaseURL: cfg.Payments.BaseURL,
		APIKey:  cfg.Payments.APIKey,
		Timeout: payTimeout,
	}, log.With(logx.String("comp", "payments")))
	if err != nil {
		return nil, nil, fmt.Errorf("payments client: %w", err)
	}

	return executor.NewDispatcher(ai, payments, sender, log.With(logx.String("comp", "exec"))), payments, nil
}

func runnerConfig(sc config.SchedulerConfig) (runner.Config, error) {
	lease, err := config.ParseDurationOrDefault("scheduler.lock_lease", sc.LockLease, 2*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	sweep, err := config.ParseDurationOrDefault("scheduler.sweep_interval", sc.SweepInterval, time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	jitter, err := config.ParseDurationOrDefault("scheduler.bootstrap_jitter", sc.BootstrapJitter, 15*time.Second)
	if err != nil {
		return runner.Config{}, err
	}
	execTimeout, err := config.ParseDurationOrDefault("scheduler.execution_timeout", sc.ExecutionTimeout, 5*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		LockLease:        lease,
		SweepInterval:    sweep,
		ExecutionTimeout: execTimeout,
		BootstrapRate:    sc.BootstrapRate,
		BootstrapJitter:  jitter,
	}, nil
}
