package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/api"
	"marketsync/internal/market"
	"marketsync/internal/scheduler"
	"marketsync/internal/service"
	"marketsync/internal/version"
	"marketsync/internal/webhook"
)

// Run executes the periodic sync loop until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.withEngine(ctx, func(eng *engine) error {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting sync loop")
		err := a.newScheduler().Run(ctx, a.tick(eng.service))
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("sync loop terminated with error")
			return err
		}
		a.Logger.Info().Msg("sync loop stopped")
		return nil
	})
}

// Serve runs the HTTP surface and the sync loop under one supervisor.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.withEngine(ctx, func(eng *engine) error {
		server := &http.Server{
			Addr:         a.Config.HTTP.Addr,
			Handler:      a.newAPI(eng).Router(),
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		}

		sup := newSupervisor(a.Logger, a.Config.HTTP.ShutdownTimeout)
		sup.Add(&httpService{server: server, shutdownTimeout: a.Config.HTTP.ShutdownTimeout})
		sup.Add(&loopService{sched: a.newScheduler(), tick: a.tick(eng.service)})

		a.Logger.Info().Str("addr", server.Addr).Str("version", version.Version).Msg("serving")
		err := sup.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		a.Logger.Info().Msg("server stopped")
		return nil
	})
}

// SyncOnce performs a single run and prints its report.
func (a *App) SyncOnce(ctx context.Context, opts SyncOptions) error {
	return a.withEngine(ctx, func(eng *engine) error {
		ctx, cancel := a.runContext(ctx)
		defer cancel()

		report, err := eng.service.RunOnce(ctx, service.RunOptions{
			BatchSize: a.Config.ResolveBatchSize(opts.BatchSize),
			DryRun:    opts.DryRun,
		})
		if errors.Is(err, service.ErrRunInProgress) {
			return err
		}
		printReport(a.out(), report)
		return err
	})
}

func (a *App) newAPI(eng *engine) *api.Server {
	secrets := make(map[market.Provider]string)
	for _, p := range market.KnownProviders() {
		if s := a.Config.WebhookSecret(p); s != "" {
			secrets[p] = s
		}
	}
	processor := webhook.NewProcessor(eng.repo, a.Logger)
	return api.NewServer(api.Options{
		TriggerSecret:     a.Config.HTTP.TriggerSecret,
		TriggerRateLimit:  a.Config.HTTP.TriggerRateLimit,
		TriggerRateWindow: a.Config.HTTP.TriggerRateWindow,
		WebhookSecrets:    secrets,
		MaxBodyBytes:      a.Config.Webhooks.MaxBodyBytes,
		Currency:          a.Config.Pricing.Currency,
		RunTimeout:        a.Config.Scheduler.RunTimeout,
	}, eng.service, processor, processor, eng.cache, a.Logger)
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		RunOnStart:    true,
	}, a.Logger)
}

func (a *App) tick(svc *service.Service) scheduler.TickFunc {
	return func(ctx context.Context, at time.Time) error {
		ctx, cancel := a.runContext(ctx)
		defer cancel()

		_, err := svc.RunOnce(ctx, service.RunOptions{})
		if errors.Is(err, service.ErrRunInProgress) {
			a.Logger.Info().Time("tick", at).Msg("previous run still active; tick skipped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("run at %s: %w", at.Format(time.RFC3339), err)
		}
		return nil
	}
}

func (a *App) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Config.Scheduler.RunTimeout > 0 {
		return context.WithTimeout(ctx, a.Config.Scheduler.RunTimeout)
	}
	return context.WithCancel(ctx)
}
