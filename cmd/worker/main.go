package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"gymtrack/internal/app"
	"gymtrack/internal/config"
	"gymtrack/internal/logger"
	"gymtrack/internal/scheduler"
)

// Worker runs the monthly payment reset and the expiry sweep on their cron
// schedules, and keeps the stats cache in step with member events.
func main() {
	cfg, err := config.Load()
	log := logger.New(cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
	log.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg config.App, log zerolog.Logger) error {
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(loc, log)
	jobs := []scheduler.Job{
		{
			Name: "monthly-reset",
			Spec: cfg.Rules.ResetSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.Members.MonthlyReset(ctx)
				return err
			},
		},
		{
			Name: "expiry-sweep",
			Spec: cfg.Rules.ExpirySweepSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.Members.ExpireOverdue(ctx)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.RunInvalidator(ctx); err != nil {
			log.Error().Err(err).Msg("cache invalidator stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()
	log.Info().Msg("worker started")
	wg.Wait()
	return nil
}
