// Package app wires configuration into the services shared by the API and
// the worker.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gymtrack/internal/attendance"
	"gymtrack/internal/cache"
	"gymtrack/internal/config"
	"gymtrack/internal/httpapi"
	"gymtrack/internal/member"
	"gymtrack/internal/payment"
	"gymtrack/internal/queue"
	"gymtrack/internal/store"
)

// App holds the opened backends and the member service built on them.
type App struct {
	Config  config.App
	Log     zerolog.Logger
	Docs    *store.Documents
	Redis   *store.Redis
	Queue   queue.Queue
	Cache   *cache.Redis
	Members *member.Service
}

// Build opens the document store and, when needed, Redis.
//
// With QUEUE_BACKEND=redis, member events go to a Redis list consumed by
// the worker. With QUEUE_BACKEND=memory they stay in process and whoever
// calls RunInvalidator consumes them. A non-positive CACHE_TTL disables
// the stats cache and with it the event stream.
func Build(ctx context.Context, cfg config.App, log zerolog.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	denom, err := cfg.DenominatorPolicy()
	if err != nil {
		return nil, err
	}
	docs, err := store.OpenDocuments(ctx, cfg.StoreBackend, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Log: log, Docs: docs}

	opts := member.Options{
		Rules:       attendance.Rules{Blackouts: cfg.Rules.Blackouts},
		Denominator: denom,
		Expiry:      payment.ExpiryPolicy{Days: cfg.Rules.ExpiryDays},
		Reset:       cfg.Rules.Reset,
		Location:    loc,
		CacheTTL:    cfg.CacheTTL,
		Logger:      log,
	}

	if cfg.CacheTTL > 0 {
		a.Redis = store.NewRedis(cfg.RedisAddr)
		a.Cache = cache.New(a.Redis.Client, log)
		if cfg.QueueBackend == "memory" {
			a.Queue = queue.NewInMemory(256)
		} else {
			a.Queue = queue.NewRedisQueue(a.Redis.Client, queue.DefaultKey)
		}
		opts.Cache = a.Cache
		opts.Publisher = a.Queue
	} else {
		log.Info().Msg("stats cache disabled")
	}

	a.Members = member.NewService(member.NewRepository(docs), opts)
	return a, nil
}

// InProcessEvents reports whether events must be consumed by this process.
func (a *App) InProcessEvents() bool {
	_, ok := a.Queue.(*queue.InMemory)
	return ok
}

// RunInvalidator consumes member events and drops stale cached stats until
// ctx ends. It returns immediately when the cache is disabled.
func (a *App) RunInvalidator(ctx context.Context) error {
	if a.Cache == nil || a.Queue == nil {
		return nil
	}
	return cache.RunInvalidator(ctx, a.Queue, a.Cache, a.Log)
}

// HealthChecks lists the dependencies /healthz probes.
func (a *App) HealthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{"store": a.Docs.Ping}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Ping
	}
	return checks
}

// Close releases every backend.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("close redis")
		}
	}
	if err := a.Docs.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("close store")
	}
}
