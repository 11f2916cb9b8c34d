// Package server assembles the gatekeeper HTTP service from a validated
// configuration: state store, limiter, auth and routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"gatekeeper/internal/api"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/clock"
	"gatekeeper/internal/logger"
	"gatekeeper/internal/models"
	"gatekeeper/internal/observability"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/storage"
)

// Server is a fully wired service. Close releases the store and stops the
// sweeper.
type Server struct {
	Handler  http.Handler
	Store    storage.Store
	Limiter  ratelimit.Limiter
	Accounts *auth.Directory

	stopSweep context.CancelFunc
	sweepWG   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	clock clock.Clock
}

// Option customises New.
type Option func(*options)

// WithClock replaces the wall clock, for tests that move time by hand.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New builds the service described by cfg. cfg must already be validated.
func New(cfg *models.Config, opts ...Option) (*Server, error) {
	o := options{clock: clock.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	instrument := cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled

	rawStore, err := storage.NewFactory(o.clock).Create(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create %s store: %w", cfg.Storage.Type, err)
	}

	srv := &Server{Store: rawStore}
	fail := func(err error) (*Server, error) {
		rawStore.Close()
		return nil, err
	}

	if instrument {
		instrumented, err := observability.NewInstrumentedStore(rawStore, cfg.Storage.Type)
		if err != nil {
			return fail(fmt.Errorf("instrument store: %w", err))
		}
		srv.Store = instrumented
	}

	srv.Limiter = ratelimit.NewRateLimiter(srv.Store, ratelimit.WithClock(o.clock))
	if instrument {
		instrumented, err := observability.NewInstrumentedLimiter(srv.Limiter)
		if err != nil {
			return fail(fmt.Errorf("instrument limiter: %w", err))
		}
		srv.Limiter = instrumented
	}

	apiCfg := cfg.Limits.API
	tiers, err := ratelimit.NewTierResolver(apiCfg.Tiers, apiCfg.DefaultTier)
	if err != nil {
		return fail(err)
	}

	proxies, err := cfg.Security.ParseTrustedProxies()
	if err != nil {
		return fail(err)
	}
	identity := ratelimit.NewIdentityResolver(proxies)

	guard, err := auth.NewGuard(srv.Limiter, cfg.Limits.Login, cfg.Limits.Registration)
	if err != nil {
		return fail(err)
	}

	srv.Accounts = auth.NewDirectory()
	if err := srv.Accounts.Seed(cfg.Security.Accounts, tiers.DefaultTier()); err != nil {
		return fail(err)
	}
	service := auth.NewService(guard, srv.Accounts, tiers.DefaultTier(), cfg.Security.AllowRegistration)

	handlers := api.NewHandlers(api.HandlerConfig{
		Auth:               service,
		Limiter:            srv.Limiter,
		Tiers:              tiers,
		Identity:           identity,
		Store:              srv.Store,
		LoginPolicy:        cfg.Limits.Login,
		RegistrationPolicy: cfg.Limits.Registration,
	})

	var quota func(http.Handler) http.Handler
	if apiCfg.Enabled {
		quota = ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:  srv.Limiter,
			Tiers:    tiers,
			Identity: identity,
			FailOpen: apiCfg.FailOpen,
		})
	}

	var routeOpts []api.RouteOption
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if ol := cfg.Server.Overload; ol.Enabled {
		shed := ratelimit.NewOverloadGuard(ol.RequestsPerSecond, ol.Burst)
		routeOpts = append(routeOpts, api.WithOverloadGuard(shed.Middleware))
	}
	srv.Handler = api.SetupRoutes(handlers, quota, routeOpts...)

	if storage.NeedsSweeper(cfg.Storage.Type) {
		srv.startSweeper(cfg.Storage)
	}

	return srv, nil
}

func (s *Server) startSweeper(cfg models.StorageConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	log := logger.Component("sweeper").With("backend", cfg.Type)

	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		storage.RunSweeper(ctx, s.Store, cfg.SweepInterval, func(removed int, err error) {
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				log.Warn("Sweep failed", "error", err)
			case removed > 0:
				log.Debug("Evicted expired limiter state", "removed", removed)
			}
		})
	}()
	log.Info("Started expiry sweeper", "interval", cfg.SweepInterval)
}

// Close stops the sweeper and closes the store. It is safe to call twice.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.stopSweep != nil {
			s.stopSweep()
			s.sweepWG.Wait()
		}
		s.closeErr = s.Store.Close()
	})
	return s.closeErr
}
