// Package server provides the public entry point for initializing the MARS
// turn service.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/marsnext/mars/internal/api"
	"github.com/marsnext/mars/internal/api/handlers"
	"github.com/marsnext/mars/internal/api/middleware"
	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/internal/auth"
	"github.com/marsnext/mars/internal/config"
	"github.com/marsnext/mars/internal/executor"
	"github.com/marsnext/mars/internal/retention"
	modelrouter "github.com/marsnext/mars/internal/router"
	"github.com/marsnext/mars/internal/store"
	"github.com/marsnext/mars/internal/synthesis"
	"github.com/marsnext/mars/internal/telemetry"
	"github.com/marsnext/mars/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized MARS turn service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store selected by configuration.
	Store store.Store

	// Executor runs agent turns. Its usage writes are drained on Close.
	Executor *executor.Executor

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	shutdownTelemetry func(context.Context) error
	stopJanitor       context.CancelFunc
}

// New loads configuration and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("✅ Store initialized")

	mr := newModelRouter(cfg)
	log.Info().Strs("drivers", providerNames(mr.ListDrivers())).Msg("✅ Model Router initialized")

	keys := cfg.Keys()
	for _, p := range models.KnownProviders {
		if keys.APIKey(p) == "" {
			log.Debug().Str("provider", string(p)).Msg("No API key configured")
		}
	}

	metrics := telemetry.DefaultMetrics()
	classifier := apierror.NewClassifier(apierror.NewRateLimitCache())
	exec := executor.New(mr, classifier, keys, dataStore,
		executor.WithMaxRetries(cfg.Executor.MaxRetries),
		executor.WithContextBudget(cfg.Executor.ContextBudget),
		executor.WithMetrics(metrics),
	)
	batch := executor.NewBatchRunner(exec, cfg.Executor.MaxConcurrency)
	synth := synthesis.New(mr, keys, exec.Recorder(), metrics)
	log.Info().
		Int("max_retries", cfg.Executor.MaxRetries).
		Int("max_concurrency", batch.MaxConcurrency).
		Msg("✅ Executor initialized")

	sessions := auth.NewSessionProvider(cfg.Auth.SessionSecret)
	chain := auth.NewChainFromConfig(cfg.Auth, sessions)
	authMW := middleware.NewAuthMiddleware(chain, cfg.Auth.RequireAuth)

	h := handlers.New(dataStore, mr, exec, batch, synth, keys).
		WithSessions(sessions, cfg.Auth.SessionTTL)
	router := api.NewRouter(cfg, h, authMW)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		Executor:          exec,
		Config:            cfg,
		Port:              cfg.Port,
		shutdownTelemetry: shutdown,
		stopJanitor:       startJanitor(cfg.Retention, dataStore),
	}, nil
}

// Close stops the retention janitor, waits for pending usage writes, then
// closes the store and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	s.stopJanitor()
	s.Executor.Wait()
	return errors.Join(s.Store.Close(), s.shutdownTelemetry(ctx))
}

// startJanitor launches usage retention when a TTL is configured. The
// returned func stops it and waits for the current cycle to finish.
func startJanitor(cfg config.RetentionConfig, s store.UsageStore) context.CancelFunc {
	if cfg.UsageTTL <= 0 {
		return func() {}
	}
	var archiver retention.Archiver
	if cfg.ArchiveDir != "" {
		archiver = retention.NewLocalFileArchiver(cfg.ArchiveDir, cfg.Compress)
	}
	j := retention.NewJanitor(s, archiver, cfg.UsageTTL, cfg.Interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func newModelRouter(cfg *config.Config) *modelrouter.ModelRouter {
	opts := []modelrouter.Option{
		modelrouter.WithHTTPClient(&http.Client{Timeout: cfg.Executor.ProviderTimeout}),
	}
	for _, p := range models.KnownProviders {
		opts = append(opts, modelrouter.WithBaseURL(p, cfg.Provider(p).BaseURL))
	}
	return modelrouter.NewModelRouter(opts...)
}

func providerNames(ps []models.Provider) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return names
}
