// Package server provides the public entry point for initializing the
// PageForge agent engine.
//
// This package lives in pkg/ (not internal/) so an embedding application
// can compose the engine with its own middleware or extra processors.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/agents"
	"github.com/pageforge/pageforge/agent-engine/internal/api"
	"github.com/pageforge/pageforge/agent-engine/internal/api/handlers"
	"github.com/pageforge/pageforge/agent-engine/internal/approvals"
	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/cache"
	"github.com/pageforge/pageforge/agent-engine/internal/config"
	"github.com/pageforge/pageforge/agent-engine/internal/jobs"
	"github.com/pageforge/pageforge/agent-engine/internal/llm"
	"github.com/pageforge/pageforge/agent-engine/internal/orchestrator"
	"github.com/pageforge/pageforge/agent-engine/internal/retention"
	"github.com/pageforge/pageforge/agent-engine/internal/security"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/internal/telemetry"
	"github.com/pageforge/pageforge/agent-engine/internal/tools"
)

// Server holds the initialized agent engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store. Exposed so embedders can share it.
	Store store.Store

	// Bundles drives the agent lifecycle; embedders register custom agent
	// factories on it before calling Start.
	Bundles *agents.Manager

	// Jobs is the background job manager; embedders may register extra
	// processors.
	Jobs *jobs.Manager

	// Content is the content source the content tools read from.
	// Embedders replace the default in-memory source via Options.
	Content tools.ContentSource

	// Provider is the LLM provider client. Embedders hot-swap credentials
	// through Provider.Configure; the settings API does the same.
	Provider *llm.Client

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and waits for in-flight jobs. Call it
	// during graceful shutdown.
	ShutdownFunc func(context.Context) error

	janitor       *retention.Janitor
	priceFeedURL  string
	priceInterval time.Duration
}

// Options customizes construction for embedding applications.
type Options struct {
	// Content overrides the in-memory content source.
	Content tools.ContentSource
}

// New initializes the engine from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load(), Options{})
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	auditLog := audit.NewLogger(dataStore)
	scanner := security.NewScanner(cfg.Security, dataStore, auditLog)
	respCache := cache.New(cfg.Cache, dataStore)
	approvalSvc := approvals.NewService(dataStore)

	provider := llm.NewClient(llm.ProviderConfig{
		ID:       cfg.Provider.ID,
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		Endpoint: cfg.Provider.Endpoint,
	})
	if cfg.Provider.PriceFeedURL == "" {
		log.Debug().Msg("No price feed configured, using built-in model prices")
	}

	content := opts.Content
	if content == nil {
		content = tools.NewMemoryContentSource()
	}
	core := tools.NewCoreTools(cfg.Tools.RepoRoot, content, approvalSvc)
	executor := tools.NewExecutor(auditLog, core)

	registry := agents.NewRegistry()
	bundles := agents.NewManager(cfg.Agents.BundlesDir, cfg.Version, registry, dataStore)
	if _, err := bundles.Discover(ctx); err != nil {
		return nil, fmt.Errorf("discover bundles: %w", err)
	}
	bundles.LoadActive(ctx)

	engine := orchestrator.NewEngine(provider, scanner, respCache, registry, executor, auditLog, cfg.Agents.DefaultAgentID)

	jobManager := jobs.NewManager(dataStore, auditLog)
	jobManager.RegisterProcessor(jobs.NewChatProcessor(engine))

	janitor := retention.NewJanitor(
		dataStore,
		approvalSvc,
		retention.DefaultInterval,
		auditRetention(cfg),
		cfg.Jobs.TerminalRetention,
	)

	h := &handlers.Handlers{
		Engine:    engine,
		Jobs:      jobManager,
		Approvals: approvalSvc,
		Bundles:   bundles,
		Registry:  registry,
		Cache:     respCache,
		Audit:     auditLog,
		Store:     dataStore,
		Provider:  provider,
	}

	srv := &Server{
		Handler:       api.NewRouter(cfg, h),
		Store:         dataStore,
		Bundles:       bundles,
		Jobs:          jobManager,
		Content:       content,
		Provider:      provider,
		Port:          cfg.Port,
		janitor:       janitor,
		priceFeedURL:  cfg.Provider.PriceFeedURL,
		priceInterval: cfg.Provider.PriceRefreshInterval,
	}
	srv.ShutdownFunc = func(ctx context.Context) error {
		jobManager.Wait()
		if err := shutdownTelemetry(ctx); err != nil {
			return err
		}
		return dataStore.Close()
	}
	return srv, nil
}

// Start launches the retention janitor and, when a price feed is
// configured, the model price refresher. It returns immediately; both
// loops stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.janitor.Start(ctx)
	if s.priceFeedURL != "" {
		go s.refreshPrices(ctx)
	}
}

// refreshPrices fetches the price feed once at startup and then on the
// configured interval. A failed fetch keeps the current table.
func (s *Server) refreshPrices(ctx context.Context) {
	interval := s.priceInterval
	if interval < time.Minute {
		interval = 12 * time.Hour
	}

	refresh := func() {
		if err := s.Provider.Prices().Refresh(ctx, s.priceFeedURL); err != nil {
			log.Warn().Err(err).Msg("Price feed refresh failed")
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// openStore selects Postgres when a database URL is configured, otherwise
// the zero-config in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("Postgres store initialized")
	return pg, nil
}

func auditRetention(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
}
