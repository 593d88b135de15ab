// Package app wires the store, session engine, realtime transport and REST API into one server.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"rollcall/internal/api"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/database"
	"rollcall/internal/database/postgres"
	"rollcall/internal/engine"
	"rollcall/internal/hub"
	"rollcall/internal/metrics"
	"rollcall/internal/router"
	"rollcall/internal/session"
	"rollcall/internal/websocket"
	pkgdatabase "rollcall/pkg/database"
	"rollcall/pkg/interfaces"
)

// Application coordinates all system components
type Application struct {
	config      *config.Config
	store       interfaces.DatabaseManager
	metrics     *metrics.Metrics
	engine      *engine.Engine
	registry    *websocket.Registry
	eventRouter *router.Router
	hub         *hub.Hub
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// NewApplication builds every component in dependency order:
// Store -> Engine -> Registry -> Hub -> Router -> API -> HTTP
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	m := metrics.New(nil)
	registry := websocket.NewRegistry(m)
	messageHub := hub.NewHub(registry, m)

	sessions := engine.NewEngine(session.NewRegistry(), store, store, messageHub, engine.Config{
		StrictOwnership: cfg.Session.StrictOwnership,
		StoreTimeout:    cfg.Session.StoreTimeout,
	}, m)

	eventRouter := router.NewRouter(sessions, router.NewRateLimiter(cfg.Router.RateLimit, cfg.Router.RateWindow), m)

	apiServer := api.NewServer(store, sessions, authenticator, registry, m, api.Config{
		BcryptCost:     cfg.Auth.BcryptCost,
		AllowedOrigins: cfg.HTTP.CORSOrigin,
	})

	wsHandler := websocket.NewHandler(registry, authenticator, eventRouter, websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		store:       store,
		metrics:     m,
		engine:      sessions,
		registry:    registry,
		eventRouter: eventRouter,
		hub:         messageHub,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// openStore connects the configured backend and brings its schema up to date
func openStore(ctx context.Context, cfg *config.DatabaseConfig) (interfaces.DatabaseManager, error) {
	dbConfig := &pkgdatabase.Config{
		Driver:          cfg.Driver,
		DatabasePath:    cfg.Path,
		DSN:             cfg.DSN,
		MaxConnections:  cfg.MaxConnections,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	switch cfg.Driver {
	case pkgdatabase.DriverPostgres:
		store, err := postgres.NewStore(ctx, dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		if err := pkgdatabase.NewMigrationManager(store.GetDB(), pkgdatabase.DriverPostgres).ApplyMigrations(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		log.Printf("app: postgres store ready")
		return store, nil

	default:
		manager, err := database.NewManager(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		if err := pkgdatabase.NewMigrationManager(manager.GetDB(), pkgdatabase.DriverSQLite).ApplyMigrations(); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		log.Printf("app: sqlite store ready path=%s", cfg.Path)
		return manager, nil
	}
}

// Start runs the hub and begins serving HTTP. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	app.eventRouter.StartCleanup(runCtx, app.config.Router.CleanupInterval)

	app.mu.Lock()
	app.listener = listener
	app.cancel = cancel
	app.mu.Unlock()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.hub.Stop()
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("app: rollcall listening on %s", listener.Addr())
		return nil
	case <-ctx.Done():
		_ = app.httpServer.Close()
		_ = app.hub.Stop()
		cancel()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP -> connections -> hub -> store.
// An unfinished attendance session is discarded, not persisted.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("app: shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("app: HTTP server shutdown error: %v", err)
	}

	if active := app.engine.Active(); active != nil {
		log.Printf("app: discarding unfinished session class=%s marks=%d", active.ClassID, len(active.Attendance))
	}

	app.registry.CloseAll()

	if err := app.hub.Stop(); err != nil && err != hub.ErrHubNotRunning {
		log.Printf("app: message hub shutdown error: %v", err)
	}

	app.mu.Lock()
	if app.cancel != nil {
		app.cancel()
	}
	app.mu.Unlock()

	if err := app.store.Close(); err != nil {
		log.Printf("app: database shutdown error: %v", err)
	}

	log.Printf("app: shutdown complete")
	return nil
}

// GetAddr returns the bound address once started, else the configured one
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
