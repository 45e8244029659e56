package host

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/auxothq/toolhost/internal/executor"
	"github.com/auxothq/toolhost/internal/worker"
	"github.com/auxothq/toolhost/pkg/auth"
	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/store"
	"github.com/auxothq/toolhost/pkg/tools"
	"github.com/auxothq/toolhost/pkg/upload"
)

// Server owns every host subsystem.
type Server struct {
	config     *Config
	httpServer *http.Server
	handler    http.Handler

	redisClient *redis.Client
	catalog     *tools.Catalog
	executor    *executor.Executor
	version     *store.CatalogVersion
	watcher     *store.Watcher
	runLog      *store.RunLog
	tokens      *store.TokenStore
	verifier    *auth.Verifier
	uploads     *upload.LocalStore
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewServer creates a fully wired server from configuration.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// --- Redis ---
	redisClient, err := store.Connect(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	version := store.NewCatalogVersion(redisClient, store.DefaultPrefix)
	runLog := store.NewRunLog(redisClient, store.DefaultPrefix)
	tokens := store.NewTokenStore(redisClient, store.DefaultPrefix, cfg.AccessTokenTTL)
	cache := store.NewCache(redisClient, store.DefaultPrefix)

	// --- Uploads ---
	uploads, err := upload.NewLocalStore(cfg.UploadDir, cfg.PublicURL)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	// --- Reverse invoke ---
	registry := invoke.NewRegistry(logger)
	invoke.RegisterBuiltins(registry, tokens, &invoke.WeComClient{
		BaseURL: cfg.WeComBaseURL,
		Cache:   cache,
	})

	// --- Catalog + workers ---
	catalog := tools.NewCatalog(tools.Builtins()...)

	var spawner worker.Spawner
	switch cfg.WorkerMode {
	case worker.ModeProcess:
		spawner = &worker.ProcessSpawner{Logger: logger}
	default:
		spawner = &worker.ThreadSpawner{Runtime: worker.RuntimeConfig{
			Tools:         catalog,
			InvokeTimeout: cfg.InvokeTimeout,
			Logger:        logger.With("component", "worker_runtime"),
		}}
	}

	exec := executor.New(executor.Config{
		Tools:      catalog,
		Spawner:    spawner,
		Registry:   registry,
		Uploader:   uploads,
		RunLog:     runLog,
		Timeout:    cfg.WorkerTimeout,
		SpawnRate:  cfg.SpawnRate,
		SpawnBurst: cfg.SpawnBurst,
		Logger:     logger,
	})

	s := &Server{
		config:      cfg,
		redisClient: redisClient,
		catalog:     catalog,
		executor:    exec,
		version:     version,
		runLog:      runLog,
		tokens:      tokens,
		verifier:    auth.NewVerifier(cfg.AuthTokenHash, cfg.AuthCacheTTL),
		uploads:     uploads,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	if !s.verifier.Enforcing() {
		logger.Warn("TOOLHOST_AUTH_TOKEN_HASH is not set; any non-empty authtoken is accepted")
	}

	// Script tools are loaded once up front; the watcher keeps them current.
	v, err := version.Get(ctx)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	s.reloadScripts(ctx, v)
	s.watcher = store.NewWatcher(version, cfg.CatalogPollInterval, s.onVersionChange, logger.With("component", "catalog_watcher"))

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /tool/runstream", s.requireAuth(http.HandlerFunc(s.handleRunStream)))
	mux.Handle("POST /tool/run", s.requireAuth(http.HandlerFunc(s.handleRun)))
	mux.Handle("GET /tool/runws", s.requireAuth(http.HandlerFunc(s.handleRunWS)))
	mux.Handle("GET /tool/list", s.requireAuth(http.HandlerFunc(s.handleList)))
	mux.Handle("POST /tool/reload", s.requireAuth(http.HandlerFunc(s.handleReload)))
	mux.Handle("GET /tool/runs", s.requireAuth(http.HandlerFunc(s.handleRuns)))
	mux.Handle("DELETE /tool/accesstoken", s.requireAuth(http.HandlerFunc(s.handleRevokeAccessToken)))

	// Upload URLs are handed to third parties; they carry no auth.
	mux.Handle("GET /files/", s.uploads.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, "endpoint not found")
	})

	return s.recoverPanics(mux)
}

// onVersionChange is the watcher callback.
func (s *Server) onVersionChange(ctx context.Context, v int64) {
	if v == s.catalog.Version() {
		return
	}
	s.reloadScripts(ctx, v)
}

// reloadScripts rescans the tools directory and swaps the script tools in.
func (s *Server) reloadScripts(_ context.Context, v int64) {
	descs, err := tools.LoadDir(s.config.ToolsDir, s.logger)
	if err != nil {
		s.logger.Error("loading script tools", "dir", s.config.ToolsDir, "error", err)
		return
	}
	s.catalog.ReplaceScripts(descs, v)
	s.logger.Info("catalog loaded", "version", v, "script_tools", len(descs))
}

// Start runs the catalog watcher and the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go s.watcher.Run(watcherCtx)

	s.logger.Info("toolhost starting",
		"addr", s.config.ListenAddr(),
		"worker_mode", s.executor.Mode(),
		"embedded_redis", s.config.EmbeddedRedis,
		"auth_enforcing", s.verifier.Enforcing(),
		"tools_dir", s.config.ToolsDir,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}
	return s.Shutdown()
}

// Shutdown gracefully stops the server and closes Redis.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
