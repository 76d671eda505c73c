// Package server wires the sandbox backend together: storage, version
// history, the capability proxy and its handlers, the isolate pool, and
// the HTTP/websocket surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/api/middleware"
	"github.com/symposium-app/backend/internal/api/rest"
	"github.com/symposium-app/backend/internal/capability"
	"github.com/symposium-app/backend/internal/capability/handlers"
	"github.com/symposium-app/backend/internal/domain/blocks"
	"github.com/symposium-app/backend/internal/infrastructure/config"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/infrastructure/monitoring"
	"github.com/symposium-app/backend/internal/isolate"
	"github.com/symposium-app/backend/internal/pool"
	"github.com/symposium-app/backend/internal/storage"
	"github.com/symposium-app/backend/internal/version"
	"github.com/symposium-app/backend/internal/ws"
)

// Server is the assembled backend.
type Server struct {
	cfg  *config.Config
	log  *logging.Logger
	http *http.Server

	pool    *pool.Manager
	service *blocks.Service
	closers []func() error
}

// New builds a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics := monitoring.NewMetrics()

	srv := &Server{cfg: cfg, log: log}

	var backend storage.Storage
	var querier handlers.Querier
	switch cfg.Storage.Driver {
	case "memory":
		backend = storage.NewMemory()
	case "sqlite":
		db, err := storage.NewSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		backend = db
		querier = db
		srv.closers = append(srv.closers, db.Close)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	versions := version.NewStore(backend, log)
	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := versions.LoadAll(loadCtx); err != nil {
		return nil, fmt.Errorf("failed to load version history: %w", err)
	}

	allow := capability.NewAllowList(cfg.Network.AllowedURLPrefixes)
	proxy := capability.NewProxy(cfg.Sandbox.CallTimeout, cfg.Sandbox.ExecTimeout, metrics, log)

	fileHandler, err := handlers.NewFile(cfg.Sandbox.WorkspaceDir, log)
	if err != nil {
		return nil, err
	}
	networkHandler := handlers.NewNetwork(handlers.NetworkConfig{
		Timeout:    cfg.Network.RequestTimeout,
		MaxRetries: cfg.Network.MaxRetries,
	}, allow, log)

	proxy.Register("file", fileHandler)
	proxy.Register("network", networkHandler)
	proxy.Register("canvas", handlers.NewCanvas())
	proxy.Register("database", handlers.NewDatabase(querier))
	proxy.Register("process", handlers.NewProcess(cfg.Sandbox.WorkspaceDir, cfg.Sandbox.AllowedCommands, log))
	proxy.Register("dom", handlers.NewDOM())

	factory := func(blockID string) (*isolate.Runtime, error) {
		return isolate.NewRuntime(isolate.RuntimeConfig{
			BlockID:      blockID,
			CallTimeout:  cfg.Sandbox.CallTimeout,
			ExecTimeout:  cfg.Sandbox.ExecTimeout,
			MemoryLimit:  cfg.Sandbox.MemoryLimitBytes,
			StorageQuota: cfg.Sandbox.StorageQuota,
			Backend:      backend,
			Auth:         allow,
			Fetcher:      networkHandler,
			Log:          log,
		})
	}
	srv.pool = pool.NewManager(pool.Config{
		MaxIsolates:    cfg.Sandbox.MaxIsolates,
		StartupTimeout: cfg.Sandbox.StartupTimeout,
		ShutdownGrace:  cfg.Sandbox.ShutdownGrace,
	}, factory, metrics, log)

	srv.service = blocks.NewService(blocks.Config{ExecTimeout: cfg.Sandbox.ExecTimeout},
		srv.pool, proxy, versions, metrics, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(monitoring.Middleware(metrics))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	rest.NewHandlers(srv.service, metrics, log).Register(router.Group("/"))
	router.GET("/stream", ws.NewHandler(srv.service, metrics, log).Serve)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv.http = &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}
	return srv, nil
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("sandbox backend listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains HTTP connections, terminates all isolates, and closes
// storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")

	err := s.http.Shutdown(ctx)
	s.pool.Shutdown(ctx)

	for _, closeFn := range s.closers {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.log.Sync()
	return err
}
