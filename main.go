package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"iptv-gateway/work/auth"
	"iptv-gateway/work/buffer"
	"iptv-gateway/work/cache"
	"iptv-gateway/work/catalog"
	"iptv-gateway/work/config"
	"iptv-gateway/work/connection"
	"iptv-gateway/work/database"
	"iptv-gateway/work/handlers"
	"iptv-gateway/work/logger"
	"iptv-gateway/work/session"
	"iptv-gateway/work/stream"
)

var Version = "v0.1.0"

const relayBufferSize = 32 * 1024

// our main app worker
func main() {

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// write a starter config when none exists yet
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.CreateExampleConfig(configPath); err != nil {
			logger.Error("could not write example config: %v", err)
			os.Exit(1)
		}
		logger.Info("wrote example config to %s, edit it and restart", configPath)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("configuration error: %v", err)
		os.Exit(1)
	}

	logger.SetLogLevel(cfg.LogLevel)

	authInstance, err := auth.New(cfg.AppSecret, cfg.TokenSalt)
	if err != nil {
		logger.Error("auth setup failed: %v", err)
		os.Exit(1)
	}

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("could not create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	var store catalog.Store
	if cfg.DatabasePath != "" {
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			logger.Error("could not open snapshot database: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		store = db
	}

	cacheInstance := cache.New(cfg.CacheDuration)
	defer cacheInstance.Close()

	// invalidate rendered playlists and the merged guide on every swap so
	// clients never see output built from the previous catalog
	builder := catalog.NewBuilder(cfg, authInstance, store, func(*catalog.Catalog) {
		cacheInstance.Invalidate()
	})
	builder.Restore()

	connections := connection.NewManager(cfg)
	sessions := session.NewManager(cfg.SessionTimeout, connections)
	defer sessions.Shutdown()

	engine := stream.NewEngine(cfg, connections, sessions, buffer.NewPool(relayBufferSize))
	gateway := handlers.New(cfg, authInstance, builder, engine, sessions, cacheInstance)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go builder.Run(ctx, workerPool)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	gateway.Register(router)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	logger.Info("starting iptv-gateway %s", Version)
	logger.Info("  - listen address: %s", cfg.ListenAddr)
	logger.Info("  - base url: %s", cfg.BaseURL)
	logger.Info("  - providers: %d", len(cfg.Providers))
	logger.Info("  - users: %d (anonymous: %v)", len(cfg.Users), cfg.AllowAnonymous)
	logger.Info("  - worker threads: %d", cfg.WorkerThreads)
	logger.Info("  - refresh interval: %s", cfg.RefreshInterval)
	logger.Info("  - session timeout: %s", cfg.SessionTimeout)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("could not listen on %s: %v", cfg.ListenAddr, err)
		os.Exit(1)
	}
	listener = netutil.LimitListener(listener, cfg.MaxConnectionsToApp)

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed: %v", err)
		os.Exit(1)
	}
}
