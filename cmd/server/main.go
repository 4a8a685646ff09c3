package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/presence-hub/backend/api/handlers"
	"github.com/presence-hub/backend/internal/config"
	"github.com/presence-hub/backend/internal/history"
	"github.com/presence-hub/backend/internal/hub"
	"github.com/presence-hub/backend/internal/liveness"
	"github.com/presence-hub/backend/internal/longpoll"
	"github.com/presence-hub/backend/internal/observability"
	"github.com/presence-hub/backend/internal/presence"
	"github.com/presence-hub/backend/internal/registry"
	"github.com/presence-hub/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := observability.InitLogger("presence-hub")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Event journal is optional: an empty path disables it.
	var journal *history.Repository
	if cfg.History.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create data directory")
		}
		db, err := history.OpenDB(cfg.History.Path)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open event journal")
		}
		defer db.Close()
		journal = history.NewRepository(db)
	}

	store := registry.NewStore()
	broadcaster := hub.NewBroadcaster(logger)
	monitor := liveness.NewMonitor(store, cfg.Heartbeat.Interval, cfg.Heartbeat.MissThreshold, logger)
	handler := presence.NewHandler(store, broadcaster, monitor, journal, presence.Observers{}, logger)

	wsServer := ws.NewServer(handler, logger)
	lpServer := longpoll.NewServer(handler, cfg.Heartbeat.Interval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	lpServer.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	handlers.NewWebSocketHandler(wsServer).RegisterRoutes(r)

	api := r.Group("/api")
	{
		handlers.NewStatusHandler(handler, journal).RegisterRoutes(api)
		handlers.NewLongpollHandler(lpServer, cfg.LongPoll.Wait).RegisterRoutes(api)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	// Shutdown runs through main's return so the deferred journal close
	// still executes.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		cancel()
		monitor.Stop()
		lpServer.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown did not complete cleanly")
		}
	}()

	logger.Info().
		Str("addr", addr).
		Dur("heartbeat_interval", cfg.Heartbeat.Interval).
		Int("miss_threshold", cfg.Heartbeat.MissThreshold).
		Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited")
	}
}

// corsMiddleware allows browser observers during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
