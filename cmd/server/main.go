package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"feed-media/internal/app"
	"feed-media/internal/auth"
	"feed-media/internal/config"
	apphttp "feed-media/internal/http"
)

func main() {
	cfg, err := config.Load()
	logger := app.NewLogger(cfg.Log.Level)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := app.Build(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatalf("build upload engine: %v", err)
	}

	adminKey := auth.NewAdminKey(cfg.Auth.AdminKeyHash)
	if adminKey == nil {
		logger.Warn("auth.adminkeyhash is empty, operator routes are disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		engine.Manager,
		engine.Batches,
		engine.Uploads,
		auth.NewVerifier(cfg.Auth.JWTSecret),
		adminKey,
		reg,
		apphttp.Config{
			MaxMemory: cfg.Server.MaxMemory,
			BatchMax:  cfg.Upload.BatchMax,
			Logger:    logger,
		},
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		// event streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	engine.Close()

	logger.Info("bye")
}
