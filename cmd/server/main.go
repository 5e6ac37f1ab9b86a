// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/cartnotify-backend/internal/app"
	"github.com/unclebandit/cartnotify-backend/internal/config"
	"github.com/unclebandit/cartnotify-backend/internal/controller"
	"github.com/unclebandit/cartnotify-backend/internal/handler"
	"github.com/unclebandit/cartnotify-backend/internal/logger"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/middleware"
	"github.com/unclebandit/cartnotify-backend/internal/tracing"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}
	cfg := config.Load()

	logr, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync()

	shutdownTracer := tracing.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint, logr)
	defer shutdownTracer()

	metrics.InitAPIMetrics()
	metrics.InitWorkerMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to start", zap.Error(err))
	}

	// With a broker-backed queue the worker binary consumes; in memory the API process does.
	if cfg.Queue.Driver == "memory" || cfg.Queue.Driver == "" {
		if err := a.StartConsumers(); err != nil {
			logr.Fatal("failed to start consumers", zap.Error(err))
		}
		logr.Info("in-process consumers started")
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	router := controller.NewRouter(controller.Routes{
		Webhooks: &controller.WebhookController{
			Tenants:          a.Tenants,
			Queue:            a.Queue,
			RequireSignature: cfg.RequireWebhookSignature,
			Logger:           logr,
		},
		OptIns:   &controller.OptInController{Registry: a.OptIns, Logger: logr},
		Tenants:  &controller.TenantController{Tenants: a.Tenants, Sender: a.Dispatcher, Templates: a.Provider, Logger: logr},
		Messages: &controller.MessageController{Attribution: a.Reconciler, Logger: logr},
		Stats:    handler.NewStatsHandler(a.Stats, logr),
		Limiter:  limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server listening", zap.String("addr", srv.Addr), zap.String("queue", cfg.Queue.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown failed", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		logr.Error("shutdown failed", zap.Error(err))
	}
}
