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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/app"
	"github.com/unclebandit/cartnotify-backend/internal/config"
	"github.com/unclebandit/cartnotify-backend/internal/logger"
	"github.com/unclebandit/cartnotify-backend/internal/metrics"
	"github.com/unclebandit/cartnotify-backend/internal/queue"
	"github.com/unclebandit/cartnotify-backend/internal/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}
	cfg := config.Load()

	logr, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName+"-worker")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync()

	if cfg.Queue.Driver == "memory" || cfg.Queue.Driver == "" {
		logr.Fatal("worker needs a broker-backed queue; set QUEUE_DRIVER to amqp or kafka")
	}

	shutdownTracer := tracing.InitTracer(cfg.ServiceName+"-worker", cfg.OTLPEndpoint, logr)
	defer shutdownTracer()
	metrics.InitWorkerMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to start", zap.Error(err))
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	if err := run(ctx, a.Queue, a.Dispatcher, a.Reconciler, logr); err != nil {
		logr.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
	if err := a.Close(); err != nil {
		logr.Error("shutdown failed", zap.Error(err))
	}
}

// run consumes both topics until ctx is cancelled. The caller closes the queue, which
// waits for in-flight handlers.
func run(ctx context.Context, q queue.Queue, d queue.EventDispatcher, r queue.CallbackReconciler, logr *zap.Logger) error {
	if err := queue.StartConsumers(q, d, r, logr); err != nil {
		return err
	}
	logr.Info("worker running, waiting for events")
	<-ctx.Done()
	logr.Info("worker stopping")
	return nil
}
