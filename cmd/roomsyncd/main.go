// Command roomsyncd is a demonstration host process for the room-sync
// core: it wires configuration, observability, the store, the manager,
// the service facade, and the demo WebSocket gateway together, then waits
// for a termination signal and tears everything down in order.
//
// Grounded on the teacher's cmd/main.go construct -> start -> signal-wait
// -> ordered-teardown shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukepan/roomsync/internal/config"
	"github.com/dukepan/roomsync/internal/gateway"
	"github.com/dukepan/roomsync/internal/metrics"
	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/internal/observability"
	"github.com/dukepan/roomsync/roommanager"
	"github.com/dukepan/roomsync/roomstore"
	"github.com/dukepan/roomsync/roomsvc"
)

func main() {
	cfg := config.Load()

	logger := obslog.New(cfg.LogLevel)
	ctx := context.Background()

	otelCleanup, err := observability.Init("roomsyncd", "1.0.0")
	if err != nil {
		logger.Fatal(ctx, "failed to initialize observability: %v", err)
	}
	defer func() {
		if err := otelCleanup(context.Background()); err != nil {
			logger.Error(ctx, "error shutting down observability: %v", err)
		}
	}()

	store, err := roomstore.Connect(ctx, roomstore.Options{
		URL: cfg.RedisURL,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to connect to store: %v", err)
	}

	metricsReg := metrics.New()

	mgr := roommanager.New(
		cfg.Prefix,
		store,
		logger,
		metricsReg,
		time.Duration(cfg.IdleTimeoutSeconds)*time.Second,
		time.Duration(cfg.CheckIntervalSeconds)*time.Second,
	)
	mgr.Start(ctx)

	svc := roomsvc.New(mgr)
	gw := gateway.New(svc, logger)

	gatewayServer := &http.Server{
		Addr:         ":" + cfg.GatewayPort,
		Handler:      gw.Mux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsReg.Registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info(ctx, "gateway listening on %s", gatewayServer.Addr)
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "gateway server error: %v", err)
		}
	}()

	go func() {
		logger.Info(ctx, "metrics listening on %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "metrics server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	gracefulShutdown(context.Background(), logger, gatewayServer, metricsServer, mgr)
	logger.Info(ctx, "roomsyncd stopped")
}

func gracefulShutdown(ctx context.Context, logger *obslog.Logger, gatewayServer, metricsServer *http.Server, mgr *roommanager.Manager) {
	logger.Info(ctx, "shutting down roomsyncd")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "gateway server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "metrics server shutdown error: %v", err)
	}

	// Stop destroys every room (releasing subscriptions) and closes the
	// store; it logs teardown errors itself rather than returning them.
	mgr.Stop(shutdownCtx)

	logger.Info(ctx, "graceful shutdown complete")
}
