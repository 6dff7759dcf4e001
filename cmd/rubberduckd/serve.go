package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		pricingPath string
		logFormat   string
		metricsAddr string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch gateway and block until shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := initLogger(logFormat, debug)
			defer logger.Sync()

			svc, err := buildService(configPath, pricingPath, logger)
			if err != nil {
				return err
			}

			metricsSrv := startMetricsServer(metricsAddr, logger)
			defer metricsSrv.Close()

			ctx := context.Background()
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("starting gateway service: %w", err)
			}
			logger.Info("rubberduckd started", zap.String("config", configPath), zap.String("metrics_addr", metricsAddr))

			waitForShutdown(ctx, svc, configPath, pricingPath, logger)

			svc.Stop()
			logger.Info("rubberduckd stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to provider config file (required)")
	cmd.Flags().StringVar(&pricingPath, "pricing", "", "path to pricing table YAML file (optional)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log output format: json or console")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address the Prometheus /metrics endpoint listens on")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.MarkFlagRequired("config")

	return cmd
}

// startMetricsServer mounts promhttp.Handler(), the same handler the
// upstream agent framework's HTTP server registers at /metrics, on its
// own listener: rubberduckd has no other HTTP surface to share one
// with.
func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// waitForShutdown blocks on OS signals the way agentflow's own HTTP
// server manager does, extended with SIGHUP: a SIGHUP re-reads the
// config file from disk and reloads it into the running service
// instead of terminating, so an operator can add/update providers
// without restarting the daemon.
func waitForShutdown(ctx context.Context, svc interface {
	ReloadConfig([]byte) error
}, configPath, pricingPath string, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", zap.String("config", configPath))
			configJSON, err := os.ReadFile(configPath)
			if err != nil {
				logger.Error("reload: failed to read config file", zap.Error(err))
				continue
			}
			if err := svc.ReloadConfig(configJSON); err != nil {
				logger.Error("reload: failed to apply config", zap.Error(err))
				continue
			}
			logger.Info("config reloaded")
			continue
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return
	}
}
