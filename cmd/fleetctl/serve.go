package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var serveFlags struct {
	listen   string
	interval time.Duration
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics and check fleet health periodically",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr := firstNonEmpty(serveFlags.listen, fleet.cfg.Metrics.Listen)
		if addr == "" {
			return fmt.Errorf("no listen address, set --listen or metrics.listen")
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", fleet.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// 优雅关闭
		go func() {
			<-ctx.Done()
			fleet.logger.Info("Shutting down metrics server")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				fleet.logger.Warn("Metrics server shutdown error", "error", err)
			}
		}()

		if serveFlags.interval > 0 {
			go pollFleetHealth(ctx, serveFlags.interval)
		}

		fleet.logger.Info("Metrics listening", "addr", addr, "health_interval", serveFlags.interval)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

// pollFleetHealth 定期检查舰队健康度，结果写入指标与注册表
func pollFleetHealth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := fleet.orch.CheckFleetHealth(ctx); err != nil && ctx.Err() == nil {
			fleet.logger.Warn("Fleet health check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(serveMetricsCmd)
	serveMetricsCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "listen address, overrides metrics.listen")
	serveMetricsCmd.Flags().DurationVar(&serveFlags.interval, "health-interval", 5*time.Minute, "fleet health check interval, 0 disables")
}
