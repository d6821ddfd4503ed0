package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/server"
)

// serveMetrics exposes /metrics on its own listener until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Log.Info("metrics serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server error", "error", err)
		}
	}()
}

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		metricsAddr string
		pretrained  bool
		models      []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve classification and embedding over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.rt.MetricsAddr
			}
			for _, m := range models {
				if !a.reg.Has(m) {
					logger.Log.Warn("serving unknown model", "model", m)
				}
			}
			if metricsAddr != "" && metricsAddr != addr {
				serveMetrics(cmd.Context(), metricsAddr)
			}
			s := server.New(a.reg, server.Options{
				Pretrained: pretrained,
				Hub:        a.hub,
				Models:     models,
			})
			logger.Log.Info("starting server", "addr", addr, "pretrained", pretrained, "models", len(models))
			return s.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Separate Prometheus listener (default $VIT_METRICS_ADDR, empty disables)")
	cmd.Flags().BoolVar(&pretrained, "pretrained", false, "Load published weights on first use")
	cmd.Flags().StringSliceVar(&models, "models", nil, "Models to serve (default all)")
	return cmd
}
