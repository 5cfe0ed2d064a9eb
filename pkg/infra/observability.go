package infra

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the process can do its job
type HealthFunc func() bool

// ObservabilityHandler serves /metrics and /health
func ObservabilityHandler(name string, healthy HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(name + " UNHEALTHY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(name + " ALIVE"))
	})
	return mux
}

// StartObservabilityServer serves the observability handler on port until ctx ends
func StartObservabilityServer(ctx context.Context, port, name string, healthy HealthFunc, logger *slog.Logger) {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      ObservabilityHandler(name, healthy),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Observability server failed", "error", err)
	}
}
