// Package metrics define telemetry primitives to use across components. it uses the prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	"go.uber.org/zap"
)

// scrapes records the duration and size of requests to the metrics endpoint.
var scrapes = middleware.New(middleware.Config{
	Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Prefix: Namespace}),
	Service:  "metrics",
})

// Handler serves /metrics. A non-empty origins list allows browsers on those
// origins to read the endpoint.
func Handler(origins []string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", std.Handler("/metrics", scrapes, promhttp.Handler()))
	if len(origins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

// Serve exposes Handler on listen until ctx is canceled.
func Serve(ctx context.Context, logger *zap.Logger, listen string, origins []string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           Handler(origins),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("listen", listen), zap.Strings("origins", origins))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
