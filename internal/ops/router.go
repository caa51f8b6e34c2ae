// Package ops serves the operational HTTP surface of the worker binaries:
// liveness, readiness and prometheus metrics.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/vaultkeys/vaultkeys-backend/pkg/errors"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

const (
	envHeader    = "X-Vaultkeys-Env"
	checkTimeout = 3 * time.Second
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// RouterParams configures NewRouter.
type RouterParams struct {
	Env      string
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	// Checks are run by /health/ready, keyed by dependency name.
	Checks map[string]Check
}

// NewRouter builds the ops router.
func NewRouter(params RouterParams) (http.Handler, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		recoverer(params.Logger),
		requestID(params.Logger),
		requestLog(params.Logger),
	)
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", healthLive(params.Env))
		r.Get("/ready", healthReady(params.Env, params.Logger, params.Checks))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r, nil
}

func healthLive(env string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, env)
		writeSuccess(w, http.StatusOK, map[string]string{"status": "live"})
	}
}

func healthReady(env string, logg *logger.Logger, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, env)
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			err := pkgerrors.New(pkgerrors.CodeDependency, "dependency check failed").WithDetails(failed)
			writeError(ctx, logg, w, err)
			return
		}
		writeSuccess(w, http.StatusOK, map[string]any{"status": "ready", "checks": names})
	}
}
