package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/activation"
	"github.com/Sternrassler/dataset-loader/pkg/cache"
	"github.com/Sternrassler/dataset-loader/pkg/metrics"
	"github.com/Sternrassler/dataset-loader/pkg/orchestrator"
	"github.com/Sternrassler/dataset-loader/pkg/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	Session   orchestrator.Status `json:"session"`
	Cache     *cache.Metadata     `json:"cache,omitempty"`
	Consumers []activation.Info   `json:"consumers"`
	Quota     ratelimit.State     `json:"quota"`
}

// newRouter builds the control surface.
//
// Routes:
//   - GET  /health                   - Liveness probe
//   - GET  /metrics                  - Prometheus scrape
//   - GET  /status                   - Session, cache and consumer state
//   - POST /refresh                  - Re-fetch bypassing the cache
//   - POST /cancel                   - Cancel the active fetch
//   - POST /cache/clear              - Delete the cached dataset
//   - POST /consent/accept           - Grant cache consent
//   - POST /consent/decline          - Deny cache consent
//   - POST /consumers/{id}/ready     - Activate a consumer
//   - POST /consumers/{id}/visibility - Report a consumer's readiness fraction
//   - POST /status/dismiss           - Dismiss the surfaced fetch error
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/status", a.handleStatus)

	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		a.runAsync("refresh", a.orchestrator.Refresh)
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
		a.orchestrator.Cancel()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		a.orchestrator.ClearCache(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/status/dismiss", func(w http.ResponseWriter, r *http.Request) {
		a.orchestrator.DismissError()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/consent", func(r chi.Router) {
		r.Post("/accept", a.handleConsent(true))
		r.Post("/decline", a.handleConsent(false))
	})

	r.Route("/consumers/{id}", func(r chi.Router) {
		r.Post("/ready", a.handleConsumerReady)
		r.Post("/visibility", a.handleConsumerVisibility)
	})

	return r
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session:   a.orchestrator.Status(),
		Consumers: a.orchestrator.Consumers(),
		Quota:     a.client.RateLimiter().GetState(),
	}
	if meta, err := a.orchestrator.CacheStatus(r.Context()); err == nil {
		resp.Cache = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleConsent(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if accept {
			err = a.consent.Accept(r.Context())
		} else {
			err = a.consent.Decline(r.Context())
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *app) handleConsumerReady(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.MarkReady(chi.URLParam(r, "id")); err != nil {
		writeConsumerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleConsumerVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fraction float64 `json:"fraction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.reportVisibility(chi.URLParam(r, "id"), body.Fraction); err != nil {
		writeConsumerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeConsumerError(w http.ResponseWriter, err error) {
	if errors.Is(err, activation.ErrNotRegistered) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs each control request with zerolog.
func requestLogger(a *app) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			a.logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Control request completed")
		})
	}
}
