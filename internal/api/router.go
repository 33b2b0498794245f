// Package api exposes the pipeline and query facade over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/pipeline"
	"github.com/myrad-labs/myrad/internal/query"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrad_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrad_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Processor runs a submission through the pipeline.
type Processor interface {
	Process(ctx context.Context, sub model.Submission) (*pipeline.Result, error)
}

// Pinger reports datastore health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the HTTP API.
type Handler struct {
	pipeline Processor
	facade   *query.Facade
	health   Pinger
}

// NewHandler creates a Handler.
func NewHandler(p Processor, f *query.Facade, health Pinger) *Handler {
	return &Handler{pipeline: p, facade: f, health: health}
}

// Router builds the chi router. allowedOrigins feeds the CORS policy.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Total-Records"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/contributions", h.handleContribution)
		r.Get("/records", h.handleListRecords)
		r.Get("/records/{proofID}", h.handleGetRecord)
		r.Patch("/records/{proofID}/status", h.handleUpdateStatus)
		r.Get("/cohorts/{dataType}/{cohortID}", h.handleCohort)
	})
	return r
}

// metricsMiddleware records request counts and latency labelled by route
// pattern, which keeps proof ids out of label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
