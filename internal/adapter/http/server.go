package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/catalog"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Calculations is the application surface exposed over HTTP.
type Calculations interface {
	Submit(ctx context.Context, kind domain.ReportKind, req domain.ScenarioRequest) (domain.JobRecord, error)
	Poll(ctx context.Context, kind domain.ReportKind, id uuid.UUID) (domain.JobRecord, error)
	Measures(h domain.HazardType) []domain.MeasureRef
	Options(h domain.HazardType) (catalog.HazardOptions, bool)
}

// Server exposes the calculation API plus health, readiness, and metrics
// endpoints.
type Server struct {
	httpServer *http.Server
	calc       Calculations
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the /api/v1 routes and /healthz,
// /readyz, and /metrics.
func NewServer(addr string, calc Calculations, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Polls may wait for the first poll delay.
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		calc:   calc,
		logger: logger,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/costbenefit", s.handleSubmit(domain.ReportCostBenefit))
		r.Get("/costbenefit/{jobID}", s.handlePoll(domain.ReportCostBenefit))
		r.Post("/timeline", s.handleSubmit(domain.ReportTimeline))
		r.Get("/timeline/{jobID}", s.handlePoll(domain.ReportTimeline))
		r.Get("/measures", s.handleMeasures)
		r.Get("/options/{hazard}", s.handleOptions)
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleSubmit(kind domain.ReportKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.ScenarioRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: decode request body: %v", domain.ErrInvalidRequest, err))
			return
		}
		rec, err := s.calc.Submit(r.Context(), kind, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/api/v1/%s/%s", kind, rec.ID))
		writeJSON(w, http.StatusAccepted, rec)
	}
}

func (s *Server) handlePoll(kind domain.ReportKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			s.writeError(w, r, domain.ErrJobNotFound)
			return
		}
		rec, err := s.calc.Poll(r.Context(), kind, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleMeasures(w http.ResponseWriter, r *http.Request) {
	hazard := domain.HazardType(r.URL.Query().Get("hazard_type"))
	if hazard != "" && !hazard.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown hazard type %q", domain.ErrInvalidRequest, hazard))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"measures": s.calc.Measures(hazard)})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	hazard := domain.HazardType(chi.URLParam(r, "hazard"))
	opts, ok := s.calc.Options(hazard)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no options for hazard %q", hazard)})
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// writeError maps domain errors onto status codes. Only unexpected errors
// are logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
