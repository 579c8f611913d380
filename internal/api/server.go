// Package api exposes the ChartQuery engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chartquery/chartquery/internal/config"
	"github.com/chartquery/chartquery/internal/ingest"
	"github.com/chartquery/chartquery/internal/observability"
	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
	"github.com/chartquery/chartquery/pkg/engine"
)

// Service is the engine surface the HTTP layer depends on.
type Service interface {
	Query(ctx context.Context, q, patientID string, opts engine.QueryOptions) (*engine.AnswerBundle, error)
	Index(ctx context.Context, patientID string, artifacts []storage.Artifact, opts ingest.IndexOptions) (*ingest.Report, error)
	RecentQueries(ctx context.Context, patientID string, limit int) ([]storage.Conversation, error)
	Health(ctx context.Context) map[string]bool
}

// Server handles HTTP requests.
type Server struct {
	logger  *observability.Logger
	service Service
	router  chi.Router
}

// NewServer creates the HTTP server and mounts its routes.
func NewServer(logger *observability.Logger, service Service) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Server{logger: logger, service: service}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Post("/index/{patientID}", s.handleIndex)
		r.Get("/conversations/{patientID}", s.handleConversations)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen runs the server with the configured timeouts until ctx is
// cancelled.
func (s *Server) Listen(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type queryRequest struct {
	PatientID string   `json:"patient_id"`
	Query     string   `json:"query"`
	Alpha     *float64 `json:"alpha,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	bundle, err := s.service.Query(r.Context(), req.Query, req.PatientID,
		engine.QueryOptions{Alpha: req.Alpha, TopK: req.TopK})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

type indexRequest struct {
	Artifacts    []artifactPayload `json:"artifacts"`
	UserID       string            `json:"user_id,omitempty"`
	ForceReindex bool              `json:"force_reindex,omitempty"`
}

type artifactPayload struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Author     string            `json:"author,omitempty"`
	Title      string            `json:"title,omitempty"`
	Text       string            `json:"text"`
	SourceURL  string            `json:"source_url,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Artifacts) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "no artifacts provided")
		return
	}

	artifacts := make([]storage.Artifact, 0, len(req.Artifacts))
	for _, p := range req.Artifacts {
		artifacts = append(artifacts, storage.Artifact{
			ID:         p.ID,
			PatientID:  patientID,
			Type:       storage.ArtifactType(p.Type),
			OccurredAt: p.OccurredAt,
			Author:     p.Author,
			Title:      p.Title,
			Text:       p.Text,
			SourceURL:  p.SourceURL,
			Meta:       p.Meta,
		})
	}

	report, err := s.service.Index(r.Context(), patientID, artifacts,
		ingest.IndexOptions{UserID: req.UserID, ForceReindex: req.ForceReindex})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type conversationSummary struct {
	ID              string    `json:"id"`
	Query           string    `json:"query"`
	Intent          string    `json:"intent"`
	QueryTimestamp  time.Time `json:"query_timestamp"`
	ShortAnswer     string    `json:"short_answer"`
	DetailedSummary string    `json:"detailed_summary"`
	OverallQuality  *float64  `json:"overall_quality,omitempty"`
	TotalTimeMs     int64     `json:"total_time_ms"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	conversations, err := s.service.RecentQueries(r.Context(), patientID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	out := make([]conversationSummary, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationSummary{
			ID:              c.ID,
			Query:           c.Query,
			Intent:          c.QueryIntent,
			QueryTimestamp:  c.QueryTimestamp,
			ShortAnswer:     c.ShortAnswer,
			DetailedSummary: c.DetailedSummary,
			OverallQuality:  c.OverallQuality,
			TotalTimeMs:     c.TotalTimeMs,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id":    patientID,
		"conversations": out,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.service.Health(r.Context())
	healthy := true
	for _, ok := range status {
		if !ok {
			healthy = false
		}
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"healthy":    healthy,
		"components": status,
	})
}

// writeServiceError maps engine sentinels to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrInvalidInput):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoIndexedRecords):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrTimeout):
		s.writeError(w, r, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, engine.ErrUpstreamUnavailable), errors.Is(err, engine.ErrGenerationFailed):
		s.writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
