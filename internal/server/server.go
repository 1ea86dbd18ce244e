// Package server exposes sync status, manual triggering and ICS export
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/sync"
)

const dateLayout = "2006-01-02"

// Syncer is the part of the orchestrator the HTTP surface drives.
type Syncer interface {
	Sync(ctx context.Context) sync.Result
	Syncing() bool
	Status(ctx context.Context) (sync.Status, error)
	Export(ctx context.Context, start, end time.Time) (string, string, error)
	Settings(ctx context.Context) (sync.Settings, error)
	SaveSettings(ctx context.Context, s sync.Settings) error
}

type Server struct {
	syncer  Syncer
	log     *zap.Logger
	origins []string
}

// New creates the HTTP surface. Cross-origin requests are allowed only from
// origins.
func New(syncer Syncer, log *zap.Logger, origins []string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{syncer: syncer, log: log, origins: origins}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Get("/export.ics", s.handleExport)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	sync.Status
	Syncing bool `json:"syncing"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.syncer.Status(r.Context())
	if err != nil {
		s.log.Error("failed to load status", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: status, Syncing: s.syncer.Syncing()})
}

// handleSync runs a pass to completion even if the client goes away.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.syncer.Sync(context.WithoutCancel(r.Context()))
	if res.AlreadyRunning {
		respondJSON(w, http.StatusConflict, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleExport serves the cached events as a calendar file. from and to are
// optional calendar days in Europe/Paris; to is inclusive.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, filename, err := s.syncer.Export(r.Context(), start, end)
	if errors.Is(err, sync.ErrNoCache) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("export failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.syncer.Settings(r.Context())
	if err != nil {
		s.log.Warn("failed to load settings", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.syncer.Settings(r.Context())
	if err != nil {
		s.log.Warn("failed to load settings", zap.Error(err))
	}
	if err := json.NewDecoder(r.Body).Decode(&current); err != nil {
		respondError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if err := s.syncer.SaveSettings(r.Context(), current); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, current)
}

// parseRange turns optional from/to days into [start, end). Missing bounds
// stay zero.
func parseRange(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	if from != "" {
		t, err := time.ParseInLocation(dateLayout, from, event.Paris)
		if err != nil {
			return start, end, fmt.Errorf("invalid from date %q: expected YYYY-MM-DD", from)
		}
		start = t
	}
	if to != "" {
		t, err := time.ParseInLocation(dateLayout, to, event.Paris)
		if err != nil {
			return start, end, fmt.Errorf("invalid to date %q: expected YYYY-MM-DD", to)
		}
		end = t.AddDate(0, 0, 1)
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return start, end, fmt.Errorf("from %s is after to %s", from, to)
	}
	return start, end, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
