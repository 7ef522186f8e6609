// Package server exposes the aggregated busy times over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"

	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// BusyTimes answers busy time queries; *aggregator.Aggregator implements it.
type BusyTimes interface {
	BusyTimes(ctx context.Context, date civil.Date, timezone, uid, email string) ([]models.Interval, error)
	Providers() []string
}

type errorResponse struct {
	Error string `json:"error"`
}

// Options tune the middleware stack.
type Options struct {
	AllowedOrigins []string
	// MaxRequests per client IP and second; 0 disables rate limiting.
	MaxRequests int
}

// Server serves busy time lookups over HTTP.
type Server struct {
	logger *slog.Logger
	busy   BusyTimes
	opts   Options
}

// New creates a Server answering from busy.
func New(logger *slog.Logger, busy BusyTimes, opts Options) *Server {
	return &Server{logger: logger, busy: busy, opts: opts}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if s.opts.MaxRequests > 0 {
		r.Use(httprate.LimitByIP(s.opts.MaxRequests, time.Second))
	}

	r.Get("/health", s.health)
	r.Get("/api/busy/{date}", s.busyTimes)
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains open requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down, waiting for pending requests.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.busy.Providers(),
	})
}

func (s *Server) busyTimes(w http.ResponseWriter, r *http.Request) {
	date, err := civil.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date must be YYYY-MM-DD"})
		return
	}
	tz := r.URL.Query().Get("tz")
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown timezone " + tz})
		return
	}
	uid, email := r.URL.Query().Get("uid"), r.URL.Query().Get("email")
	if uid == "" && email == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "uid or email is required"})
		return
	}

	busy, err := s.busy.BusyTimes(r.Context(), date, tz, uid, email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if busy == nil {
		busy = []models.Interval{}
	}
	s.writeJSON(w, http.StatusOK, busy)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cfgErr  *freebusy.ConfigurationError
		provErr *freebusy.ProviderError
		status  = http.StatusInternalServerError
	)
	switch {
	case errors.Is(err, context.Canceled):
		// client went away
		s.logger.Debug("Client went away.", "request_id", middleware.GetReqID(r.Context()))
		return
	case errors.As(err, &cfgErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &provErr):
		status = http.StatusBadGateway
	}
	s.logger.Error("Busy time lookup failed.", "error", err, "status", status, "request_id", middleware.GetReqID(r.Context()))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response.", "error", err)
	}
}
