// Package web serves the read-only HTTP API of `fixer serve`.
package web

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
)

const shutdownTimeout = 5 * time.Second

// Reader is the read-only slice of the orchestrator the API exposes.
// *orchestrator.Orchestrator implements it.
type Reader interface {
	Plan(ctx context.Context, repo string) (*orchestrator.PlanResult, error)
	Status(ctx context.Context, repo string) (*orchestrator.StatusResult, error)
}

// Server is the read-only API server.
type Server struct {
	reader  Reader
	port    int
	log     zerolog.Logger
	origins []string
}

// NewServer creates a Server listening on port once started.
func NewServer(reader Reader, port int, log zerolog.Logger) *Server {
	return &Server{reader: reader, port: port, log: log}
}

// AllowOrigins enables CORS for browser dashboards served from origins.
func (s *Server) AllowOrigins(origins ...string) {
	s.origins = append(s.origins, origins...)
}

// Handler registers routes. Every route is a GET.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(s.requestLog)
	if len(s.origins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Route("/api", func(rt chi.Router) {
		rt.Get("/status", s.wrap(s.handleStatus))
		rt.Get("/plan", s.wrap(s.handlePlan))
	})
	mux.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msgf("fixer API: http://localhost%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.log.Info().Msg("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// GET /api/status?repo=
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	res, err := s.reader.Status(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

// GET /api/plan?repo=
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) error {
	res, err := s.reader.Plan(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
