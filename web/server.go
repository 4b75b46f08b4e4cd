// Package web serves stored windows, rule matches and Prometheus metrics
// over HTTP.
package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxLimit = 1000

type Server struct {
	store      Store
	gatherer   prometheus.Gatherer
	listenAddr string
	log        *zap.Logger
}

// NewServer creates a server. The window and match routes are only served
// with a store, /metrics only with a gatherer.
func NewServer(store Store, gatherer prometheus.Gatherer, listenAddr string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:      store,
		gatherer:   gatherer,
		listenAddr: listenAddr,
		log:        log.Named("web"),
	}
}

// Handler returns the router with every route registered
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	if s.store != nil {
		api := r.PathPrefix("/api").Subrouter()
		api.HandleFunc("/windows", s.handleWindows).Methods(http.MethodGet)
		api.HandleFunc("/windows/{id:[0-9]+}/items", s.handleWindowItems).Methods(http.MethodGet)
		api.HandleFunc("/matches", s.handleMatches).Methods(http.MethodGet)
	}
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Start serves until ctx is cancelled and returns once shutdown has finished
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("Starting web server", zap.String("addr", s.listenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// in-flight requests are drained once Shutdown returns
	<-stopped
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		return 0, errors.New("invalid limit")
	}
	return min(limit, maxLimit), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	windows, err := s.store.ListWindows(r.URL.Query().Get("collector"), limit)
	if err != nil {
		s.log.Error("Failed to list windows", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, windows)
}

func (s *Server) handleWindowItems(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid window id"))
		return
	}
	items, err := s.store.WindowItems(id)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, errors.New("window not found"))
		return
	}
	if err != nil {
		s.log.Error("Failed to read window", zap.Int64("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WindowDetail{ID: id, Items: items})
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	matches, err := s.store.ListMatches(limit)
	if err != nil {
		s.log.Error("Failed to list matches", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, matches)
}
