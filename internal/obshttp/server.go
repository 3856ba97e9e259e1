// Copyright 2025 James Ross
// Package obshttp is the HTTP adapter standing in for the serverless
// host boundary: it exposes /healthz, /metrics, and a notification
// webhook that passes the raw request body to the Coordinator (which
// accepts either envelope shape), using a gorilla/mux
// router-plus-handlers shape.
package obshttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler is the subset of coordinator.Coordinator this server depends
// on; kept as an interface so tests can stub it without constructing a
// full dependency graph.
type Handler interface {
	Handle(ctx context.Context, raw []byte, invocationStart time.Time) error
}

// Server hosts the notification webhook alongside health and metrics
// endpoints.
type Server struct {
	router *mux.Router
	log    *zap.Logger
}

// New builds a Server wired to handler.
func New(handler Handler, log *zap.Logger) *Server {
	r := mux.NewRouter()
	s := &Server{router: r, log: log}

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/notify", s.notify(handler)).Methods(http.MethodPost)

	return s
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	return srv.ListenAndServe()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) notify(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
			return
		}
		if err := handler.Handle(r.Context(), raw, time.Now()); err != nil {
			s.log.Error("notification handling failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
