// Package api exposes the observability surface of the bus: queue stats,
// envelope inspection and dead-letter replay. It never mutates envelope
// lifecycle state beyond the explicit requeue operation.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relay/internal/domain"
	"relay/internal/store"
)

type Server struct {
	store store.Store
}

func NewServer(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{store: st}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/queues", s.listQueues)
	r.Get("/api/envelopes", s.listEnvelopes)
	r.Get("/api/envelopes/{id}", s.getEnvelope)
	r.Post("/api/envelopes/{id}/requeue", s.requeueEnvelope)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "relay_up 1\n")
	for _, qs := range stats {
		for status, n := range qs.Counts {
			fmt.Fprintf(w, "relay_envelopes{queue=%q,status=%q} %d\n", qs.Queue, status, n)
		}
	}
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listEnvelopes(w http.ResponseWriter, r *http.Request) {
	q := store.ListQuery{
		Queue:  r.URL.Query().Get("queue"),
		Status: domain.Status(r.URL.Query().Get("status")),
	}
	if q.Status != "" && !domain.ValidStatus(q.Status) {
		http.Error(w, fmt.Sprintf("unknown status %q", q.Status), 400)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		q.Limit = n
	}

	envelopes, err := s.store.List(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if envelopes == nil {
		envelopes = []*domain.Envelope{}
	}
	writeJSON(w, http.StatusOK, envelopes)
}

func (s *Server) getEnvelope(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "envelope not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) requeueEnvelope(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.Requeue(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no dead-lettered envelope with that id", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	e, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
