package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akarpov87/vidup"
)

// statusHandler exposes live session snapshots over HTTP for dashboards.
// It serves in-memory state only; persisting progress is the consumer's
// concern.
func statusHandler(reg *vidup.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/uploads", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, reg.List())
	})
	r.Get("/uploads/{id}", func(w http.ResponseWriter, req *http.Request) {
		snap, ok := reg.Status(chi.URLParam(req, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload session not found"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
	r.Post("/uploads/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if !reg.Cancel(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload session not found"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "cancel": "requested"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
