// Package api wires the document store to the outside world: a websocket
// endpoint speaking the docbind protocol plus a small REST surface for
// one-shot reads and writes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func SetupRoutes(backend Backend, writer Writer, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	ws := &WSHandler{Backend: backend, Log: log}
	docs := &DocHandler{Backend: backend, Writer: writer}

	r.Get("/ws", ws.HandleWS)

	r.Route("/api/docs/{collection}", func(r chi.Router) {
		r.Get("/", docs.List)
		r.Post("/", docs.Create)
		r.Get("/{id}", docs.Get)
		r.Put("/{id}", docs.Put)
		r.Delete("/{id}", docs.Delete)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
