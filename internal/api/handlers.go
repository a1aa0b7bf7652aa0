package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/docbind/internal/protocol"
	"github.com/zoravur/docbind/pkg/store"
)

// Writer is the mutation side of a document store.
type Writer interface {
	Put(ctx context.Context, path string, data map[string]any) error
	Add(ctx context.Context, collection string, data map[string]any) (store.DocumentRef, error)
	Delete(ctx context.Context, path string) error
}

// DocHandler serves plain HTTP CRUD over the same backend the websocket
// exposes. Handy for seeding and for clients that only need reads.
type DocHandler struct {
	Backend Backend
	Writer  Writer
}

func (h *DocHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	doc, err := h.Backend.Doc(path).Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !doc.Exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, protocol.EncodeDoc(doc))
}

func (h *DocHandler) List(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	docs, err := h.Backend.Collection(name).GetAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wds := make([]protocol.Doc, len(docs))
	for i, d := range docs {
		wds[i] = protocol.EncodeDoc(d)
	}
	writeJSON(w, http.StatusOK, wds)
}

func (h *DocHandler) Put(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := h.Writer.Put(r.Context(), path, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (h *DocHandler) Create(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	ref, err := h.Writer.Add(r.Context(), name, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": ref.Path()})
}

func (h *DocHandler) Delete(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if err := h.Writer.Delete(r.Context(), path); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func docPath(r *http.Request) string {
	return chi.URLParam(r, "collection") + "/" + chi.URLParam(r, "id")
}

func readBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("response encode failed", zap.Error(err))
	}
}
