package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openfinance/core/internal/middleware"
	"github.com/openfinance/core/internal/oferr"
)

type putSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handlePutSecret stores or rotates key material. The response carries the
// masked value and version only; plaintext never leaves the store.
func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req putSecretRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor := r.Header.Get("x-internal-actor")
	if actor == "" {
		actor = "internal"
	}

	meta, err := s.deps.Secrets.Put(actor, req.Key, req.Value)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]interface{}{
		"masked":    meta.Masked,
		"version":   meta.Version,
		"createdAt": meta.CreatedAt,
	})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.deps.Secrets.Get(mux.Vars(r)["key"])
	if !ok {
		middleware.WriteError(w, r, oferr.New(oferr.KindNotFound, "secret_not_found", "key not found"))
		return
	}
	writeJSON(w, r, http.StatusOK, meta)
}
