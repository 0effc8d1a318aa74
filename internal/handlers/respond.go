package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/openfinance/core/internal/fapi"
	"github.com/openfinance/core/internal/middleware"
	"github.com/openfinance/core/internal/oferr"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// principal fetches the injected principal; the security middleware always
// runs first on TPP-facing routes, so a miss is a wiring bug.
func principal(w http.ResponseWriter, r *http.Request) (*fapi.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, oferr.New(oferr.KindSecurity, "invalid_request", "no request principal"))
		return nil, false
	}
	return p, true
}

// decodeBody reads a JSON body into dst with a validation error on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteError(w, r, oferr.New(oferr.KindValidation, "schema_validation_failed", "malformed request body"))
		return false
	}
	return true
}

// idempotencyKey enforces the Idempotency-Key header on write endpoints.
func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		middleware.WriteError(w, r, oferr.New(oferr.KindValidation, "invalid_request", "Idempotency-Key header required"))
		return "", false
	}
	return key, true
}
