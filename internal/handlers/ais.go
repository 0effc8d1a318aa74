package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/openfinance/core/internal/middleware"
	"github.com/openfinance/core/internal/oferr"
)

// consentID extracts the consent reference AIS requests carry in the
// x-consent-id header.
func consentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("x-consent-id")
	if id == "" {
		middleware.WriteError(w, r, oferr.New(oferr.KindAuthorization, "consent_not_found", "x-consent-id header required"))
		return "", false
	}
	return id, true
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cid, ok := consentID(w, r)
	if !ok {
		return
	}
	accounts, err := s.deps.AIS.ListAccounts(r.Context(), p.ParticipantID, cid, p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cid, ok := consentID(w, r)
	if !ok {
		return
	}
	account, err := s.deps.AIS.GetAccount(r.Context(), p.ParticipantID, cid, mux.Vars(r)["id"], p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, account)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cid, ok := consentID(w, r)
	if !ok {
		return
	}
	balances, err := s.deps.AIS.GetBalances(r.Context(), p.ParticipantID, cid, mux.Vars(r)["id"], p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"balances": balances})
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	cid, ok := consentID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteError(w, r, oferr.New(oferr.KindValidation, "invalid_request", "from must be ISO-8601"))
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			middleware.WriteError(w, r, oferr.New(oferr.KindValidation, "invalid_request", "to must be ISO-8601"))
			return
		}
		to = t
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	result, err := s.deps.AIS.GetTransactions(r.Context(), p.ParticipantID, cid, mux.Vars(r)["id"],
		from, to, page, pageSize, p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}
