package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/middleware"
	"github.com/openfinance/core/internal/oferr"
	"github.com/openfinance/core/internal/saga"
)

type createConsentRequest struct {
	CustomerID   string   `json:"customerId"`
	Scopes       []string `json:"scopes"`
	Purpose      string   `json:"purpose"`
	ValidityDays int      `json:"validityDays"`
}

type consentResponse struct {
	ConsentID     string   `json:"consentId"`
	ParticipantID string   `json:"participantId"`
	CustomerID    string   `json:"customerId"`
	Scopes        []string `json:"scopes"`
	Purpose       string   `json:"purpose,omitempty"`
	Status        string   `json:"status"`
	CreatedAt     string   `json:"createdAt"`
	ExpiresAt     string   `json:"expiresAt"`
	AccountIDs    []string `json:"accountIds,omitempty"`
}

func toConsentResponse(c *consent.Consent) consentResponse {
	return consentResponse{
		ConsentID:     c.ConsentID,
		ParticipantID: c.ParticipantID,
		CustomerID:    c.CustomerID,
		Scopes:        c.Scopes,
		Purpose:       c.Purpose,
		Status:        string(c.Status),
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     c.ExpiresAt.Format(time.RFC3339),
		AccountIDs:    c.AccountIDs,
	}
}

func (s *Server) handleCreateConsent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := s.requireParticipant(r.Context(), p.ParticipantID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	var req createConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ValidityDays == 0 {
		req.ValidityDays = s.deps.Config.Consent.DefaultValidity
	}

	c, err := s.deps.Consents.Create(r.Context(), consent.CreateRequest{
		CustomerID:    req.CustomerID,
		ParticipantID: p.ParticipantID,
		Scopes:        req.Scopes,
		Purpose:       req.Purpose,
		ValidityDays:  req.ValidityDays,
	}, p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Metrics.ConsentTransitions.WithLabelValues(string(c.Status)).Inc()
	writeJSON(w, r, http.StatusCreated, toConsentResponse(c))
}

type authorizeConsentRequest struct {
	AuthorizedBy string   `json:"authorizedBy"`
	AccountIDs   []string `json:"accountIds"`
	RequestURI   string   `json:"requestUri,omitempty"`
}

// handleAuthorizeConsent drives the ConsentAuthorization saga: PAR consume,
// trust framework revalidation, then the aggregate transition.
func (s *Server) handleAuthorizeConsent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	consentID := mux.Vars(r)["id"]

	var req authorizeConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Authorization endpoints accept a pushed request URI; it is single use.
	if req.RequestURI != "" {
		if _, err := s.deps.Envelope.PAR().Consume(r.Context(), req.RequestURI); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
	}

	inst, err := s.deps.Sagas.Start(r.Context(), "ConsentAuthorization", saga.Data{
		saga.KeyParticipantID: p.ParticipantID,
		saga.KeyConsentID:     consentID,
		saga.KeyAuthorizedBy:  req.AuthorizedBy,
		saga.KeyAccountIDs:    strings.Join(req.AccountIDs, ","),
		saga.KeyInteractionID: p.InteractionID,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Metrics.RecordSagaOutcome(inst.SagaType, string(inst.Status))
	if inst.Status != saga.StatusCompleted {
		middleware.WriteError(w, r, oferr.Newf(oferr.KindBusinessRule, "consent_authorization_failed",
			"authorization did not complete: %s", inst.ErrorDetails))
		return
	}

	c, err := s.deps.Consents.Get(r.Context(), consentID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Metrics.ConsentTransitions.WithLabelValues(string(c.Status)).Inc()
	writeJSON(w, r, http.StatusOK, toConsentResponse(c))
}

type revokeConsentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	consentID := mux.Vars(r)["id"]

	var req revokeConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	c, err := s.getOwnedConsent(w, r, consentID, p.ParticipantID)
	if err != nil {
		return
	}
	c, err = s.deps.Consents.Revoke(r.Context(), c.ConsentID, p.ParticipantID, req.Reason, p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Metrics.ConsentTransitions.WithLabelValues(string(c.Status)).Inc()
	writeJSON(w, r, http.StatusOK, toConsentResponse(c))
}

func (s *Server) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	c, err := s.getOwnedConsent(w, r, mux.Vars(r)["id"], p.ParticipantID)
	if err != nil {
		return
	}
	writeJSON(w, r, http.StatusOK, toConsentResponse(c))
}

// getOwnedConsent loads the consent and hides other participants' consents
// behind a 403. Writes the error response itself.
func (s *Server) getOwnedConsent(w http.ResponseWriter, r *http.Request, consentID, participantID string) (*consent.Consent, error) {
	c, err := s.deps.Consents.Get(r.Context(), consentID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return nil, err
	}
	if c.ParticipantID != participantID {
		err = oferr.New(oferr.KindAuthorization, "consent_ownership", "consent belongs to another participant")
		middleware.WriteError(w, r, err)
		return nil, err
	}
	return c, nil
}
