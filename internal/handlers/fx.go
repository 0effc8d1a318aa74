package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openfinance/core/internal/fx"
	"github.com/openfinance/core/internal/middleware"
)

type createQuoteRequest struct {
	SourceCurrency string `json:"sourceCurrency"`
	TargetCurrency string `json:"targetCurrency"`
	SourceAmount   string `json:"sourceAmount"`
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := s.requireParticipant(r.Context(), p.ParticipantID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	var req createQuoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	quote, err := s.deps.FX.CreateQuote(r.Context(), fx.CreateQuoteRequest{
		ParticipantID:  p.ParticipantID,
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
		SourceAmount:   req.SourceAmount,
		InteractionID:  p.InteractionID,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, quote)
}

type executeDealRequest struct {
	QuoteID string `json:"quoteId"`
}

func (s *Server) handleExecuteDeal(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req executeDealRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.deps.FX.ExecuteDeal(r.Context(), fx.ExecuteDealRequest{
		ParticipantID:  p.ParticipantID,
		QuoteID:        req.QuoteID,
		IdempotencyKey: key,
		InteractionID:  p.InteractionID,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if !result.Replay {
		s.deps.Metrics.FxDealsBooked.Inc()
	}
	writeJSON(w, r, http.StatusCreated, result)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	quote, err := s.deps.FX.GetQuote(r.Context(), p.ParticipantID, mux.Vars(r)["quoteId"], p.InteractionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, quote)
}
