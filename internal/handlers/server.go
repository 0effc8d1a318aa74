// Package handlers exposes the platform core over HTTP: consent lifecycle,
// AIS reads, bulk payment files, FX quoting and dealing, and the internal
// key material endpoints.
package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfinance/core/internal/ais"
	"github.com/openfinance/core/internal/bulk"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/directory"
	"github.com/openfinance/core/internal/fapi"
	"github.com/openfinance/core/internal/fx"
	"github.com/openfinance/core/internal/middleware"
	"github.com/openfinance/core/internal/monitoring"
	"github.com/openfinance/core/internal/outbox"
	"github.com/openfinance/core/internal/projection"
	"github.com/openfinance/core/internal/ratelimit"
	"github.com/openfinance/core/internal/saga"
	"github.com/openfinance/core/internal/secrets"
)

// Deps is everything the HTTP layer needs, wired by the composition root.
type Deps struct {
	Config     *config.Config
	Envelope   *fapi.Envelope
	Limiter    *ratelimit.Limiter
	Metrics    *monitoring.Metrics
	Dispatcher *outbox.Dispatcher
	Consents   *consent.Service
	Projector  *projection.Projector
	AIS        *ais.Service
	Bulk       *bulk.Service
	FX         *fx.Service
	Sagas      *saga.Orchestrator
	Secrets    *secrets.Store
	Directory  *directory.Client
}

// Server holds the handler set.
type Server struct {
	deps   Deps
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

// requireParticipant rejects requests from participants that are not ACTIVE
// in the trust framework. Runs after the envelope, before any business logic.
func (s *Server) requireParticipant(ctx context.Context, participantID string) error {
	if s.deps.Directory == nil {
		return nil
	}
	_, err := s.deps.Directory.RequireActive(ctx, participantID)
	return err
}

// tpp builds the standard chain for a TPP-facing endpoint: metrics/logging,
// FAPI envelope, then the per-scope rate limit.
func (s *Server) tpp(endpoint, scope string, h http.HandlerFunc) http.HandlerFunc {
	h = middleware.RateLimit(s.deps.Limiter, s.deps.Metrics, scope, h)
	h = middleware.Security(s.deps.Envelope, s.deps.Metrics, scope, h)
	return middleware.Instrument(endpoint, s.deps.Metrics, s.logger, h)
}

// write additionally refuses requests while the outbox is back-pressured.
func (s *Server) write(endpoint, scope string, h http.HandlerFunc) http.HandlerFunc {
	return s.tpp(endpoint, scope, middleware.Backpressure(s.deps.Dispatcher, h))
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Consent lifecycle.
	r.HandleFunc("/consents", s.write("consents.create", "consents:write", s.handleCreateConsent)).Methods("POST")
	r.HandleFunc("/consents/{id}/authorize", s.write("consents.authorize", "consents:write", s.handleAuthorizeConsent)).Methods("POST")
	r.HandleFunc("/consents/{id}/revoke", s.write("consents.revoke", "consents:write", s.handleRevokeConsent)).Methods("POST")
	r.HandleFunc("/consents/{id}", s.tpp("consents.get", "consents:write", s.handleGetConsent)).Methods("GET")

	// Account information.
	r.HandleFunc("/ais/accounts", s.tpp("ais.accounts", ais.ScopeAccounts, s.handleListAccounts)).Methods("GET")
	r.HandleFunc("/ais/accounts/{id}", s.tpp("ais.account", ais.ScopeAccounts, s.handleGetAccount)).Methods("GET")
	r.HandleFunc("/ais/accounts/{id}/balances", s.tpp("ais.balances", ais.ScopeAccounts, s.handleGetBalances)).Methods("GET")
	r.HandleFunc("/ais/accounts/{id}/transactions", s.tpp("ais.transactions", ais.ScopeAccounts, s.handleGetTransactions)).Methods("GET")

	// Bulk payments. Submission also takes a concurrency slot.
	r.HandleFunc("/bulk-payments/files",
		s.tpp("bulk.submit", bulk.ScopeBulkPayment,
			middleware.Backpressure(s.deps.Dispatcher,
				middleware.BulkGate(s.deps.Limiter, s.deps.Metrics, s.handleSubmitBulkFile)))).Methods("POST")
	r.HandleFunc("/bulk-payments/files/{fileId}", s.tpp("bulk.status", bulk.ScopeBulkPayment, s.handleGetBulkFile)).Methods("GET")
	r.HandleFunc("/bulk-payments/files/{fileId}/report", s.tpp("bulk.report", bulk.ScopeBulkPayment, s.handleGetBulkReport)).Methods("GET")

	// FX.
	r.HandleFunc("/fx/quotes", s.write("fx.quote", fx.ScopeFX, s.handleCreateQuote)).Methods("POST")
	r.HandleFunc("/fx/deals", s.write("fx.deal", fx.ScopeFX, s.handleExecuteDeal)).Methods("POST")
	r.HandleFunc("/fx/quotes/{quoteId}", s.tpp("fx.get", fx.ScopeFX, s.handleGetQuote)).Methods("GET")

	// Internal key material endpoints: mTLS only, no FAPI envelope.
	r.HandleFunc("/internal/secrets", middleware.Instrument("secrets.put", s.deps.Metrics, s.logger, s.handlePutSecret)).Methods("POST")
	r.HandleFunc("/internal/secrets/{key}", middleware.Instrument("secrets.get", s.deps.Metrics, s.logger, s.handleGetSecret)).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	if s.deps.Dispatcher != nil {
		status["outboxLag"] = s.deps.Dispatcher.Lag()
		if s.deps.Dispatcher.Backpressured() {
			status["status"] = "degraded"
		}
	}
	writeJSON(w, r, http.StatusOK, status)
}
