// Package middleware wires the FAPI envelope, admission control, and wire
// hygiene (security headers, request logging, back-pressure) around the
// use-case handlers.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/openfinance/core/internal/fapi"
	"github.com/openfinance/core/internal/monitoring"
	"github.com/openfinance/core/internal/oferr"
	"github.com/openfinance/core/internal/outbox"
	"github.com/openfinance/core/internal/ratelimit"
)

type ctxKey int

const principalKey ctxKey = iota

// WithPrincipal stores the validated principal on the request context.
func WithPrincipal(ctx context.Context, p *fapi.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal injected by the security middleware.
func PrincipalFrom(ctx context.Context) (*fapi.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*fapi.Principal)
	return p, ok
}

// errorBody is the only error shape a TPP ever sees. Diagnostic detail stays
// in the logs.
type errorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// WriteError maps a tagged error onto the wire: status from the error kind,
// a minimal body, and the echoed interaction id.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := oferr.KindOf(err).HTTPStatus()
	writeErrorStatus(w, r, status, oferr.CodeOf(err), publicMessage(err))
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	setWireHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{ErrorCode: code, Message: message})
}

func publicMessage(err error) string {
	var e *oferr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func setWireHeaders(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get("x-fapi-interaction-id"); id != "" {
		w.Header().Set("x-fapi-interaction-id", id)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// Security runs the FAPI envelope and injects the principal. requiredScope
// may be empty for endpoints whose scope is checked by the use-case service.
func Security(env *fapi.Envelope, m *monitoring.Metrics, requiredScope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := env.Validate(r.Context(), r, requiredScope)
		if err != nil {
			m.RecordSecurityFailure(oferr.CodeOf(err))
			WriteError(w, r, err)
			return
		}
		next(w, r.WithContext(WithPrincipal(r.Context(), p)))
	}
}

// RateLimit applies the per-(participant, scope) sliding window. Denials get
// a Retry-After header and a 429.
func RateLimit(l *ratelimit.Limiter, m *monitoring.Metrics, scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeErrorStatus(w, r, http.StatusUnauthorized, "invalid_request", "no request principal")
			return
		}
		allowed, retryAfter := l.Allow(p.ParticipantID, scope)
		if !allowed {
			m.RecordRateLimitDenial(p.ParticipantID, scope)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			writeErrorStatus(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "request rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// BulkGate bounds concurrent bulk submissions per participant.
func BulkGate(l *ratelimit.Limiter, m *monitoring.Metrics, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeErrorStatus(w, r, http.StatusUnauthorized, "invalid_request", "no request principal")
			return
		}
		if !l.AcquireBulk(p.ParticipantID) {
			m.RecordRateLimitDenial(p.ParticipantID, "bulk-concurrency")
			w.Header().Set("Retry-After", "1")
			writeErrorStatus(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "too many concurrent bulk submissions")
			return
		}
		defer l.ReleaseBulk(p.ParticipantID)
		next(w, r)
	}
}

// Backpressure refuses writes while the outbox dispatcher is behind. Reads
// are unaffected; route only write endpoints through this.
func Backpressure(d *outbox.Dispatcher, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d != nil && d.Backpressured() {
			writeErrorStatus(w, r, http.StatusServiceUnavailable, "service_unavailable", "event pipeline is lagging, try again later")
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Instrument logs the request and feeds the request metrics. Also stamps the
// wire hygiene headers on every response.
func Instrument(endpoint string, m *monitoring.Metrics, logger *log.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setWireHeaders(w, r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		elapsed := time.Since(start)
		m.RecordRequest(endpoint, rec.status, elapsed.Seconds())
		logger.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, elapsed)
	}
}
