package fapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/oferr"
)

// Principal is what the envelope yields on success. Everything downstream
// keys off the participant and the granted scopes; nothing downstream ever
// re-parses the token.
type Principal struct {
	ParticipantID  string
	PSUID          string
	Scopes         []string
	TokenJTI       string
	InteractionID  string
	CertThumbprint string
}

// HasScope reports whether the principal was granted the scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// accessClaims is the validated subset of the access token.
type accessClaims struct {
	Issuer   string      `json:"iss"`
	Audience audienceSet `json:"aud"`
	Exp      int64       `json:"exp"`
	Nbf      int64       `json:"nbf"`
	Iat      int64       `json:"iat"`
	JTI      string      `json:"jti"`
	Sub      string      `json:"sub"`
	ClientID string      `json:"client_id"`
	Scope    string      `json:"scope"`
	Cnf      struct {
		X5tS256 string `json:"x5t#S256"`
		JKT     string `json:"jkt"`
	} `json:"cnf"`
}

// audienceSet accepts both the string and array forms of `aud`.
type audienceSet []string

func (a *audienceSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

func (a audienceSet) contains(allowed []string) bool {
	for _, aud := range a {
		for _, want := range allowed {
			if aud == want {
				return true
			}
		}
	}
	return false
}

// EnvelopeConfig fixes the envelope's trust anchors and tolerances.
type EnvelopeConfig struct {
	Issuer            string
	Audiences         []string
	AuthDateSkew      time.Duration
	RequireClientCert bool
}

// Envelope is the FAPI 2.0 validation pipeline. Validation order is fixed
// and short-circuits on the first failure: transport, headers, access
// token, DPoP proof, scope.
type Envelope struct {
	cfg  EnvelopeConfig
	keys KeySource
	dpop *DPoPVerifier
	par  PARStore
	now  func() time.Time
}

func NewEnvelope(cfg EnvelopeConfig, keys KeySource, dpop *DPoPVerifier, par PARStore) *Envelope {
	if cfg.AuthDateSkew == 0 {
		cfg.AuthDateSkew = 60 * time.Second
	}
	return &Envelope{cfg: cfg, keys: keys, dpop: dpop, par: par, now: time.Now}
}

// WithClock overrides the clock for tests.
func (e *Envelope) WithClock(now func() time.Time) *Envelope {
	e.now = now
	return e
}

// PAR exposes the PAR store for the authorization endpoints, which consume
// request URIs after the envelope has admitted the request.
func (e *Envelope) PAR() PARStore { return e.par }

func secErr(code, msg string) error {
	return oferr.New(oferr.KindSecurity, code, msg)
}

// Validate runs the full pipeline and returns the request principal.
// requiredScope may be empty for endpoints whose scope depends on the
// resource (checked later by the use-case service).
func (e *Envelope) Validate(ctx context.Context, r *http.Request, requiredScope string) (*Principal, error) {
	// 1. Transport: mTLS peer certificate.
	certThumb := ""
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		certThumb = CertThumbprintS256(r.TLS.PeerCertificates[0])
	} else if e.cfg.RequireClientCert {
		return nil, secErr("invalid_request", "client certificate required")
	}

	// 2. Required FAPI headers.
	interactionID := r.Header.Get("x-fapi-interaction-id")
	if _, err := uuid.Parse(interactionID); err != nil {
		return nil, secErr("invalid_request", "x-fapi-interaction-id must be a UUID")
	}
	if err := e.checkAuthDate(r.Header.Get("x-fapi-auth-date")); err != nil {
		return nil, err
	}
	if ip := r.Header.Get("x-fapi-customer-ip-address"); net.ParseIP(ip) == nil {
		return nil, secErr("invalid_request", "x-fapi-customer-ip-address must be a valid IP")
	}

	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return nil, secErr("invalid_token", "missing bearer token")
	}
	accessToken := strings.TrimPrefix(authz, "Bearer ")

	dpopHeader := r.Header.Get("DPoP")
	if dpopHeader == "" {
		return nil, secErr("invalid_dpop_proof", "missing DPoP header")
	}

	// 3. Access token.
	claims, err := e.verifyAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if e.cfg.RequireClientCert || certThumb != "" {
		if claims.Cnf.X5tS256 == "" || claims.Cnf.X5tS256 != certThumb {
			return nil, secErr("invalid_token", "token not bound to presented client certificate")
		}
	}

	// 4. DPoP proof, then key binding against cnf.jkt.
	proof, err := e.dpop.Verify(ctx, r, dpopHeader, accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Cnf.JKT == "" || claims.Cnf.JKT != proof.KeyThumbprint {
		return nil, secErr("invalid_dpop_proof", "token not bound to DPoP key")
	}

	// 5. Scope.
	scopes := strings.Fields(claims.Scope)
	if requiredScope != "" && !containsScope(scopes, requiredScope) {
		return nil, oferr.Newf(oferr.KindSecurity, "insufficient_scope",
			"scope %q required", requiredScope)
	}

	participantID := claims.ClientID
	if participantID == "" {
		return nil, secErr("invalid_token", "token missing client_id")
	}

	return &Principal{
		ParticipantID:  participantID,
		PSUID:          claims.Sub,
		Scopes:         scopes,
		TokenJTI:       claims.JTI,
		InteractionID:  interactionID,
		CertThumbprint: certThumb,
	}, nil
}

func (e *Envelope) verifyAccessToken(ctx context.Context, token string) (*accessClaims, error) {
	jws, err := ParseJWS(token)
	if err != nil {
		return nil, err
	}

	key, err := e.keys.Key(ctx, jws.Header.Kid)
	if err != nil {
		return nil, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, secErr("invalid_token", "unusable signing key")
	}
	if err := jws.Verify(pub); err != nil {
		return nil, err
	}

	var claims accessClaims
	if err := json.Unmarshal(jws.Payload, &claims); err != nil {
		return nil, secErr("invalid_token", "malformed token claims")
	}

	now := e.now()
	if claims.Issuer != e.cfg.Issuer {
		return nil, secErr("invalid_token", "untrusted issuer")
	}
	if !claims.Audience.contains(e.cfg.Audiences) {
		return nil, secErr("invalid_token", "audience mismatch")
	}
	if claims.Exp == 0 || now.After(time.Unix(claims.Exp, 0)) {
		return nil, secErr("invalid_token", "token expired")
	}
	if claims.Nbf != 0 && now.Before(time.Unix(claims.Nbf, 0)) {
		return nil, secErr("invalid_token", "token not yet valid")
	}
	if claims.Iat != 0 && time.Unix(claims.Iat, 0).After(now.Add(e.cfg.AuthDateSkew)) {
		return nil, secErr("invalid_token", "token issued in the future")
	}
	return &claims, nil
}

func (e *Envelope) checkAuthDate(value string) error {
	if value == "" {
		return secErr("invalid_request", "x-fapi-auth-date required")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return secErr("invalid_request", "x-fapi-auth-date must be ISO-8601")
	}
	if d := e.now().Sub(t); d > e.cfg.AuthDateSkew || d < -e.cfg.AuthDateSkew {
		return secErr("invalid_request", "x-fapi-auth-date outside acceptance window")
	}
	return nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
