package fapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// ReplayCache remembers DPoP jti values for the replay window. Remember
// returns false when the jti was already seen inside the window. Implemented
// by the admission-control package (Redis SETNX or in-memory).
type ReplayCache interface {
	Remember(ctx context.Context, key string, window time.Duration) (fresh bool, err error)
}

// DPoPProof is the verified content of a DPoP proof JWT.
type DPoPProof struct {
	JTI string
	HTM string
	HTU string
	IAT int64
	ATH string

	// KeyThumbprint is the RFC 7638 thumbprint of the proof's embedded key,
	// compared against the access token's cnf.jkt.
	KeyThumbprint string
}

type dpopClaims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath"`
}

// DPoPVerifier validates DPoP proofs per RFC 9449 with the FAPI 2.0
// freshness and replay constraints.
type DPoPVerifier struct {
	skew   time.Duration // permitted iat skew, 60s per spec
	window time.Duration // jti replay window, 5 min per spec
	replay ReplayCache
	now    func() time.Time
}

func NewDPoPVerifier(skew, window time.Duration, replay ReplayCache) *DPoPVerifier {
	if skew == 0 {
		skew = 60 * time.Second
	}
	if window == 0 {
		window = 5 * time.Minute
	}
	return &DPoPVerifier{skew: skew, window: window, replay: replay, now: time.Now}
}

// WithClock overrides the clock for tests.
func (v *DPoPVerifier) WithClock(now func() time.Time) *DPoPVerifier {
	v.now = now
	return v
}

func dpopErr(msg string) error {
	return oferr.New(oferr.KindSecurity, "invalid_dpop_proof", msg)
}

// Verify checks the proof against the live request and access token.
// The order matters only in that replay detection runs last, so a rejected
// proof never burns its jti.
func (v *DPoPVerifier) Verify(ctx context.Context, r *http.Request, proof, accessToken string) (*DPoPProof, error) {
	jws, err := ParseJWS(proof)
	if err != nil {
		return nil, dpopErr("malformed proof")
	}
	if !strings.EqualFold(jws.Header.Typ, "dpop+jwt") {
		return nil, dpopErr("typ must be dpop+jwt")
	}
	if jws.Header.JWK == nil {
		return nil, dpopErr("proof missing embedded key")
	}

	pub, err := jws.Header.JWK.PublicKey()
	if err != nil {
		return nil, dpopErr("invalid embedded key")
	}
	if err := jws.Verify(pub); err != nil {
		return nil, dpopErr("proof signature invalid")
	}

	var claims dpopClaims
	if err := json.Unmarshal(jws.Payload, &claims); err != nil {
		return nil, dpopErr("malformed proof claims")
	}
	if claims.JTI == "" {
		return nil, dpopErr("proof missing jti")
	}

	if !strings.EqualFold(claims.HTM, r.Method) {
		return nil, dpopErr("htm mismatch")
	}
	if claims.HTU != CanonicalHTU(r) {
		return nil, dpopErr("htu mismatch")
	}

	now := v.now()
	iat := time.Unix(claims.IAT, 0)
	if iat.After(now.Add(v.skew)) || iat.Before(now.Add(-v.skew)) {
		return nil, dpopErr("proof iat outside acceptance window")
	}

	if claims.ATH != HashS256([]byte(accessToken)) {
		return nil, dpopErr("ath does not match access token")
	}

	jkt, err := jws.Header.JWK.Thumbprint()
	if err != nil {
		return nil, dpopErr("cannot compute key thumbprint")
	}

	// Replay defeat: per-key jti namespace so one TPP cannot poison another's.
	fresh, err := v.replay.Remember(ctx, "dpop:"+jkt+":"+claims.JTI, v.window)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "dpop_replay_cache", err)
	}
	if !fresh {
		return nil, dpopErr("jti replay")
	}

	return &DPoPProof{
		JTI:           claims.JTI,
		HTM:           claims.HTM,
		HTU:           claims.HTU,
		IAT:           claims.IAT,
		ATH:           claims.ATH,
		KeyThumbprint: jkt,
	}, nil
}

// CanonicalHTU builds the canonical URL the proof must name: lowercase
// scheme and host, no query, no fragment.
func CanonicalHTU(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	host := strings.ToLower(r.Host)
	return scheme + "://" + host + r.URL.EscapedPath()
}

// CanonicalizeHTU normalizes an arbitrary URL string the same way, used when
// registering PAR request URIs.
func CanonicalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
