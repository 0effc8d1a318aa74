package handlers

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/ais"
	"github.com/openfinance/core/internal/bulk"
	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/directory"
	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/fapi"
	"github.com/openfinance/core/internal/fx"
	"github.com/openfinance/core/internal/idempotency"
	"github.com/openfinance/core/internal/monitoring"
	"github.com/openfinance/core/internal/outbox"
	"github.com/openfinance/core/internal/projection"
	"github.com/openfinance/core/internal/ratelimit"
	"github.com/openfinance/core/internal/saga"
	"github.com/openfinance/core/internal/secrets"
)

const (
	testIssuer   = "https://auth.example.test"
	testAudience = "open-banking-api"
	testHost     = "api.example.test"
)

// Prometheus metrics register on the default registry, so the test binary
// shares one instance.
var testMetrics = monitoring.NewMetrics()

// signer signs compact JWS tokens with a throwaway P-256 key.
type signer struct {
	key *ecdsa.PrivateKey
	kid string
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &signer{key: key, kid: kid}
}

func (s *signer) jwk() fapi.JWK {
	x := s.key.PublicKey.X.FillBytes(make([]byte, 32))
	y := s.key.PublicKey.Y.FillBytes(make([]byte, 32))
	return fapi.JWK{
		Kty: "EC",
		Crv: "P-256",
		Kid: s.kid,
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

func (s *signer) sign(t *testing.T, header, claims map[string]interface{}) string {
	t.Helper()
	hj, err := json.Marshal(header)
	require.NoError(t, err)
	cj, err := json.Marshal(claims)
	require.NoError(t, err)
	signing := base64.RawURLEncoding.EncodeToString(hj) + "." + base64.RawURLEncoding.EncodeToString(cj)

	digest := sha256.Sum256([]byte(signing))
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	require.NoError(t, err)
	sig := append(r.FillBytes(make([]byte, 32)), sv.FillBytes(make([]byte, 32))...)
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig)
}

type serverFixture struct {
	t        *testing.T
	router   *mux.Router
	asKey    *signer
	tppKey   *signer
	consents *consent.Service
	data     *ais.MemoryData
	store    *eventstore.MemoryStore
}

type serverOpts struct {
	limits       ratelimit.Limits
	lagThreshold int
}

func newServerFixture(t *testing.T) *serverFixture {
	return newServerFixtureOpts(t, serverOpts{lagThreshold: 10000})
}

func newServerFixtureOpts(t *testing.T, opts serverOpts) *serverFixture {
	t.Helper()
	cfg := config.Default()
	f := &serverFixture{
		t:      t,
		asKey:  newSigner(t, "as-key-1"),
		tppKey: newSigner(t, "tpp-key-1"),
		store:  eventstore.NewMemoryStore(),
		data:   ais.NewMemoryData(),
	}

	kv := cache.NewMemoryWithClock(time.Now)
	f.consents = consent.NewService(consent.NewRepository(f.store, cfg.Consent.SnapshotEvery), projection.NewProjector())

	fw := directory.NewStaticFramework(false)
	fw.Register(directory.ValidationResult{
		ParticipantID: "tpp-1",
		LegalName:     "Example Financial LLC",
		Roles:         []directory.Role{directory.RoleAISP, directory.RolePISP},
		Status:        directory.StatusActive,
		ValidUntil:    time.Now().Add(24 * time.Hour),
		ValidatedAt:   time.Now(),
	})
	dir := directory.NewClient(fw, time.Hour, time.Minute)

	env := fapi.NewEnvelope(fapi.EnvelopeConfig{
		Issuer:    testIssuer,
		Audiences: []string{testAudience},
	}, fapi.StaticKeys{f.asKey.kid: f.asKey.jwk()},
		fapi.NewDPoPVerifier(0, 0, ratelimit.NewMemoryReplayWithClock(time.Now)),
		fapi.NewMemoryPARStore(time.Minute))

	idem := idempotency.NewStore(kv, cfg.Idempotency.TTL)
	sagas := saga.NewOrchestrator(saga.NewMemoryRepository(), cfg.Saga)
	sagas.Register(saga.ConsentAuthorizationDefinition(dir, f.consents, cfg.Saga.DefaultTimeout))

	f.data.SeedAccount(
		ais.Account{AccountID: "acc-1", IBAN: "AE070331234567890123456", Currency: "AED", Type: "CURRENT", Status: "ACTIVE"},
		[]ais.Balance{{AccountID: "acc-1", Type: "AVAILABLE", Amount: "1500.00", Currency: "AED", AsOf: time.Now()}},
		nil,
	)

	server := NewServer(Deps{
		Config:     cfg,
		Envelope:   env,
		Limiter:    ratelimit.NewLimiterWithClock(opts.limits, time.Now),
		Metrics:    testMetrics,
		Dispatcher: outbox.NewDispatcher(f.store, outbox.NewMemoryBus(), time.Second, 100, opts.lagThreshold),
		Consents:   f.consents,
		Projector:  projection.NewProjector(),
		AIS:        ais.NewService(f.consents, f.data, kv, cfg.AIS),
		Bulk:       bulk.NewService(f.consents, bulk.NewMemoryRepository(), idem, f.store, kv, cfg.Bulk),
		FX: fx.NewService(fx.NewMemoryRepository(), fx.StaticRates{"USD/EUR": "0.901550"},
			idem, f.store, kv, cfg.FX),
		Sagas:     sagas,
		Secrets:   secrets.NewStore(),
		Directory: dir,
	})
	f.router = server.Router()
	return f
}

// token signs an access token for the given participant bound to the
// fixture's DPoP key.
func (f *serverFixture) token(participantID, scope string) string {
	jwk := f.tppKey.jwk()
	jkt, err := jwk.Thumbprint()
	require.NoError(f.t, err)
	now := time.Now()
	return f.asKey.sign(f.t, map[string]interface{}{
		"alg": "ES256", "typ": "JWT", "kid": f.asKey.kid,
	}, map[string]interface{}{
		"iss":       testIssuer,
		"aud":       testAudience,
		"exp":       now.Add(time.Hour).Unix(),
		"iat":       now.Unix(),
		"jti":       uuid.NewString(),
		"sub":       "customer-1",
		"client_id": participantID,
		"scope":     scope,
		"cnf":       map[string]string{"jkt": jkt},
	})
}

func allScopes() string {
	return strings.Join([]string{"consents:write", ais.ScopeAccounts, bulk.ScopeBulkPayment, fx.ScopeFX}, " ")
}

// do performs a fully signed FAPI request against the router.
func (f *serverFixture) do(method, path, participantID string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, "http://"+testHost+path, &buf)

	token := f.token(participantID, allScopes())
	jwk := f.tppKey.jwk()
	proof := f.tppKey.sign(f.t, map[string]interface{}{
		"alg": "ES256", "typ": "dpop+jwt", "jwk": &jwk,
	}, map[string]interface{}{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": "http://" + testHost + r.URL.EscapedPath(),
		"iat": time.Now().Unix(),
		"ath": fapi.HashS256([]byte(token)),
	})

	r.Header.Set("x-fapi-interaction-id", uuid.NewString())
	r.Header.Set("x-fapi-auth-date", time.Now().Format(time.RFC3339))
	r.Header.Set("x-fapi-customer-ip-address", "203.0.113.7")
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("DPoP", proof)
	for k, v := range headers {
		r.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(dst))
}

// createConsent drives POST /consents and returns the consent id.
func (f *serverFixture) createConsent(t *testing.T, scopes []string) string {
	t.Helper()
	w := f.do(http.MethodPost, "/consents", "tpp-1", map[string]interface{}{
		"customerId": "customer-1",
		"scopes":     scopes,
		"purpose":    "account aggregation",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp map[string]interface{}
	decode(t, w, &resp)
	return resp["consentId"].(string)
}

func (f *serverFixture) authorizeConsent(t *testing.T, consentID string, accountIDs []string) {
	t.Helper()
	w := f.do(http.MethodPost, "/consents/"+consentID+"/authorize", "tpp-1", map[string]interface{}{
		"authorizedBy": "customer-1",
		"accountIds":   accountIDs,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	r := httptest.NewRequest(http.MethodGet, "http://"+testHost+"/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestConsentLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodPost, "/consents", "tpp-1", map[string]interface{}{
		"customerId": "customer-1",
		"scopes":     []string{"accounts"},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("x-fapi-interaction-id"))

	var created map[string]interface{}
	decode(t, w, &created)
	assert.Equal(t, "PENDING", created["status"])
	assert.Equal(t, "tpp-1", created["participantId"])
	id := created["consentId"].(string)

	f.authorizeConsent(t, id, []string{"acc-1"})

	w = f.do(http.MethodGet, "/consents/"+id, "tpp-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]interface{}
	decode(t, w, &got)
	assert.Equal(t, "AUTHORIZED", got["status"])

	w = f.do(http.MethodPost, "/consents/"+id+"/revoke", "tpp-1", map[string]interface{}{
		"reason": "customer request",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var revoked map[string]interface{}
	decode(t, w, &revoked)
	assert.Equal(t, "REVOKED", revoked["status"])
}

func TestSecurityRejectionOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	r := httptest.NewRequest(http.MethodPost, "http://"+testHost+"/consents", strings.NewReader("{}"))
	r.Header.Set("x-fapi-interaction-id", uuid.NewString())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "invalid_request", body["errorCode"])

	// With headers present but no DPoP proof the rejection names the proof.
	w2 := f.do(http.MethodPost, "/consents", "tpp-1", map[string]interface{}{}, map[string]string{"DPoP": ""})
	require.Equal(t, http.StatusUnauthorized, w2.Code)
	var body2 map[string]string
	decode(t, w2, &body2)
	assert.Equal(t, "invalid_dpop_proof", body2["errorCode"])
}

func TestConsentOwnershipOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	id := f.createConsent(t, []string{"accounts"})

	w := f.do(http.MethodGet, "/consents/"+id, "tpp-2", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "consent_ownership", body["errorCode"])
}

func TestAISOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	id := f.createConsent(t, []string{"accounts"})
	f.authorizeConsent(t, id, []string{"acc-1"})

	w := f.do(http.MethodGet, "/ais/accounts", "tpp-1", nil, map[string]string{"x-consent-id": id})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Accounts []ais.Account `json:"accounts"`
	}
	decode(t, w, &body)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "acc-1", body.Accounts[0].AccountID)

	// The consent reference header is mandatory on AIS reads.
	w = f.do(http.MethodGet, "/ais/accounts", "tpp-1", nil, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	var errBody map[string]string
	decode(t, w, &errBody)
	assert.Equal(t, "consent_not_found", errBody["errorCode"])
}

func TestBulkSubmitOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	id := f.createConsent(t, []string{"bulk-payment"})
	f.authorizeConsent(t, id, nil)

	content := "instruction_id,payee_iban,amount\ni-1,AE070331234567890123456,100.00\n"
	sum := sha256.Sum256([]byte(content))

	body := map[string]interface{}{
		"consentId":   id,
		"fileName":    "payroll.csv",
		"fileContent": content,
		"fileHash":    hex.EncodeToString(sum[:]),
	}

	// Write endpoints refuse to run without an idempotency key.
	w := f.do(http.MethodPost, "/bulk-payments/files", "tpp-1", body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/bulk-payments/files", "tpp-1", body, map[string]string{"Idempotency-Key": "key-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var result struct {
		File struct {
			FileID       string `json:"fileId"`
			Status       string `json:"status"`
			TargetStatus string `json:"targetStatus"`
		} `json:"file"`
	}
	decode(t, w, &result)
	assert.Equal(t, "PROCESSING", result.File.Status)
	assert.Equal(t, "COMPLETED", result.File.TargetStatus)

	w = f.do(http.MethodGet, "/bulk-payments/files/"+result.File.FileID, "tpp-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestFXOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodPost, "/fx/quotes", "tpp-1", map[string]interface{}{
		"sourceCurrency": "USD",
		"targetCurrency": "EUR",
		"sourceAmount":   "100.00",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var quote struct {
		QuoteID      string `json:"quoteId"`
		TargetAmount string `json:"targetAmount"`
	}
	decode(t, w, &quote)
	assert.Equal(t, "90.16", quote.TargetAmount)

	w = f.do(http.MethodPost, "/fx/deals", "tpp-1", map[string]interface{}{
		"quoteId": quote.QuoteID,
	}, map[string]string{"Idempotency-Key": "deal-key-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// An unlisted pair is a business-rule rejection, not a validation error.
	w = f.do(http.MethodPost, "/fx/quotes", "tpp-1", map[string]interface{}{
		"sourceCurrency": "USD",
		"targetCurrency": "JPY",
		"sourceAmount":   "100.00",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var errBody map[string]string
	decode(t, w, &errBody)
	assert.Equal(t, "market_closed", errBody["errorCode"])
}

func TestRateLimitOverHTTP(t *testing.T) {
	f := newServerFixtureOpts(t, serverOpts{
		limits:       ratelimit.Limits{GeneralCallsPerMinute: 2, BurstFraction: 0.01},
		lagThreshold: 10000,
	})
	id := f.createConsent(t, []string{"accounts"})

	w := f.do(http.MethodGet, "/consents/"+id, "tpp-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Third request inside the window (create counted too) is denied.
	w = f.do(http.MethodGet, "/consents/"+id, "tpp-1", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "rate_limit_exceeded", body["errorCode"])
}

func TestBackpressureOverHTTP(t *testing.T) {
	f := newServerFixtureOpts(t, serverOpts{lagThreshold: 0})

	// First write goes through with an empty outbox.
	f.createConsent(t, []string{"accounts"})

	// Its event is still undispatched, so the pipeline refuses further writes.
	w := f.do(http.MethodPost, "/consents", "tpp-1", map[string]interface{}{
		"customerId": "customer-2",
		"scopes":     []string{"accounts"},
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "service_unavailable", body["errorCode"])
}

func TestSecretsEndpointsOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	r := httptest.NewRequest(http.MethodPost, "http://"+testHost+"/internal/secrets",
		strings.NewReader(`{"key":"core-api-key","value":"sk_live_abcdef123456"}`))
	r.Header.Set("x-internal-actor", "ops@bank")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]interface{}
	decode(t, w, &created)
	assert.Equal(t, float64(1), created["version"])
	assert.NotContains(t, created["masked"], "abcdef1234")

	r = httptest.NewRequest(http.MethodGet, "http://"+testHost+"/internal/secrets/core-api-key", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodGet, "http://"+testHost+"/internal/secrets/missing", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
