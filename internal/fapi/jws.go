// Package fapi implements the FAPI 2.0 security envelope: mTLS thumbprint
// binding, signed access-token validation, DPoP proof-of-possession checks,
// PAR handling, and the fixed-order request validation pipeline. Every
// request is rejected here before any business logic runs.
package fapi

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/openfinance/core/internal/oferr"
)

// JWK is the subset of RFC 7517 needed for RS256/PS256/ES256 verification.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// PublicKey converts the JWK to a crypto.PublicKey.
func (k *JWK) PublicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("jwk n: %w", err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("jwk e: %w", err)
		}
		e := 0
		for _, b := range eb {
			e = e<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("jwk x: %w", err)
		}
		yb, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("jwk y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported kty %q", k.Kty)
	}
}

// Thumbprint computes the RFC 7638 SHA-256 JWK thumbprint (the `jkt` value
// a DPoP-bound token carries in cnf.jkt).
func (k *JWK) Thumbprint() (string, error) {
	var canonical string
	switch k.Kty {
	case "RSA":
		canonical = fmt.Sprintf(`{"e":%q,"kty":"RSA","n":%q}`, k.E, k.N)
	case "EC":
		canonical = fmt.Sprintf(`{"crv":%q,"kty":"EC","x":%q,"y":%q}`, k.Crv, k.X, k.Y)
	default:
		return "", fmt.Errorf("unsupported kty %q", k.Kty)
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// JWSHeader is the protected header of a compact JWS.
type JWSHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid,omitempty"`
	JWK *JWK   `json:"jwk,omitempty"`
}

// JWS is a parsed (not yet verified) compact serialization.
type JWS struct {
	Header      JWSHeader
	RawHeader   string
	RawPayload  string
	Payload     []byte
	Signature   []byte
	SigningData []byte // header.payload, the bytes the signature covers
}

// ParseJWS splits and decodes a compact JWS without verifying it.
func ParseJWS(token string) (*JWS, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, oferr.New(oferr.KindSecurity, "invalid_token", "malformed JWT")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, oferr.New(oferr.KindSecurity, "invalid_token", "malformed JWT header")
	}
	var header JWSHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, oferr.New(oferr.KindSecurity, "invalid_token", "malformed JWT header")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, oferr.New(oferr.KindSecurity, "invalid_token", "malformed JWT payload")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, oferr.New(oferr.KindSecurity, "invalid_token", "malformed JWT signature")
	}

	return &JWS{
		Header:      header,
		RawHeader:   parts[0],
		RawPayload:  parts[1],
		Payload:     payload,
		Signature:   sig,
		SigningData: []byte(parts[0] + "." + parts[1]),
	}, nil
}

// Verify checks the signature against the given public key using the
// header's algorithm. Only the FAPI-permitted asymmetric algorithms are
// accepted; "none" and HMAC are rejected outright.
func (j *JWS) Verify(pub crypto.PublicKey) error {
	digest := sha256.Sum256(j.SigningData)

	switch j.Header.Alg {
	case "RS256":
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return oferr.New(oferr.KindSecurity, "invalid_token", "key type does not match alg")
		}
		if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], j.Signature); err != nil {
			return oferr.New(oferr.KindSecurity, "invalid_token", "signature verification failed")
		}
	case "PS256":
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return oferr.New(oferr.KindSecurity, "invalid_token", "key type does not match alg")
		}
		if err := rsa.VerifyPSS(rsaKey, crypto.SHA256, digest[:], j.Signature, nil); err != nil {
			return oferr.New(oferr.KindSecurity, "invalid_token", "signature verification failed")
		}
	case "ES256":
		ecKey, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return oferr.New(oferr.KindSecurity, "invalid_token", "key type does not match alg")
		}
		if len(j.Signature) != 64 {
			return oferr.New(oferr.KindSecurity, "invalid_token", "malformed ES256 signature")
		}
		r := new(big.Int).SetBytes(j.Signature[:32])
		s := new(big.Int).SetBytes(j.Signature[32:])
		if !ecdsa.Verify(ecKey, digest[:], r, s) {
			return oferr.New(oferr.KindSecurity, "invalid_token", "signature verification failed")
		}
	default:
		return oferr.Newf(oferr.KindSecurity, "invalid_token", "algorithm %q not permitted", j.Header.Alg)
	}
	return nil
}

// CertThumbprintS256 computes the x5t#S256 value for a client certificate:
// base64url(SHA-256(DER)).
func CertThumbprintS256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashS256 is the generic request-content hash used for `ath` and file
// integrity checks: base64url(SHA-256(data)).
func HashS256(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
