package secrets

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/oferr"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return NewStore().WithClock(func() time.Time { return testNow })
}

func TestPutReturnsMetadataOnly(t *testing.T) {
	s := newTestStore()

	meta, err := s.Put("ops@bank", "core-banking-api-key", "sk_live_abcdef123456")
	require.NoError(t, err)
	assert.Equal(t, "core-banking-api-key", meta.Key)
	assert.Equal(t, 1, meta.Version)
	assert.Equal(t, testNow.UTC(), meta.CreatedAt)
	assert.Equal(t, testNow.UTC(), meta.UpdatedAt)

	// The plaintext never appears in what a reader can see.
	assert.NotContains(t, meta.Masked, "live_abcdef12345")
	assert.Equal(t, "sk", meta.Masked[:2])
	assert.Equal(t, "56", meta.Masked[len(meta.Masked)-2:])
}

func TestPutValidation(t *testing.T) {
	s := newTestStore()

	_, err := s.Put("ops@bank", "", "value")
	require.Error(t, err)
	assert.True(t, oferr.Is(err, oferr.KindValidation))

	_, err = s.Put("ops@bank", "key", "")
	require.Error(t, err)
	assert.Equal(t, "secret_invalid", oferr.CodeOf(err))
}

func TestRotationBumpsVersion(t *testing.T) {
	s := newTestStore()

	first, err := s.Put("ops@bank", "webhook-secret", "original-value-1")
	require.NoError(t, err)

	second, err := s.Put("ops@bank", "webhook-secret", "rotated-value-22")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "creation time survives rotation")

	// Only the new value verifies after rotation.
	assert.False(t, s.Verify("webhook-secret", "original-value-1"))
	assert.True(t, s.Verify("webhook-secret", "rotated-value-22"))
}

func TestVerify(t *testing.T) {
	s := newTestStore()
	_, err := s.Put("ops@bank", "signing-key", "correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, s.Verify("signing-key", "correct horse battery staple"))
	assert.False(t, s.Verify("signing-key", "wrong"))
	assert.False(t, s.Verify("no-such-key", "anything"))
}

func TestGet(t *testing.T) {
	s := newTestStore()
	_, err := s.Put("ops@bank", "signing-key", "some-long-secret")
	require.NoError(t, err)

	meta, ok := s.Get("signing-key")
	require.True(t, ok)
	assert.Equal(t, 1, meta.Version)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestAuditTrailIsAppendOnly(t *testing.T) {
	s := newTestStore()
	_, err := s.Put("alice@bank", "k1", "value-one-xyz")
	require.NoError(t, err)
	_, err = s.Put("bob@bank", "k1", "value-two-xyz")
	require.NoError(t, err)
	_, err = s.Put("alice@bank", "k2", "value-three-xy")
	require.NoError(t, err)

	audit := s.Audit()
	require.Len(t, audit, 3)
	assert.Equal(t, AuditEntry{Actor: "alice@bank", Key: "k1", Version: 1, Action: "created", Timestamp: testNow.UTC()}, audit[0])
	assert.Equal(t, "rotated", audit[1].Action)
	assert.Equal(t, 2, audit[1].Version)
	assert.Equal(t, "bob@bank", audit[1].Actor)
	assert.Equal(t, "created", audit[2].Action)

	// Mutating the returned slice does not touch the log.
	audit[0].Actor = "tampered"
	assert.Equal(t, "alice@bank", s.Audit()[0].Actor)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "******", Mask("abc"))
	assert.Equal(t, "******", Mask("abcdef"))
	assert.Equal(t, "ab***fg", Mask("abcdefg"))
	assert.Equal(t, "sk"+strings.Repeat("*", 12)+"56", Mask("sk_live_12345656"[:16]))
}
