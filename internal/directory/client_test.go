package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/oferr"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// countingFramework wraps a StaticFramework and counts real lookups.
type countingFramework struct {
	inner *StaticFramework
	calls int
	err   error
}

func (f *countingFramework) Validate(ctx context.Context, participantID string) (*ValidationResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.Validate(ctx, participantID)
}

func activeResult(id string) ValidationResult {
	return ValidationResult{
		ParticipantID:   id,
		LegalName:       "Example Financial LLC",
		Roles:           []Role{RoleAISP, RolePISP},
		Status:          StatusActive,
		CertThumbprints: []string{"thumb-1"},
		ValidUntil:      testNow.Add(24 * time.Hour),
		ValidatedAt:     testNow,
	}
}

func newDirFixture() (*Client, *countingFramework, *time.Time) {
	fw := &countingFramework{inner: NewStaticFramework(false)}
	now := testNow
	c := NewClient(fw, time.Hour, time.Minute).WithClock(func() time.Time { return now })
	return c, fw, &now
}

func TestValidateCachesPositiveResults(t *testing.T) {
	c, fw, now := newDirFixture()
	fw.inner.Register(activeResult("tpp-1"))
	ctx := context.Background()

	r, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, 1, fw.calls)

	_, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fw.calls, "second lookup served from cache")

	// Past the TTL the framework is consulted again.
	*now = now.Add(time.Hour + time.Second)
	_, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fw.calls)
}

func TestValidateCapsTTLAtValidUntil(t *testing.T) {
	c, fw, now := newDirFixture()
	short := activeResult("tpp-1")
	short.ValidUntil = testNow.Add(10 * time.Minute)
	fw.inner.Register(short)
	ctx := context.Background()

	_, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)

	// Still inside validity: cached.
	*now = now.Add(9 * time.Minute)
	_, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fw.calls)

	// Validity ran out before the max TTL did: refetch.
	*now = testNow.Add(11 * time.Minute)
	_, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fw.calls)
}

func TestSuspendedUsesNegativeTTL(t *testing.T) {
	c, fw, now := newDirFixture()
	suspended := activeResult("tpp-1")
	suspended.Status = StatusSuspended
	fw.inner.Register(suspended)
	ctx := context.Background()

	_, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)

	// A reinstated TPP is only locked out for the negative TTL.
	fw.inner.Register(activeResult("tpp-1"))
	*now = now.Add(time.Minute + time.Second)
	r, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)
}

func TestOnSuspendedFiresOncePerTransition(t *testing.T) {
	c, fw, now := newDirFixture()
	fw.inner.Register(activeResult("tpp-1"))
	ctx := context.Background()

	var fired []Status
	c.OnSuspended = func(r ValidationResult) { fired = append(fired, r.Status) }

	_, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Empty(t, fired)

	suspended := activeResult("tpp-1")
	suspended.Status = StatusSuspended
	fw.inner.Register(suspended)
	*now = now.Add(2 * time.Hour)
	_, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, StatusSuspended, fired[0])

	// Still suspended on the next refetch: no second notification.
	*now = now.Add(2 * time.Minute)
	_, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestValidateServesStaleOverOutage(t *testing.T) {
	c, fw, now := newDirFixture()
	fw.inner.Register(activeResult("tpp-1"))
	ctx := context.Background()

	_, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)

	// Directory goes down after the cache expires; the stale positive is
	// still inside its validity window and keeps the TPP working.
	fw.err = errors.New("directory unreachable")
	*now = now.Add(time.Hour + time.Second)
	r, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)

	// An uncached participant has nothing to fall back to.
	_, err = c.Validate(ctx, "tpp-2")
	assert.Error(t, err)
}

func TestRequireActive(t *testing.T) {
	c, fw, _ := newDirFixture()
	fw.inner.Register(activeResult("tpp-1"))
	revoked := activeResult("tpp-2")
	revoked.Status = StatusRevoked
	fw.inner.Register(revoked)
	ctx := context.Background()

	r, err := c.RequireActive(ctx, "tpp-1")
	require.NoError(t, err)
	assert.True(t, r.HasRole(RolePISP))

	_, err = c.RequireActive(ctx, "tpp-2")
	require.Error(t, err)
	assert.True(t, oferr.Is(err, oferr.KindAuthorization))
	assert.Equal(t, "participant_not_active", oferr.CodeOf(err))

	_, err = c.RequireActive(ctx, "tpp-unknown")
	require.Error(t, err)
	assert.Equal(t, "participant_unknown", oferr.CodeOf(err))
}

func TestCertRotationShowsNewThumbprints(t *testing.T) {
	c, fw, now := newDirFixture()
	fw.inner.Register(activeResult("tpp-1"))
	ctx := context.Background()

	r, err := c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"thumb-1"}, r.CertThumbprints)

	rotated := activeResult("tpp-1")
	rotated.CertThumbprints = []string{"thumb-1", "thumb-2"}
	fw.inner.Register(rotated)

	*now = now.Add(2 * time.Hour)
	r, err = c.Validate(ctx, "tpp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"thumb-1", "thumb-2"}, r.CertThumbprints)
}

func TestStaticFrameworkPermitUnknown(t *testing.T) {
	fw := NewStaticFramework(true)
	r, err := fw.Validate(context.Background(), "tpp-dev")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)
	assert.True(t, r.HasRole(RoleAISP))

	strict := NewStaticFramework(false)
	_, err = strict.Validate(context.Background(), "tpp-dev")
	assert.Error(t, err)
}
