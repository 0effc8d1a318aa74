package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/eventstore"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// lifecycle builds a consent aggregate and returns its committed events.
func lifecycle(t *testing.T, authorize bool) (*consent.Consent, []eventstore.Event) {
	t.Helper()
	c, err := consent.Create(consent.CreateRequest{
		CustomerID:    "customer-1",
		ParticipantID: "tpp-1",
		Scopes:        []string{"accounts"},
		Purpose:       "aggregation",
		ValidityDays:  30,
	}, testNow)
	require.NoError(t, err)
	if authorize {
		require.NoError(t, c.Authorize(consent.AuthContext{AuthorizedBy: "psu", AccountIDs: []string{"acc-1"}}, testNow))
	}
	return c, c.PendingEvents()
}

func TestProjectorBuildsConsentView(t *testing.T) {
	p := NewProjector()
	c, events := lifecycle(t, true)
	for _, ev := range events {
		p.Handle(ev)
	}

	view, ok := p.Lookup(c.ConsentID)
	require.True(t, ok)
	assert.Equal(t, consent.StatusAuthorized, view.Status)
	assert.Equal(t, "tpp-1", view.ParticipantID)
	assert.Equal(t, []string{"acc-1"}, view.AccountIDs)
	assert.Equal(t, testNow.AddDate(0, 0, 30), view.ExpiresAt)
}

func TestProjectorIgnoresRedeliveries(t *testing.T) {
	p := NewProjector()
	c, events := lifecycle(t, true)
	require.NoError(t, c.RecordUsage(consent.UsageEntry{Operation: "listAccounts"}, testNow))
	events = c.PendingEvents()

	for _, ev := range events {
		p.Handle(ev)
	}
	// The outbox may redeliver after a crash; views must not double-count.
	for _, ev := range events {
		p.Handle(ev)
	}

	view, ok := p.Lookup(c.ConsentID)
	require.True(t, ok)
	assert.Equal(t, 1, view.UsageCount)

	stats, ok := p.Usage("tpp-1")
	require.True(t, ok)
	assert.Equal(t, 1, stats.TotalUses)
	assert.Equal(t, 1, stats.ByOperation["listAccounts"])
}

func TestActiveByParticipant(t *testing.T) {
	p := NewProjector()

	active, _ := lifecycle(t, true)
	for _, ev := range active.PendingEvents() {
		p.Handle(ev)
	}

	pending, _ := lifecycle(t, false)
	for _, ev := range pending.PendingEvents() {
		p.Handle(ev)
	}

	views := p.ActiveByParticipant("tpp-1", testNow.Add(time.Hour))
	require.Len(t, views, 1)
	assert.Equal(t, active.ConsentID, views[0].ConsentID)

	// Past the window nothing is active.
	assert.Empty(t, p.ActiveByParticipant("tpp-1", testNow.AddDate(0, 0, 31)))
	assert.Empty(t, p.ActiveByParticipant("tpp-9", testNow))
}

func TestDueForExpiry(t *testing.T) {
	p := NewProjector()

	open, _ := lifecycle(t, true)
	for _, ev := range open.PendingEvents() {
		p.Handle(ev)
	}

	revoked, _ := lifecycle(t, true)
	require.NoError(t, revoked.Revoke("tpp-1", "done", testNow))
	for _, ev := range revoked.PendingEvents() {
		p.Handle(ev)
	}

	// Inside the window nothing is due.
	assert.Empty(t, p.DueForExpiry(testNow.Add(time.Hour), 10))

	// Past the window only the non-terminal consent is due.
	due := p.DueForExpiry(testNow.AddDate(0, 0, 31), 10)
	require.Len(t, due, 1)
	assert.Equal(t, open.ConsentID, due[0])
}

func TestProjectorSkipsForeignAggregates(t *testing.T) {
	p := NewProjector()
	ev, err := eventstore.NewEvent("file-1", "BulkFile", "BulkFileSubmittedEvent", nil)
	require.NoError(t, err)
	ev.SequenceNumber = 1
	p.Handle(ev)

	_, ok := p.Lookup("file-1")
	assert.False(t, ok)
}

func TestLookupReturnsACopy(t *testing.T) {
	p := NewProjector()
	c, events := lifecycle(t, true)
	for _, ev := range events {
		p.Handle(ev)
	}

	view, ok := p.Lookup(c.ConsentID)
	require.True(t, ok)
	view.AccountIDs[0] = "tampered"
	view.Status = consent.StatusRevoked

	fresh, _ := p.Lookup(c.ConsentID)
	assert.Equal(t, "acc-1", fresh.AccountIDs[0])
	assert.Equal(t, consent.StatusAuthorized, fresh.Status)
}
