package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/idempotency"
	"github.com/openfinance/core/internal/oferr"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	goodIBAN  = "AE070331234567890123456"
	goodIBAN2 = "GB29NWBK60161331926819"
	badIBAN   = "XX-not-an-iban"
)

type fixture struct {
	svc       *Service
	consents  *consent.Service
	store     *eventstore.MemoryStore
	consentID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventstore.NewMemoryStore()
	consents := consent.NewService(consent.NewRepository(store, 100), nil)
	consents.WithClock(func() time.Time { return testNow })

	c, err := consents.Create(context.Background(), consent.CreateRequest{
		CustomerID:    "customer-1",
		ParticipantID: "tpp-1",
		Scopes:        []string{ScopeBulkPayment, "accounts"},
		ValidityDays:  30,
	}, "")
	require.NoError(t, err)
	_, err = consents.Authorize(context.Background(), c.ConsentID, consent.AuthContext{AuthorizedBy: "psu"}, "")
	require.NoError(t, err)

	cfg := config.Default().Bulk
	svc := NewService(consents, NewMemoryRepository(), idempotency.NewStore(cache.NewMemoryWithClock(time.Now), time.Hour), store, cache.NewMemoryWithClock(time.Now), cfg)
	svc.WithClock(func() time.Time { return testNow })
	return &fixture{svc: svc, consents: consents, store: store, consentID: c.ConsentID}
}

func csv(rows ...string) []byte {
	return []byte("instruction_id,payee_iban,amount\n" + strings.Join(rows, "\n") + "\n")
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (f *fixture) submit(t *testing.T, content []byte, mode IntegrityMode, key string) (SubmitResult, error) {
	t.Helper()
	return f.svc.SubmitFile(context.Background(), SubmitRequest{
		ParticipantID:  "tpp-1",
		ConsentID:      f.consentID,
		IdempotencyKey: key,
		InteractionID:  "int-1",
		FileName:       "batch.csv",
		IntegrityMode:  mode,
		FileContent:    content,
		FileHash:       hashOf(content),
	})
}

func TestSubmitCleanFile(t *testing.T) {
	f := newFixture(t)
	content := csv(
		"i-1,"+goodIBAN+",100.00",
		"i-2,"+goodIBAN2+",50.50",
	)

	res, err := f.submit(t, content, BestEffort, "key-1")
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, res.File.Status)
	assert.Equal(t, StatusCompleted, res.File.TargetStatus)
	assert.Equal(t, 2, res.File.TotalCount)
	assert.Equal(t, 2, res.File.AcceptedCount)
	assert.Equal(t, 0, res.File.RejectedCount)
	assert.Equal(t, "150.50", res.File.TotalAmount)
	assert.False(t, res.Replay)

	// Submission appends the first stream event.
	events, err := f.store.Load(context.Background(), res.File.FileID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventFileSubmitted, events[0].EventType)
}

func TestSubmitPartialAcceptance(t *testing.T) {
	f := newFixture(t)
	content := csv(
		"i-1,"+goodIBAN+",100.00",
		"i-2,"+badIBAN+",50.00",
	)

	res, err := f.submit(t, content, BestEffort, "key-1")
	require.NoError(t, err)

	assert.Equal(t, StatusPartiallyAccepted, res.File.TargetStatus)
	assert.Equal(t, 1, res.File.AcceptedCount)
	assert.Equal(t, 1, res.File.RejectedCount)
	assert.Equal(t, "100.00", res.File.TotalAmount, "rejected rows never count toward the total")

	report, err := f.svc.GetFileReport(context.Background(), "tpp-1", res.File.FileID)
	require.NoError(t, err)
	require.Len(t, report.Instructions, 2)
	assert.True(t, report.Instructions[0].Accepted)
	assert.False(t, report.Instructions[1].Accepted)
	assert.Equal(t, "Invalid IBAN", report.Instructions[1].Reason)
}

func TestSubmitFullRejectionMode(t *testing.T) {
	f := newFixture(t)
	content := csv(
		"i-1,"+goodIBAN+",100.00",
		"i-2,"+badIBAN+",50.00",
	)

	res, err := f.submit(t, content, FullRejection, "key-1")
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, res.File.TargetStatus)
	assert.Equal(t, 0, res.File.AcceptedCount)
	assert.Equal(t, 2, res.File.RejectedCount)
	assert.Equal(t, "0.00", res.File.TotalAmount)

	report, err := f.svc.GetFileReport(context.Background(), "tpp-1", res.File.FileID)
	require.NoError(t, err)
	for _, in := range report.Instructions {
		assert.False(t, in.Accepted)
	}
	assert.Equal(t, "Rejected by full-rejection mode", report.Instructions[0].Reason)
	assert.Equal(t, "Invalid IBAN", report.Instructions[1].Reason)
}

func TestStatusPollingReachesTarget(t *testing.T) {
	f := newFixture(t)
	res, err := f.submit(t, csv("i-1,"+goodIBAN+",10.00"), BestEffort, "key-1")
	require.NoError(t, err)
	fileID := res.File.FileID
	ctx := context.Background()

	polls := res.File.PollsToComplete
	for i := 1; i < polls; i++ {
		file, err := f.svc.GetFileStatus(ctx, "tpp-1", fileID, "int-1")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, file.Status, "poll %d", i)
		assert.Equal(t, i, file.PollCount)
	}

	file, err := f.svc.GetFileStatus(ctx, "tpp-1", fileID, "int-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, file.Status)

	// Terminal files are immutable: further polls do not advance anything.
	again, err := f.svc.GetFileStatus(ctx, "tpp-1", fileID, "int-1")
	require.NoError(t, err)
	assert.Equal(t, file.PollCount, again.PollCount)
	assert.Equal(t, StatusCompleted, again.Status)

	// Finalization appended the second stream event exactly once.
	events, err := f.store.Load(ctx, fileID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventFileFinalized, events[1].EventType)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	content := csv("i-1," + goodIBAN + ",10.00")

	first, err := f.submit(t, content, BestEffort, "key-1")
	require.NoError(t, err)

	second, err := f.submit(t, content, BestEffort, "key-1")
	require.NoError(t, err)

	assert.True(t, second.Replay)
	assert.Equal(t, first.File.FileID, second.File.FileID)

	// Exactly one submission event exists.
	events, err := f.store.Load(context.Background(), first.File.FileID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIdempotencyKeyReuseConflicts(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, csv("i-1,"+goodIBAN+",10.00"), BestEffort, "key-1")
	require.NoError(t, err)

	_, err = f.submit(t, csv("i-2,"+goodIBAN2+",20.00"), BestEffort, "key-1")
	require.Error(t, err)
	assert.True(t, oferr.Is(err, oferr.KindIdempotencyConflict))
}

func TestSubmitRejectsBadHash(t *testing.T) {
	f := newFixture(t)
	content := csv("i-1," + goodIBAN + ",10.00")

	_, err := f.svc.SubmitFile(context.Background(), SubmitRequest{
		ParticipantID:  "tpp-1",
		ConsentID:      f.consentID,
		IdempotencyKey: "key-1",
		InteractionID:  "int-1",
		IntegrityMode:  BestEffort,
		FileContent:    content,
		FileHash:       hashOf([]byte("something else")),
	})
	require.Error(t, err)
	assert.Equal(t, "integrity_failure", oferr.CodeOf(err))
}

func TestSubmitSizeBoundary(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.MaxFileSizeBytes = 1024

	header := "instruction_id,payee_iban,amount\n"
	line := "i-1," + goodIBAN + ",10.00\n"
	content := header + line
	for len(content)+len(line) <= 1024 {
		content += line
	}
	pad := 1024 - len(content)
	exact := []byte(content + strings.Repeat("\n", pad))
	require.Len(t, exact, 1024)

	_, err := f.submit(t, exact, BestEffort, "key-exact")
	assert.NoError(t, err, "a file of exactly the limit is accepted")

	over := append(append([]byte(nil), exact...), '\n')
	_, err = f.submit(t, over, BestEffort, "key-over")
	require.Error(t, err)
	assert.Equal(t, "payload_too_large", oferr.CodeOf(err))
}

func TestSubmitSchemaFailures(t *testing.T) {
	f := newFixture(t)
	cases := map[string][]byte{
		"wrong header":    []byte("id,iban,amt\ni-1," + goodIBAN + ",10.00\n"),
		"missing column":  csv("i-1," + goodIBAN),
		"extra column":    csv("i-1," + goodIBAN + ",10.00,extra"),
		"empty column":    csv("," + goodIBAN + ",10.00"),
		"bad amount":      csv("i-1," + goodIBAN + ",ten"),
		"zero amount":     csv("i-1," + goodIBAN + ",0.00"),
		"negative amount": csv("i-1," + goodIBAN + ",-5.00"),
		"header only":     []byte("instruction_id,payee_iban,amount\n"),
	}
	for name, content := range cases {
		_, err := f.submit(t, content, BestEffort, "key-"+name)
		require.Error(t, err, name)
		assert.Equal(t, "schema_validation_failed", oferr.CodeOf(err), name)
	}
}

func TestSubmitRequiresUsableConsentWithScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := csv("i-1," + goodIBAN + ",10.00")

	// Unknown consent.
	_, err := f.svc.SubmitFile(ctx, SubmitRequest{
		ParticipantID: "tpp-1", ConsentID: "nope", IdempotencyKey: "k", InteractionID: "i",
		FileContent: content, FileHash: hashOf(content),
	})
	require.Error(t, err)
	assert.Equal(t, "consent_not_found", oferr.CodeOf(err))

	// Foreign consent.
	_, err = f.svc.SubmitFile(ctx, SubmitRequest{
		ParticipantID: "tpp-2", ConsentID: f.consentID, IdempotencyKey: "k", InteractionID: "i",
		FileContent: content, FileHash: hashOf(content),
	})
	require.Error(t, err)
	assert.Equal(t, "consent_ownership", oferr.CodeOf(err))

	// Consent without the bulk-payment scope.
	other, err := f.consents.Create(ctx, consent.CreateRequest{
		CustomerID: "customer-2", ParticipantID: "tpp-1", Scopes: []string{"accounts"}, ValidityDays: 30,
	}, "")
	require.NoError(t, err)
	_, err = f.consents.Authorize(ctx, other.ConsentID, consent.AuthContext{AuthorizedBy: "psu"}, "")
	require.NoError(t, err)

	_, err = f.svc.SubmitFile(ctx, SubmitRequest{
		ParticipantID: "tpp-1", ConsentID: other.ConsentID, IdempotencyKey: "k", InteractionID: "i",
		FileContent: content, FileHash: hashOf(content),
	})
	require.Error(t, err)
	assert.Equal(t, "scope_missing", oferr.CodeOf(err))

	// Revoked consent.
	_, err = f.consents.Revoke(ctx, f.consentID, "psu", "done", "")
	require.NoError(t, err)
	_, err = f.submit(t, content, BestEffort, "key-revoked")
	require.Error(t, err)
	assert.Equal(t, "consent_not_usable", oferr.CodeOf(err))
}

func TestSubmitRecordsConsentUsage(t *testing.T) {
	f := newFixture(t)
	_, err := f.submit(t, csv("i-1,"+goodIBAN+",10.00"), BestEffort, "key-1")
	require.NoError(t, err)

	c, err := f.consents.Get(context.Background(), f.consentID)
	require.NoError(t, err)
	require.Len(t, c.UsageHistory, 1)
	assert.Equal(t, "submitFile", c.UsageHistory[0].Operation)
}

func TestGetFileStatusOwnership(t *testing.T) {
	f := newFixture(t)
	res, err := f.submit(t, csv("i-1,"+goodIBAN+",10.00"), BestEffort, "key-1")
	require.NoError(t, err)

	_, err = f.svc.GetFileStatus(context.Background(), "tpp-2", res.File.FileID, "int-1")
	require.Error(t, err)
	assert.Equal(t, "bulk_file_ownership", oferr.CodeOf(err))
}

func TestValidIBAN(t *testing.T) {
	assert.True(t, validIBAN(goodIBAN))
	assert.True(t, validIBAN(goodIBAN2))
	assert.False(t, validIBAN("AE07"))
	assert.False(t, validIBAN("1E070331234567890123456"))
	assert.False(t, validIBAN("AEX70331234567890123456"))
	assert.False(t, validIBAN("AE0703312345678 0123456"))
	assert.False(t, validIBAN(strings.Repeat("A", 10)+"B123"))
	assert.False(t, validIBAN("AB12"+strings.Repeat("C", 31)))
}

func TestRepositoryRefusesTerminalUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	file := File{FileID: "f-1", ParticipantID: "tpp-1", Status: StatusProcessing}
	require.NoError(t, repo.SaveFile(ctx, file))

	file.Status = StatusCompleted
	require.NoError(t, repo.UpdateFile(ctx, file))

	file.PollCount = 99
	err := repo.UpdateFile(ctx, file)
	assert.Error(t, err, "terminal files are immutable")
}
