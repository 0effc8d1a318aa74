package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/idempotency"
	"github.com/openfinance/core/internal/money"
	"github.com/openfinance/core/internal/oferr"
)

// AggregateType tags bulk file streams in the event store.
const AggregateType = "BulkFile"

// Event type names as persisted in the event store.
const (
	EventFileSubmitted = "BulkFileSubmittedEvent"
	EventFileFinalized = "BulkFileFinalizedEvent"
)

// SubmittedPayload is emitted when a file is accepted for processing.
type SubmittedPayload struct {
	FileID        string        `json:"fileId"`
	ConsentID     string        `json:"consentId"`
	ParticipantID string        `json:"participantId"`
	IntegrityMode IntegrityMode `json:"integrityMode"`
	TotalCount    int           `json:"totalCount"`
	AcceptedCount int           `json:"acceptedCount"`
	RejectedCount int           `json:"rejectedCount"`
	TotalAmount   string        `json:"totalAmount"`
	TargetStatus  Status        `json:"targetStatus"`
	SubmittedAt   time.Time     `json:"submittedAt"`
}

// FinalizedPayload is emitted when the simulated settlement completes.
type FinalizedPayload struct {
	FileID      string    `json:"fileId"`
	FinalStatus Status    `json:"finalStatus"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// SubmitRequest carries everything the handler extracted from the wire.
type SubmitRequest struct {
	ParticipantID  string
	ConsentID      string
	IdempotencyKey string
	InteractionID  string
	FileName       string
	IntegrityMode  IntegrityMode
	FileContent    []byte
	FileHash       string
}

// SubmitResult is the submission outcome; Replay marks an idempotent rerun.
type SubmitResult struct {
	File   File `json:"file"`
	Replay bool `json:"replay"`
}

// Service is the bulk payments use-case service.
type Service struct {
	consents *consent.Service
	repo     Repository
	idem     *idempotency.Store
	events   eventstore.Store
	cache    cache.Cache
	cfg      config.BulkConfig
	now      func() time.Time
	logger   *log.Logger
}

func NewService(consents *consent.Service, repo Repository, idem *idempotency.Store, events eventstore.Store, c cache.Cache, cfg config.BulkConfig) *Service {
	return &Service{
		consents: consents,
		repo:     repo,
		idem:     idem,
		events:   events,
		cache:    c,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.New(log.Writer(), "[BULK] ", log.LstdFlags),
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitFile validates and registers a bulk payment file. The file starts in
// PROCESSING and deterministically reaches its target status after
// statusPollsToComplete status polls.
func (s *Service) SubmitFile(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	c, err := s.guard(ctx, req.ParticipantID, req.ConsentID)
	if err != nil {
		return SubmitResult{}, err
	}

	requestHash := idempotency.RequestHash(req.FileContent, req.InteractionID)
	if rec, replay, err := s.idem.Check(ctx, req.IdempotencyKey, req.ParticipantID, requestHash); err != nil {
		return SubmitResult{}, err
	} else if replay {
		f, err := s.repo.GetFile(ctx, rec.ResourceID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{File: f, Replay: true}, nil
	}

	if len(req.FileContent) == 0 {
		return SubmitResult{}, oferr.New(oferr.KindValidation, "schema_validation_failed", "file content is empty")
	}
	if int64(len(req.FileContent)) > s.cfg.MaxFileSizeBytes {
		return SubmitResult{}, oferr.Newf(oferr.KindValidation, "payload_too_large",
			"file exceeds %d bytes", s.cfg.MaxFileSizeBytes)
	}
	sum := sha256.Sum256(req.FileContent)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), req.FileHash) {
		return SubmitResult{}, oferr.New(oferr.KindValidation, "integrity_failure", "file hash does not match content")
	}

	instructions, err := parseCSV(req.FileContent)
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.now().UTC()
	file, report := s.screen(req, instructions, now)

	if err := s.repo.SaveFile(ctx, file); err != nil {
		return SubmitResult{}, err
	}
	if err := s.repo.SaveReport(ctx, report); err != nil {
		return SubmitResult{}, err
	}
	if err := s.appendEvent(ctx, file.FileID, 0, EventFileSubmitted, SubmittedPayload{
		FileID:        file.FileID,
		ConsentID:     file.ConsentID,
		ParticipantID: file.ParticipantID,
		IntegrityMode: file.IntegrityMode,
		TotalCount:    file.TotalCount,
		AcceptedCount: file.AcceptedCount,
		RejectedCount: file.RejectedCount,
		TotalAmount:   file.TotalAmount,
		TargetStatus:  file.TargetStatus,
		SubmittedAt:   now,
	}, req.InteractionID); err != nil {
		return SubmitResult{}, err
	}

	if err := s.idem.Save(ctx, idempotency.Record{
		IdempotencyKey: req.IdempotencyKey,
		ParticipantID:  req.ParticipantID,
		RequestHash:    requestHash,
		ResourceID:     file.FileID,
		Status:         string(file.Status),
	}); err != nil {
		return SubmitResult{}, err
	}

	_, _ = s.consents.RecordUsage(ctx, c.ConsentID, consent.UsageEntry{
		Operation:     "submitFile",
		ResourceID:    file.FileID,
		InteractionID: req.InteractionID,
	}, req.InteractionID)

	s.logger.Printf("file %s submitted: %d total, %d accepted, %d rejected, target %s",
		file.FileID, file.TotalCount, file.AcceptedCount, file.RejectedCount, file.TargetStatus)
	return SubmitResult{File: file}, nil
}

// screen runs the per-instruction IBAN check and derives the target status.
func (s *Service) screen(req SubmitRequest, instructions []instruction, now time.Time) (File, Report) {
	results := make([]InstructionResult, 0, len(instructions))
	accepted := 0
	total := money.Zero(2)
	for _, in := range instructions {
		r := InstructionResult{InstructionID: in.id, PayeeIBAN: in.iban, Amount: in.amount.String()}
		if validIBAN(in.iban) {
			r.Accepted = true
			accepted++
			total = total.Add(in.amount)
		} else {
			r.Reason = "Invalid IBAN"
		}
		results = append(results, r)
	}

	rejected := len(instructions) - accepted
	var target Status
	switch {
	case rejected == 0:
		target = StatusCompleted
	case accepted == 0:
		target = StatusRejected
	default:
		target = StatusPartiallyAccepted
	}

	// Full rejection mode: one bad instruction fails the whole file.
	if req.IntegrityMode == FullRejection && rejected > 0 {
		target = StatusRejected
		accepted = 0
		total = money.Zero(2)
		for i := range results {
			if results[i].Accepted {
				results[i].Accepted = false
				results[i].Reason = "Rejected by full-rejection mode"
			}
		}
	}

	file := File{
		FileID:          uuid.NewString(),
		ConsentID:       req.ConsentID,
		ParticipantID:   req.ParticipantID,
		FileName:        req.FileName,
		IntegrityMode:   req.IntegrityMode,
		TotalCount:      len(instructions),
		AcceptedCount:   accepted,
		RejectedCount:   len(instructions) - accepted,
		TotalAmount:     total.String(),
		Status:          StatusProcessing,
		TargetStatus:    target,
		PollsToComplete: s.cfg.StatusPollsToComplete,
		CreatedAt:       now,
	}
	return file, Report{FileID: file.FileID, Instructions: results}
}

// GetFileStatus returns the file, advancing a PROCESSING file one poll
// closer to its target status. Terminal files are returned unchanged.
func (s *Service) GetFileStatus(ctx context.Context, participantID, fileID, interactionID string) (File, error) {
	f, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return File{}, err
	}
	if f.ParticipantID != participantID {
		return File{}, oferr.New(oferr.KindAuthorization, "bulk_file_ownership", "file belongs to another participant")
	}
	if f.Status.Terminal() {
		return f, nil
	}

	f.PollCount++
	if f.PollCount >= f.PollsToComplete {
		f.Status = f.TargetStatus
	}
	if err := s.repo.UpdateFile(ctx, f); err != nil {
		return File{}, err
	}
	if f.Status.Terminal() {
		if err := s.appendEvent(ctx, f.FileID, 1, EventFileFinalized, FinalizedPayload{
			FileID:      f.FileID,
			FinalStatus: f.Status,
			FinalizedAt: s.now().UTC(),
		}, interactionID); err != nil {
			s.logger.Printf("finalized event append failed for %s: %v", f.FileID, err)
		}
	}
	return f, nil
}

// GetFileReport returns the per-instruction report, cache-through.
func (s *Service) GetFileReport(ctx context.Context, participantID, fileID string) (Report, error) {
	key := cache.Key(participantID, "bulk", "report", fileID)
	if raw, ok, _ := s.cache.Get(ctx, key); ok {
		var r Report
		if json.Unmarshal(raw, &r) == nil {
			return r, nil
		}
	}

	f, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return Report{}, err
	}
	if f.ParticipantID != participantID {
		return Report{}, oferr.New(oferr.KindAuthorization, "bulk_file_ownership", "file belongs to another participant")
	}

	r, err := s.repo.GetReport(ctx, fileID)
	if err != nil {
		return Report{}, err
	}
	if raw, err := json.Marshal(r); err == nil {
		_ = s.cache.Set(ctx, key, raw, s.cfg.ReportCacheTTL)
	}
	return r, nil
}

func (s *Service) guard(ctx context.Context, participantID, consentID string) (*consent.Consent, error) {
	c, err := s.consents.Get(ctx, consentID)
	if err != nil {
		if oferr.Is(err, oferr.KindNotFound) {
			return nil, oferr.New(oferr.KindAuthorization, "consent_not_found", "consent not found")
		}
		return nil, err
	}
	if c.ParticipantID != participantID {
		return nil, oferr.New(oferr.KindAuthorization, "consent_ownership", "consent belongs to another participant")
	}
	if !c.Usable(s.now().UTC()) {
		return nil, oferr.New(oferr.KindAuthorization, "consent_not_usable", "consent is not authorized or has expired")
	}
	if !c.Allows(ScopeBulkPayment) {
		return nil, oferr.New(oferr.KindAuthorization, "scope_missing", "consent does not cover bulk payments")
	}
	return c, nil
}

func (s *Service) appendEvent(ctx context.Context, fileID string, expectedSequence int64, eventType string, payload interface{}, correlationID string) error {
	ev, err := eventstore.NewEvent(fileID, AggregateType, eventType, payload)
	if err != nil {
		return err
	}
	ev.SequenceNumber = expectedSequence + 1
	ev.CorrelationID = correlationID
	return s.events.Append(ctx, expectedSequence, []eventstore.Event{ev})
}
