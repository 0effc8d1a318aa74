// Package bulk implements bulk payment file submission: integrity and schema
// validation, per-instruction IBAN screening, deterministic settlement
// simulation via status polling, and idempotent replay.
package bulk

import (
	"strings"
	"time"

	"github.com/openfinance/core/internal/money"
	"github.com/openfinance/core/internal/oferr"
)

// ScopeBulkPayment is the consent scope required for file submission.
const ScopeBulkPayment = "bulk-payment"

// IntegrityMode controls how per-row rejections affect the whole file.
type IntegrityMode string

const (
	BestEffort    IntegrityMode = "BEST_EFFORT"
	FullRejection IntegrityMode = "FULL_REJECTION"
)

// Status of a bulk file.
type Status string

const (
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusPartiallyAccepted Status = "PARTIALLY_ACCEPTED"
	StatusRejected          Status = "REJECTED"
)

// Terminal reports whether the status is final. Terminal files are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyAccepted, StatusRejected:
		return true
	}
	return false
}

// File is the persisted bulk file record.
type File struct {
	FileID          string        `json:"fileId"`
	ConsentID       string        `json:"consentId"`
	ParticipantID   string        `json:"participantId"`
	FileName        string        `json:"fileName"`
	IntegrityMode   IntegrityMode `json:"integrityMode"`
	TotalCount      int           `json:"totalCount"`
	AcceptedCount   int           `json:"acceptedCount"`
	RejectedCount   int           `json:"rejectedCount"`
	TotalAmount     string        `json:"totalAmount"`
	Status          Status        `json:"status"`
	TargetStatus    Status        `json:"targetStatus"`
	PollCount       int           `json:"pollCount"`
	PollsToComplete int           `json:"pollsToComplete"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// InstructionResult is the per-row outcome recorded in the file report.
type InstructionResult struct {
	InstructionID string `json:"instructionId"`
	PayeeIBAN     string `json:"payeeIban"`
	Amount        string `json:"amount"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
}

// Report holds all instruction results for a file.
type Report struct {
	FileID       string              `json:"fileId"`
	Instructions []InstructionResult `json:"instructions"`
}

// expectedHeader is the required first CSV line, compared case-insensitively.
const expectedHeader = "instruction_id,payee_iban,amount"

type instruction struct {
	id     string
	iban   string
	amount money.Decimal
}

// parseCSV validates the header and every row. Any structural failure is a
// schema validation error for the whole file.
func parseCSV(content []byte) ([]instruction, error) {
	lines := strings.Split(string(content), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	if len(lines) == 0 || !strings.EqualFold(strings.TrimSpace(lines[0]), expectedHeader) {
		return nil, oferr.New(oferr.KindValidation, "schema_validation_failed",
			"first line must be the header instruction_id,payee_iban,amount")
	}

	var out []instruction
	for n, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, ",")
		if len(cols) != 3 {
			return nil, oferr.Newf(oferr.KindValidation, "schema_validation_failed",
				"row %d: expected 3 columns, got %d", n+2, len(cols))
		}
		id := strings.TrimSpace(cols[0])
		iban := strings.TrimSpace(cols[1])
		amountRaw := strings.TrimSpace(cols[2])
		if id == "" || iban == "" || amountRaw == "" {
			return nil, oferr.Newf(oferr.KindValidation, "schema_validation_failed",
				"row %d: empty column", n+2)
		}
		amount, err := money.Parse(amountRaw, 2)
		if err != nil {
			return nil, oferr.Newf(oferr.KindValidation, "schema_validation_failed",
				"row %d: malformed amount %q", n+2, amountRaw)
		}
		if !amount.IsPositive() {
			return nil, oferr.Newf(oferr.KindValidation, "schema_validation_failed",
				"row %d: amount must be positive", n+2)
		}
		out = append(out, instruction{id: id, iban: iban, amount: amount})
	}
	if len(out) == 0 {
		return nil, oferr.New(oferr.KindValidation, "schema_validation_failed", "file contains no instructions")
	}
	return out, nil
}

// validIBAN is a structural check only: two letters, two digits, total
// length 15 to 34, alphanumeric throughout. No checksum verification.
func validIBAN(iban string) bool {
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	for i, r := range iban {
		switch {
		case i < 2:
			if r < 'A' || r > 'Z' {
				return false
			}
		case i < 4:
			if r < '0' || r > '9' {
				return false
			}
		default:
			if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
				return false
			}
		}
	}
	return true
}
