package saga

import (
	"context"
	"strings"
	"time"

	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/directory"
)

// Data keys shared by the built-in definitions.
const (
	KeyCustomerID    = "customerId"
	KeyParticipantID = "participantId"
	KeyConsentID     = "consentId"
	KeyAuthorizedBy  = "authorizedBy"
	KeyAccountIDs    = "accountIds" // comma separated
	KeyAmount        = "amount"
	KeyLoanID        = "loanId"
	KeyInteractionID = "interactionId"
)

// LoanPort is the downstream lending system the loan saga coordinates.
type LoanPort interface {
	ValidateCustomer(ctx context.Context, customerID string) error
	UnreserveCustomer(ctx context.Context, customerID string) error
	ReserveCredit(ctx context.Context, customerID, amount string) error
	ReleaseCredit(ctx context.Context, customerID, amount string) error
	CreateLoan(ctx context.Context, customerID, amount string) (loanID string, err error)
	CancelLoan(ctx context.Context, loanID string) error
}

// LoanCreationDefinition builds the three-step loan disbursement saga:
// validateCustomer, reserveCredit, createLoan, each with its compensation.
func LoanCreationDefinition(port LoanPort, timeout time.Duration) Definition {
	return Definition{
		Type:    "LoanCreation",
		Timeout: timeout,
		Steps: []Step{
			FuncStep{
				StepName: "validateCustomer",
				Run: func(ctx context.Context, data Data) error {
					return port.ValidateCustomer(ctx, data[KeyCustomerID])
				},
				Undo: func(ctx context.Context, data Data) error {
					return port.UnreserveCustomer(ctx, data[KeyCustomerID])
				},
			},
			FuncStep{
				StepName: "reserveCredit",
				Run: func(ctx context.Context, data Data) error {
					return port.ReserveCredit(ctx, data[KeyCustomerID], data[KeyAmount])
				},
				Undo: func(ctx context.Context, data Data) error {
					return port.ReleaseCredit(ctx, data[KeyCustomerID], data[KeyAmount])
				},
			},
			FuncStep{
				StepName: "createLoan",
				Run: func(ctx context.Context, data Data) error {
					loanID, err := port.CreateLoan(ctx, data[KeyCustomerID], data[KeyAmount])
					if err != nil {
						return err
					}
					data[KeyLoanID] = loanID
					return nil
				},
				Undo: func(ctx context.Context, data Data) error {
					// Never created if the forward step failed.
					if data[KeyLoanID] == "" {
						return nil
					}
					return port.CancelLoan(ctx, data[KeyLoanID])
				},
			},
		},
	}
}

// ConsentAuthorizationDefinition builds the saga that revalidates the
// participant against the trust framework before authorizing the consent.
// Compensation revokes the consent if a later step fails.
func ConsentAuthorizationDefinition(dir *directory.Client, consents *consent.Service, timeout time.Duration) Definition {
	return Definition{
		Type:    "ConsentAuthorization",
		Timeout: timeout,
		Steps: []Step{
			FuncStep{
				StepName: "revalidateParticipant",
				Run: func(ctx context.Context, data Data) error {
					if _, err := dir.RequireActive(ctx, data[KeyParticipantID]); err != nil {
						return Permanent("participant_inactive", err)
					}
					return nil
				},
			},
			FuncStep{
				StepName: "authorizeConsent",
				Run: func(ctx context.Context, data Data) error {
					var accounts []string
					if raw := data[KeyAccountIDs]; raw != "" {
						accounts = strings.Split(raw, ",")
					}
					_, err := consents.Authorize(ctx, data[KeyConsentID], consent.AuthContext{
						AuthorizedBy: data[KeyAuthorizedBy],
						AccountIDs:   accounts,
					}, data[KeyInteractionID])
					if err != nil {
						return Permanent("consent_authorize_failed", err)
					}
					return nil
				},
				Undo: func(ctx context.Context, data Data) error {
					_, err := consents.Revoke(ctx, data[KeyConsentID], "saga", "authorization rolled back", data[KeyInteractionID])
					return err
				},
			},
			FuncStep{
				StepName: "recordAuthorizationUsage",
				Run: func(ctx context.Context, data Data) error {
					_, err := consents.RecordUsage(ctx, data[KeyConsentID], consent.UsageEntry{
						Operation:     "authorize",
						InteractionID: data[KeyInteractionID],
					}, data[KeyInteractionID])
					if err != nil {
						return Permanent("usage_record_failed", err)
					}
					return nil
				},
			},
		},
	}
}
