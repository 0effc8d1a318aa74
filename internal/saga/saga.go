// Package saga implements the deterministic multi-step coordinator: ordered
// forward execution with per-step compensation, persistent state, timeout
// monitoring, and a transient/permanent failure taxonomy.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a step failure for the orchestrator.
type FailureKind int

const (
	// FailureTransient failures are retried with exponential backoff.
	FailureTransient FailureKind = iota
	// FailurePermanent failures trigger immediate compensation.
	FailurePermanent
	// FailureTimeout is permanent but tagged as a deadline overrun.
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "TRANSIENT"
	case FailurePermanent:
		return "PERMANENT"
	case FailureTimeout:
		return "TIMEOUT"
	}
	return "PERMANENT"
}

// StepError is the failure a step returns to the orchestrator.
type StepError struct {
	Kind FailureKind
	Code string
	Err  error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Kind)
}

func (e *StepError) Unwrap() error { return e.Err }

// Transient wraps an error as a retryable step failure.
func Transient(code string, err error) error {
	return &StepError{Kind: FailureTransient, Code: code, Err: err}
}

// Permanent wraps an error as a non-retryable step failure.
func Permanent(code string, err error) error {
	return &StepError{Kind: FailurePermanent, Code: code, Err: err}
}

// kindOf classifies any error a step returned. Unwrapped errors are treated
// as permanent.
func kindOf(err error) FailureKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailurePermanent
}

func codeOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return "step_failed"
}

// Data is the saga's shared key/value state, persisted between steps.
type Data map[string]string

func (d Data) clone() Data {
	cp := make(Data, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// Step is one unit of forward work with its compensation. Execute has at
// most one successful run per saga; Compensate must tolerate being called
// for work that never fully happened.
type Step interface {
	Name() string
	Execute(ctx context.Context, data Data) error
	Compensate(ctx context.Context, data Data) error
}

// FuncStep adapts plain functions to the Step interface.
type FuncStep struct {
	StepName string
	Run      func(ctx context.Context, data Data) error
	Undo     func(ctx context.Context, data Data) error
}

func (s FuncStep) Name() string { return s.StepName }

func (s FuncStep) Execute(ctx context.Context, data Data) error {
	return s.Run(ctx, data)
}

func (s FuncStep) Compensate(ctx context.Context, data Data) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, data)
}

// Definition is a registered saga type.
type Definition struct {
	Type    string
	Steps   []Step
	Timeout time.Duration
}

// SagaStatus of a saga instance.
type SagaStatus string

const (
	StatusInProgress         SagaStatus = "IN_PROGRESS"
	StatusCompensating       SagaStatus = "COMPENSATING"
	StatusCompleted          SagaStatus = "COMPLETED"
	StatusCompensated        SagaStatus = "COMPENSATED"
	StatusCompensationFailed SagaStatus = "COMPENSATION_FAILED"
	StatusTimedOut           SagaStatus = "TIMED_OUT"
)

// StepStatus of one step record.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepRunning            StepStatus = "RUNNING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// StepRecord is the persisted execution record of one step.
type StepRecord struct {
	StepID      string     `json:"stepId"` // sagaId:stepName, the replay key
	StepName    string     `json:"stepName"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
}

// Instance is the persisted state of one saga run.
type Instance struct {
	SagaID       string       `json:"sagaId"`
	SagaType     string       `json:"sagaType"`
	CurrentStep  string       `json:"currentStep"`
	Status       SagaStatus   `json:"status"`
	Data         Data         `json:"data"`
	Steps        []StepRecord `json:"steps"`
	StartedAt    time.Time    `json:"startedAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	TimeoutAt    time.Time    `json:"timeoutAt"`
	ErrorDetails string       `json:"errorDetails,omitempty"`
}

func (i *Instance) step(name string) *StepRecord {
	for n := range i.Steps {
		if i.Steps[n].StepName == name {
			return &i.Steps[n]
		}
	}
	return nil
}
