package directory

import (
	"context"
	"sync"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// StaticFramework is an in-process trust framework for development and
// tests. When PermitUnknown is set, unregistered participants come back as
// ACTIVE AISP+PISP with a one-hour validity.
type StaticFramework struct {
	mu            sync.RWMutex
	results       map[string]*ValidationResult
	PermitUnknown bool
}

func NewStaticFramework(permitUnknown bool) *StaticFramework {
	return &StaticFramework{
		results:       make(map[string]*ValidationResult),
		PermitUnknown: permitUnknown,
	}
}

// Register fixes the result returned for a participant.
func (f *StaticFramework) Register(result ValidationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[result.ParticipantID] = &result
}

func (f *StaticFramework) Validate(ctx context.Context, participantID string) (*ValidationResult, error) {
	f.mu.RLock()
	result, ok := f.results[participantID]
	f.mu.RUnlock()
	if ok {
		cp := *result
		return &cp, nil
	}
	if !f.PermitUnknown {
		return nil, oferr.Newf(oferr.KindAuthorization, "participant_unknown",
			"participant %s not registered", participantID)
	}
	now := time.Now().UTC()
	return &ValidationResult{
		ParticipantID: participantID,
		LegalName:     participantID,
		Roles:         []Role{RoleAISP, RolePISP},
		Status:        StatusActive,
		ValidUntil:    now.Add(time.Hour),
		ValidatedAt:   now,
	}, nil
}

var _ Framework = (*StaticFramework)(nil)
