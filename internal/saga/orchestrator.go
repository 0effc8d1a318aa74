package saga

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/oferr"
)

// Orchestrator drives registered saga definitions: forward execution with
// bounded retries on transient failures, LIFO compensation on any permanent
// failure, and timeout-driven compensation via the monitor.
type Orchestrator struct {
	repo   Repository
	defs   map[string]Definition
	cfg    config.SagaConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *log.Logger
}

func NewOrchestrator(repo Repository, cfg config.SagaConfig) *Orchestrator {
	return &Orchestrator{
		repo:   repo,
		defs:   make(map[string]Definition),
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: log.New(log.Writer(), "[SAGA] ", log.LstdFlags),
	}
}

// WithClock overrides the clock and makes backoff sleeps immediate. Tests only.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

// Register adds a saga definition. Registration happens once at startup.
func (o *Orchestrator) Register(def Definition) {
	o.defs[def.Type] = def
}

// Start creates and runs a saga instance to its final status. The returned
// instance reflects the final persisted state.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, data Data) (*Instance, error) {
	def, ok := o.defs[sagaType]
	if !ok {
		return nil, oferr.Newf(oferr.KindFatal, "saga_unknown_type", "no definition registered for %q", sagaType)
	}

	now := o.now().UTC()
	timeout := def.Timeout
	if timeout == 0 {
		timeout = o.cfg.DefaultTimeout
	}
	inst := &Instance{
		SagaID:    uuid.NewString(),
		SagaType:  sagaType,
		Status:    StatusInProgress,
		Data:      data.clone(),
		StartedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(timeout),
	}
	for _, step := range def.Steps {
		inst.Steps = append(inst.Steps, StepRecord{
			StepID:   inst.SagaID + ":" + step.Name(),
			StepName: step.Name(),
			Status:   StepPending,
		})
	}
	if err := o.persist(ctx, inst); err != nil {
		return nil, err
	}

	o.run(ctx, inst, def)
	return inst, nil
}

// Resume re-runs an IN_PROGRESS saga after a crash. Completed steps are
// skipped via their step records.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (*Instance, error) {
	inst, err := o.repo.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, ok := o.defs[inst.SagaType]
	if !ok {
		return nil, oferr.Newf(oferr.KindFatal, "saga_unknown_type", "no definition registered for %q", inst.SagaType)
	}
	if inst.Status != StatusInProgress {
		return inst, nil
	}
	o.run(ctx, inst, def)
	return inst, nil
}

func (o *Orchestrator) run(ctx context.Context, inst *Instance, def Definition) {
	for i, step := range def.Steps {
		rec := inst.step(step.Name())
		if rec.Status == StepCompleted {
			// Replayed submission, the step already ran.
			continue
		}

		now := o.now().UTC()
		inst.CurrentStep = step.Name()
		rec.Status = StepRunning
		rec.StartedAt = &now
		if err := o.persist(ctx, inst); err != nil {
			o.logger.Printf("saga %s: persist before step %s failed: %v", inst.SagaID, step.Name(), err)
			return
		}

		err := o.executeWithRetry(ctx, step, inst.Data)
		now = o.now().UTC()
		if err != nil {
			rec.Status = StepFailed
			rec.FailedAt = &now
			rec.ErrorCode = codeOf(err)
			inst.ErrorDetails = err.Error()
			o.logger.Printf("saga %s: step %s failed %s: %v", inst.SagaID, step.Name(), kindOf(err), err)
			if perr := o.persist(ctx, inst); perr != nil {
				o.logger.Printf("saga %s: persist after failure: %v", inst.SagaID, perr)
			}
			o.compensate(ctx, inst, def, i)
			return
		}

		rec.Status = StepCompleted
		rec.CompletedAt = &now
		if err := o.persist(ctx, inst); err != nil {
			o.logger.Printf("saga %s: persist after step %s failed: %v", inst.SagaID, step.Name(), err)
			return
		}
	}

	inst.Status = StatusCompleted
	inst.CurrentStep = ""
	if err := o.persist(ctx, inst); err != nil {
		o.logger.Printf("saga %s: persist completion failed: %v", inst.SagaID, err)
	}
	o.logger.Printf("saga %s (%s) completed", inst.SagaID, inst.SagaType)
}

// executeWithRetry retries transient failures with exponential backoff
// capped at the configured maximum. Permanent and timeout failures return
// immediately.
func (o *Orchestrator) executeWithRetry(ctx context.Context, step Step, data Data) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = step.Execute(ctx, data)
		if err == nil || kindOf(err) != FailureTransient || attempt >= o.cfg.MaxRetries {
			return err
		}
		backoff := o.cfg.RetryBase << uint(attempt)
		if backoff > o.cfg.RetryCap {
			backoff = o.cfg.RetryCap
		}
		if serr := o.sleep(ctx, backoff); serr != nil {
			return err
		}
	}
}

// compensate walks already-completed steps in reverse and undoes each one.
// A failed compensation is flagged for manual review but does not stop the
// walk: earlier steps still get their compensation.
func (o *Orchestrator) compensate(ctx context.Context, inst *Instance, def Definition, failedIndex int) {
	inst.Status = StatusCompensating
	if err := o.persist(ctx, inst); err != nil {
		o.logger.Printf("saga %s: persist compensating failed: %v", inst.SagaID, err)
		return
	}

	anyFailed := false
	for i := failedIndex - 1; i >= 0; i-- {
		step := def.Steps[i]
		rec := inst.step(step.Name())
		if rec.Status != StepCompleted {
			continue
		}

		inst.CurrentStep = step.Name()
		if err := o.persist(ctx, inst); err != nil {
			o.logger.Printf("saga %s: persist before compensation of %s failed: %v", inst.SagaID, step.Name(), err)
			return
		}

		if err := step.Compensate(ctx, inst.Data); err != nil {
			rec.Status = StepCompensationFailed
			rec.ErrorCode = codeOf(err)
			anyFailed = true
			o.logger.Printf("saga %s: MANUAL REVIEW: compensation of %s failed: %v", inst.SagaID, step.Name(), err)
		} else {
			rec.Status = StepCompensated
		}
		if err := o.persist(ctx, inst); err != nil {
			o.logger.Printf("saga %s: persist after compensation of %s failed: %v", inst.SagaID, step.Name(), err)
			return
		}
	}

	if anyFailed {
		inst.Status = StatusCompensationFailed
	} else {
		inst.Status = StatusCompensated
	}
	inst.CurrentStep = ""
	if err := o.persist(ctx, inst); err != nil {
		o.logger.Printf("saga %s: persist final status failed: %v", inst.SagaID, err)
	}
	o.logger.Printf("saga %s (%s) finished compensation: %s", inst.SagaID, inst.SagaType, inst.Status)
}

// sleepCtx waits d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) persist(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = o.now().UTC()
	return o.repo.Save(ctx, inst)
}

// RunMonitor scans for timed-out sagas on a fixed cadence until the context
// is cancelled. The cadence is clamped to 30 seconds.
func (o *Orchestrator) RunMonitor(ctx context.Context) {
	interval := o.cfg.MonitorInterval
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepTimedOut(ctx)
		}
	}
}

// SweepTimedOut moves overdue IN_PROGRESS sagas to TIMED_OUT and starts
// their compensation. Exported so tests can drive the sweep directly.
func (o *Orchestrator) SweepTimedOut(ctx context.Context) int {
	overdue, err := o.repo.ListTimedOut(ctx, o.now().UTC(), 100)
	if err != nil {
		o.logger.Printf("timeout scan failed: %v", err)
		return 0
	}
	for _, inst := range overdue {
		def, ok := o.defs[inst.SagaType]
		if !ok {
			o.logger.Printf("saga %s: timed out but type %q is unregistered", inst.SagaID, inst.SagaType)
			continue
		}
		inst.Status = StatusTimedOut
		inst.ErrorDetails = "saga timed out"
		if rec := inst.step(inst.CurrentStep); rec != nil && rec.Status == StepRunning {
			now := o.now().UTC()
			rec.Status = StepFailed
			rec.FailedAt = &now
			rec.ErrorCode = "timeout"
		}
		if err := o.persist(ctx, inst); err != nil {
			o.logger.Printf("saga %s: persist timed out failed: %v", inst.SagaID, err)
			continue
		}
		o.logger.Printf("saga %s (%s) timed out, compensating", inst.SagaID, inst.SagaType)
		o.compensate(ctx, inst, def, len(def.Steps))
	}
	return len(overdue)
}
