// internal/agent/execution.go
package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/observability"
)

// Execution applies the pending instruction and refreshes the snapshot.
type Execution struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewExecution creates the execution phase. metrics may be nil.
func NewExecution(logger *zap.Logger, metrics *observability.Metrics) *Execution {
	return &Execution{logger: logger.Named("execution"), metrics: metrics}
}

// Run executes one execution step. The lease is owned by the orchestrator.
func (p *Execution) Run(ctx context.Context, s *TaskState, lease *environmentLease) {
	if s.ExitRequested || s.PendingInstruction == nil {
		return
	}
	instr := *s.PendingInstruction

	if err := lease.Ensure(ctx); err != nil {
		s.PendingInstruction = nil
		escalateUnready(s, NodeExecution, err)
		p.logger.Warn("Environment not ready for execution.", zap.Error(err))
		return
	}

	outcome, err := lease.Apply(ctx, instr)
	s.PendingInstruction = nil
	switch {
	case err != nil:
		outcome = &ExecutionOutcome{Success: false, Reason: err.Error(), ErrorCode: ErrCodeExecutionFailure}
	case outcome == nil:
		outcome = &ExecutionOutcome{Success: false, Reason: "environment returned no outcome", ErrorCode: ErrCodeExecutionFailure}
	}
	p.metrics.ObserveInstruction(string(instr.Kind), outcome.Success)
	s.LastOutcome = outcome

	if !outcome.Success {
		reason := orDefault(outcome.Reason, "instruction failed")
		code := outcome.ErrorCode
		if code == "" {
			code = ErrCodeExecutionFailure
		}
		s.markError(NodeExecution, code, reason)
		s.say("Failed to %s: %s", instr, reason)
		p.logger.Info("Instruction failed.", zap.String("instruction", instr.String()), zap.String("reason", reason))
		return
	}

	// Always re-observe; the previous snapshot no longer describes the page.
	snap, err := lease.Observe(ctx)
	if err != nil {
		p.logger.Warn("Observation after a successful instruction failed.", zap.Error(err))
		snap = &Snapshot{Error: err.Error(), CapturedAt: nowFunc()}
	}
	s.Snapshot = snap
	s.markProgress(NodeExecution, StatusPlanning)
	if outcome.Detail != "" {
		s.say("Executed: %s. %s", instr, outcome.Detail)
	} else {
		s.say("Executed: %s.", instr)
	}
}
