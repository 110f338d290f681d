// internal/agent/orchestrator.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/observability"
)

const (
	tracerName     = "github.com/xkilldash9x/mailpilot/internal/agent"
	releaseTimeout = 15 * time.Second
	recordTimeout  = 10 * time.Second
	// DefaultMaxSteps bounds a run when no explicit budget is configured.
	DefaultMaxSteps = 200
)

// RunOutcome classifies how a run ended.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeExited    RunOutcome = "exited"
	OutcomeFailed    RunOutcome = "failed"
)

// RunResult summarizes a finished run. State is the final record.
type RunResult struct {
	RunID         string
	Outcome       RunOutcome
	FinalResult   string
	FailureReason string
	Steps         int
	Duration      time.Duration
	State         *TaskState
}

// Dependencies are the collaborators of a run. Journal, Metrics and Tracer are optional.
type Dependencies struct {
	Decider     DecisionService
	Environment Environment
	Human       Human
	Journal     Journal
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Options tune the orchestration policy.
type Options struct {
	Provider             string
	MaxSteps             int
	MaxConsecutiveErrors int
	DecisionTimeout      time.Duration
	HistoryWindow        int
	// Progress receives every new assistant message except the one that is
	// about to be asked as the pending question.
	Progress func(Message)
}

// step is one vertex of the control-flow graph: a phase and the gate that follows it.
type step struct {
	run  func(ctx context.Context, s *TaskState, lease *environmentLease)
	next func(s *TaskState) Node
}

// Orchestrator drives the phases through the control-flow graph until the end node.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	router Router
	graph  map[Node]step
	tracer trace.Tracer
	logger *zap.Logger
}

// NewOrchestrator wires the phases and gates into a graph.
func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	if deps.Decider == nil {
		return nil, errors.New("a decision service is required")
	}
	if deps.Environment == nil {
		return nil, errors.New("an environment is required")
	}
	if deps.Human == nil {
		return nil, errors.New("a human boundary is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.GetLogger()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		router: Router{MaxConsecutiveErrors: opts.MaxConsecutiveErrors},
		tracer: deps.Tracer,
		logger: deps.Logger.Named("orchestrator"),
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	intake := NewIntake(deps.Decider, deps.Human, deps.Logger, opts.DecisionTimeout)
	planning := NewPlanning(deps.Decider, deps.Logger, opts.DecisionTimeout, opts.HistoryWindow)
	execution := NewExecution(deps.Logger, deps.Metrics)

	o.graph = map[Node]step{
		NodeInitialize: {run: o.initialize, next: o.router.AfterInitialize},
		NodeIntake: {
			run:  func(ctx context.Context, s *TaskState, _ *environmentLease) { intake.Run(ctx, s) },
			next: o.router.AfterIntake,
		},
		NodePlanning:  {run: planning.Run, next: o.router.AfterPlanning},
		NodeExecution: {run: execution.Run, next: o.router.AfterExecution},
	}
	return o, nil
}

// Run drives one complete run. The returned error is non-nil only when ctx
// was cancelled; every other fault is reported through the result.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	state := &TaskState{}
	lease := newEnvironmentLease(o.deps.Environment)

	func() {
		defer o.release(ctx, lease, state)
		o.drive(ctx, state, lease)
	}()

	o.record(ctx, state)
	result := newRunResult(state)
	o.deps.Metrics.ObserveRun(string(result.Outcome))
	o.logger.Info("Run finished.",
		zap.String("run_id", result.RunID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("steps", result.Steps),
		zap.Int("actions", len(state.ActionLog)),
		zap.String("failure_reason", result.FailureReason),
		zap.Duration("duration", result.Duration),
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) drive(ctx context.Context, s *TaskState, lease *environmentLease) {
	shown := 0
	node := NodeInitialize
	for node != NodeEnd {
		if node != NodeInitialize {
			if err := ctx.Err(); err != nil {
				o.logger.Info("Run cancelled.", zap.String("run_id", s.RunID), zap.Error(err))
				s.ExitRequested = true
				return
			}
			if s.Steps >= o.opts.MaxSteps {
				s.markError(node, ErrCodeStepBudgetExhausted, fmt.Sprintf("step budget of %d phase invocations exhausted", o.opts.MaxSteps))
				o.logger.Warn("Step budget exhausted.", zap.String("run_id", s.RunID), zap.Int("max_steps", o.opts.MaxSteps))
				return
			}
		}

		st := o.graph[node]
		if panicked := o.invoke(ctx, node, st, s, lease); panicked {
			return
		}
		if err := s.CheckInvariants(); err != nil {
			o.logger.Error("Task state invariant violated.", zap.String("phase", string(node)), zap.Error(err))
		}
		shown = o.report(s, shown)
		next := st.next(s)
		o.logger.Debug("Routed.",
			zap.String("from", string(node)),
			zap.String("to", string(next)),
			zap.String("status", string(s.Status)),
		)
		node = next
	}
}

// invoke runs a single phase inside a span and converts a panic into a recorded fault.
func (o *Orchestrator) invoke(ctx context.Context, node Node, st step, s *TaskState, lease *environmentLease) (panicked bool) {
	ctx, span := o.tracer.Start(ctx, "phase."+string(node), trace.WithAttributes(
		attribute.String("mailpilot.phase", string(node)),
		attribute.String("mailpilot.run_id", s.RunID),
	))
	start := time.Now()
	before := s.ErrorStreak(node)

	defer func() {
		s.Steps++
		if r := recover(); r != nil {
			panicked = true
			o.logger.Error("Phase panicked.", zap.String("phase", string(node)), zap.Any("panic", r), zap.Stack("stack"))
			s.PendingInstruction = nil
			s.markError(node, ErrCodePhasePanic, fmt.Sprintf("internal fault in %s phase: %v", node, r))
			span.RecordError(fmt.Errorf("panic: %v", r))
		}
		failed := s.ErrorStreak(node) > before
		if failed {
			span.SetStatus(codes.Error, s.FailureReason)
		}
		span.SetAttributes(attribute.String("mailpilot.status", string(s.Status)))
		span.End()
		o.deps.Metrics.ObservePhase(string(node), time.Since(start), failed)
	}()

	st.run(ctx, s, lease)
	return false
}

func (o *Orchestrator) initialize(_ context.Context, s *TaskState, _ *environmentLease) {
	*s = *NewTaskState(o.opts.Provider)
	s.appendMessage(RoleSystem, fmt.Sprintf("Run %s started for provider %q.", s.RunID, o.opts.Provider))
	o.logger.Info("Run initialized.", zap.String("run_id", s.RunID), zap.String("provider", o.opts.Provider))
}

// report forwards new assistant messages to the progress callback.
func (o *Orchestrator) report(s *TaskState, shown int) int {
	if o.opts.Progress == nil {
		return len(s.Conversation)
	}
	for _, msg := range s.Conversation[shown:] {
		if msg.Role == RoleAssistant && msg.Content != s.PendingQuestion {
			o.opts.Progress(msg)
		}
	}
	return len(s.Conversation)
}

func (o *Orchestrator) release(ctx context.Context, lease *environmentLease, s *TaskState) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := lease.Release(rctx); err != nil {
		o.logger.Warn("Failed to release the environment.", zap.String("run_id", s.RunID), zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, s *TaskState) {
	if o.deps.Journal == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.deps.Journal.Record(rctx, s); err != nil {
		o.logger.Warn("Failed to record the run in the journal.", zap.String("run_id", s.RunID), zap.Error(err))
	}
}

func newRunResult(s *TaskState) *RunResult {
	r := &RunResult{
		RunID:       s.RunID,
		FinalResult: s.FinalResult,
		Steps:       s.Steps,
		State:       s,
	}
	// A reason left over from a fault the run later recovered from is not reported.
	if s.Status == StatusError {
		r.FailureReason = s.FailureReason
	}
	if !s.StartedAt.IsZero() {
		r.Duration = nowFunc().Sub(s.StartedAt)
	}
	r.Outcome = s.Outcome()
	return r
}

// Outcome classifies the record of a finished run.
func (s *TaskState) Outcome() RunOutcome {
	switch {
	case s.TerminatedSuccessfully:
		return OutcomeSucceeded
	case s.ExitRequested:
		return OutcomeExited
	default:
		return OutcomeFailed
	}
}
