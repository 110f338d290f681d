// internal/agent/interfaces.go
package agent

import "context"

// DecisionService maps conversation and environment context to one of a
// closed set of tagged decisions. Implementations validate their output and
// report malformed model responses as DecisionError rather than as Go errors.
type DecisionService interface {
	// Classify decides whether the conversation is ready to become an objective.
	Classify(ctx context.Context, req IntakeRequest) (Decision, error)
	// ExtractObjective builds the structured objective from the full conversation.
	ExtractObjective(ctx context.Context, conversation []Message) (*Objective, error)
	// Plan chooses exactly one next step.
	Plan(ctx context.Context, req PlanningRequest) (Decision, error)
}

// Environment is the stateful, fallible system the agent acts on.
type Environment interface {
	Initialize(ctx context.Context) error
	Observe(ctx context.Context) (*Snapshot, error)
	// Apply performs one instruction. A non-nil error is a transport fault; an
	// unsuccessful outcome is a well-reported action failure.
	Apply(ctx context.Context, instr Instruction) (*ExecutionOutcome, error)
	Release(ctx context.Context) error
}

// Human is the request/response boundary to the person driving the run.
type Human interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Journal persists a finished run.
type Journal interface {
	Record(ctx context.Context, state *TaskState) error
}
