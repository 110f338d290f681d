// internal/agent/errors.go
package agent

import "errors"

// ErrorCode is a string type used for structured error reporting on execution
// outcomes and recorded faults.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure   ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidInstruction ErrorCode = "INVALID_INSTRUCTION"
	ErrCodeUnknownInstruction ErrorCode = "UNKNOWN_INSTRUCTION"

	// -- Browser/DOM Errors --
	ErrCodeElementNotFound    ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError    ErrorCode = "NAVIGATION_ERROR"
	ErrCodeLoginRequired      ErrorCode = "LOGIN_REQUIRED"
	ErrCodeEnvironmentUnready ErrorCode = "ENVIRONMENT_UNREADY"

	// -- Decision Service Errors --
	ErrCodeDecisionError     ErrorCode = "DECISION_ERROR"
	ErrCodeDecisionFailure   ErrorCode = "DECISION_SERVICE_FAILURE"
	ErrCodeMalformedDecision ErrorCode = "MALFORMED_DECISION"

	// -- Internal System Errors --
	ErrCodePhasePanic          ErrorCode = "PHASE_PANIC"
	ErrCodeStepBudgetExhausted ErrorCode = "STEP_BUDGET_EXHAUSTED"
)

var (
	// ErrObjectiveAlreadySet is returned when a run tries to assign a second objective.
	ErrObjectiveAlreadySet = errors.New("objective is already set for this run")
	// ErrEnvironmentUnready wraps initialization and observation failures.
	ErrEnvironmentUnready = errors.New("environment is not ready")
)
