// internal/agent/state.go
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// uuidNewString is a variable so tests can produce deterministic IDs.
var uuidNewString = uuid.NewString

// nowFunc is a variable so tests can control timestamps.
var nowFunc = time.Now

// Node identifies a vertex of the control-flow graph.
type Node string

const (
	NodeInitialize Node = "initialize"
	NodeIntake     Node = "intake"
	NodePlanning   Node = "planning"
	NodeExecution  Node = "execution"
	NodeEnd        Node = "end"
)

// TaskState is the single record threaded through every phase of a run. It is
// not safe for concurrent use; the orchestrator never runs two phases at once.
type TaskState struct {
	RunID     string    `json:"run_id"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	// Steps counts phase invocations so far.
	Steps int `json:"steps"`

	Conversation []Message   `json:"conversation"`
	Objective    *Objective  `json:"objective,omitempty"`
	Status       PhaseStatus `json:"status"`

	PendingQuestion    string            `json:"pending_question,omitempty"`
	ActionLog          []Instruction     `json:"action_log"`
	Snapshot           *Snapshot         `json:"snapshot,omitempty"`
	PendingInstruction *Instruction      `json:"pending_instruction,omitempty"`
	LastOutcome        *ExecutionOutcome `json:"last_outcome,omitempty"`

	AwaitingHumanInput     bool      `json:"awaiting_human_input"`
	ReadyToPlan            bool      `json:"ready_to_plan"`
	TerminatedSuccessfully bool      `json:"terminated_successfully"`
	ExitRequested          bool      `json:"exit_requested"`
	FailureReason          string    `json:"failure_reason,omitempty"`
	FailureCode            ErrorCode `json:"failure_code,omitempty"`
	FinalResult            string    `json:"final_result,omitempty"`

	// ErrorStreaks holds the number of consecutive error outcomes per phase.
	ErrorStreaks map[Node]int `json:"error_streaks"`
}

// NewTaskState creates an empty record for a new run.
func NewTaskState(provider string) *TaskState {
	return &TaskState{
		RunID:        uuidNewString(),
		Provider:     provider,
		StartedAt:    nowFunc(),
		Status:       StatusCollecting,
		Conversation: []Message{},
		ActionLog:    []Instruction{},
		ErrorStreaks: make(map[Node]int),
	}
}

// SetObjective assigns the objective exactly once and marks the run ready to plan.
func (s *TaskState) SetObjective(o Objective) error {
	if s.Objective != nil {
		return ErrObjectiveAlreadySet
	}
	o.Normalize()
	if err := o.Validate(); err != nil {
		return err
	}
	s.Objective = &o
	s.ReadyToPlan = true
	return nil
}

// ErrorStreak reports the current consecutive error count for a phase.
func (s *TaskState) ErrorStreak(node Node) int {
	return s.ErrorStreaks[node]
}

func (s *TaskState) appendMessage(role Role, content string) {
	s.Conversation = append(s.Conversation, Message{
		ID:        uuidNewString(),
		Role:      role,
		Content:   content,
		Timestamp: nowFunc(),
	})
}

// say appends one assistant message.
func (s *TaskState) say(format string, args ...any) {
	s.appendMessage(RoleAssistant, fmt.Sprintf(format, args...))
}

// markError records a fault for the phase and extends its error streak.
func (s *TaskState) markError(node Node, code ErrorCode, reason string) {
	if reason == "" {
		reason = fmt.Sprintf("%s phase failed without a reason", node)
	}
	if s.ErrorStreaks == nil {
		s.ErrorStreaks = make(map[Node]int)
	}
	s.Status = StatusError
	s.FailureReason = reason
	s.FailureCode = code
	s.ErrorStreaks[node]++
}

// markProgress records a non-error outcome for the phase and resets its streak.
func (s *TaskState) markProgress(node Node, status PhaseStatus) {
	s.Status = status
	if s.ErrorStreaks != nil {
		delete(s.ErrorStreaks, node)
	}
}

// askHuman raises a question; the next intake will consume it.
func (s *TaskState) askHuman(question string) {
	s.PendingQuestion = question
	s.AwaitingHumanInput = true
}

// consumeAnswer records the human's answer and clears the question.
func (s *TaskState) consumeAnswer(answer string) {
	s.appendMessage(RoleHuman, answer)
	s.PendingQuestion = ""
	s.AwaitingHumanInput = false
}

// finish marks the run as successfully completed.
func (s *TaskState) finish(node Node, result string) {
	s.markProgress(node, StatusDone)
	s.TerminatedSuccessfully = true
	s.FinalResult = result
}

// Terminal reports whether no further phase should run.
func (s *TaskState) Terminal() bool {
	return s.ExitRequested || s.Status == StatusDone
}

// CheckInvariants verifies the record's consistency rules and returns every
// violation found.
func (s *TaskState) CheckInvariants() error {
	var errs []error
	if s.PendingQuestion != "" && s.PendingInstruction != nil {
		errs = append(errs, errors.New("record carries both a pending question and a pending instruction"))
	}
	if (s.PendingQuestion != "") != s.AwaitingHumanInput {
		errs = append(errs, fmt.Errorf("awaiting_human_input=%t disagrees with pending question %q", s.AwaitingHumanInput, s.PendingQuestion))
	}
	if s.Status == StatusDone && (!s.TerminatedSuccessfully || s.FinalResult == "") {
		errs = append(errs, errors.New("status done without a successful termination and final result"))
	}
	if s.Status == StatusError && s.FailureReason == "" {
		errs = append(errs, errors.New("status error without a failure reason"))
	}
	if s.FinalResult != "" && !s.TerminatedSuccessfully {
		errs = append(errs, errors.New("final result set on a run that did not terminate successfully"))
	}
	if (s.Objective != nil) != s.ReadyToPlan {
		errs = append(errs, fmt.Errorf("ready_to_plan=%t disagrees with objective presence", s.ReadyToPlan))
	}
	if s.Status == StatusExecuting && s.PendingInstruction == nil {
		errs = append(errs, errors.New("status executing without a pending instruction"))
	}
	return errors.Join(errs...)
}
