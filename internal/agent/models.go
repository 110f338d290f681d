// internal/agent/models.go
package agent

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// Role tags who authored a conversation message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the append-only conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Objective is the structured description of the email to send.
type Objective struct {
	Recipient   string   `json:"recipient"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	Priority    string   `json:"priority"`
}

// Priority levels accepted on an objective.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Normalize trims the fields and applies the default priority.
func (o *Objective) Normalize() {
	o.Recipient = strings.TrimSpace(o.Recipient)
	o.Subject = strings.TrimSpace(o.Subject)
	o.Body = strings.TrimSpace(o.Body)
	o.Priority = strings.ToLower(strings.TrimSpace(o.Priority))
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
}

// Validate checks that the objective names a deliverable recipient.
func (o Objective) Validate() error {
	if o.Recipient == "" {
		return fmt.Errorf("objective has no recipient")
	}
	for _, addr := range strings.Split(o.Recipient, ",") {
		if _, err := mail.ParseAddress(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
	}
	switch o.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", o.Priority)
	}
	return nil
}

// Summary renders the objective in one line for conversation messages and logs.
func (o Objective) Summary() string {
	s := fmt.Sprintf("email to %s", o.Recipient)
	if o.Subject != "" {
		s += fmt.Sprintf(" with subject %q", o.Subject)
	}
	if len(o.Attachments) > 0 {
		s += fmt.Sprintf(" and %d attachment(s)", len(o.Attachments))
	}
	return s
}

// PhaseStatus reflects the outcome of the last phase that ran and drives the gates.
type PhaseStatus string

const (
	StatusCollecting PhaseStatus = "collecting" // Gathering information from the human.
	StatusPlanning   PhaseStatus = "planning"   // Ready for the planner to choose the next step.
	StatusExecuting  PhaseStatus = "executing"  // An instruction is waiting to be applied.
	StatusDone       PhaseStatus = "done"       // The task finished successfully.
	StatusError      PhaseStatus = "error"      // The last phase recorded a fault.
)

// InstructionKind enumerates the atomic actions the environment understands.
type InstructionKind string

const (
	InstructionClick    InstructionKind = "click"
	InstructionFill     InstructionKind = "fill"
	InstructionType     InstructionKind = "type"
	InstructionPress    InstructionKind = "press"
	InstructionWait     InstructionKind = "wait"
	InstructionSnapshot InstructionKind = "snapshot"
)

// MaxWaitMillis caps a single wait instruction.
const MaxWaitMillis = 60000

// Instruction is a single atomic action dispatched to the environment.
type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	Target string          `json:"target,omitempty"`
	Value  string          `json:"value,omitempty"`
	Label  string          `json:"label,omitempty"`
}

// Validate checks the instruction's shape. It says nothing about whether the
// target exists in the environment.
func (i Instruction) Validate() error {
	switch i.Kind {
	case InstructionClick, InstructionFill:
		if i.Target == "" {
			return fmt.Errorf("%s instruction requires a target", i.Kind)
		}
	case InstructionType:
		if i.Target == "" {
			return fmt.Errorf("%s instruction requires a target", i.Kind)
		}
		if i.Value == "" {
			return fmt.Errorf("type instruction requires a value")
		}
	case InstructionPress:
		if i.Value == "" {
			return fmt.Errorf("press instruction requires a key value")
		}
	case InstructionWait:
		if _, err := i.WaitDuration(); err != nil {
			return err
		}
	case InstructionSnapshot:
	case "":
		return fmt.Errorf("instruction kind is missing")
	default:
		return fmt.Errorf("unknown instruction kind %q", i.Kind)
	}
	return nil
}

// WaitDuration parses the millisecond value of a wait instruction.
func (i Instruction) WaitDuration() (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(i.Value))
	if err != nil {
		return 0, fmt.Errorf("wait instruction value %q is not a number of milliseconds", i.Value)
	}
	if ms <= 0 || ms > MaxWaitMillis {
		return 0, fmt.Errorf("wait instruction value must be between 1 and %d milliseconds", MaxWaitMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// String describes the instruction for humans, preferring its label.
func (i Instruction) String() string {
	if i.Label != "" {
		return fmt.Sprintf("%s (%s)", i.Label, i.Kind)
	}
	switch {
	case i.Target != "" && i.Value != "" && i.Kind != InstructionFill && i.Kind != InstructionType:
		return fmt.Sprintf("%s %s %q", i.Kind, i.Target, i.Value)
	case i.Target != "":
		return fmt.Sprintf("%s %s", i.Kind, i.Target)
	case i.Value != "":
		return fmt.Sprintf("%s %s", i.Kind, i.Value)
	default:
		return string(i.Kind)
	}
}

// DecisionKind is the closed set of outcomes a decision service may return.
type DecisionKind string

const (
	DecisionAskUser  DecisionKind = "ask_user" // More information is needed from the human.
	DecisionProceed  DecisionKind = "proceed"  // Ready; for planning, carries one instruction.
	DecisionFinalize DecisionKind = "finalize" // The task is complete.
	DecisionError    DecisionKind = "error"    // The service judged the task impossible or broken.
)

// Decision is the tagged result of a decision service call.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	Message     string       `json:"message,omitempty"`
	Instruction *Instruction `json:"instruction,omitempty"`
}

// Validate checks a decision that is expected to carry an instruction when it proceeds.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionAskUser, DecisionFinalize, DecisionError:
		return nil
	case DecisionProceed:
		if d.Instruction == nil {
			return fmt.Errorf("proceed decision carries no instruction")
		}
		if err := d.Instruction.Validate(); err != nil {
			return fmt.Errorf("proceed decision carries an invalid instruction: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
}

// ErrorDecision converts a fault into an error-kind decision.
func ErrorDecision(format string, args ...any) Decision {
	return Decision{Kind: DecisionError, Message: fmt.Sprintf(format, args...)}
}

// ExecutionOutcome is the environment's report on one applied instruction.
type ExecutionOutcome struct {
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

// Snapshot is the latest observation of the environment. Content is owned by
// the environment and is not interpreted here.
type Snapshot struct {
	URL        string          `json:"url,omitempty"`
	Title      string          `json:"title,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Usable reports whether the snapshot holds a successful observation.
func (s *Snapshot) Usable() bool {
	return s != nil && s.Error == ""
}

// IntakeRequest is the context for classifying the human's intent.
type IntakeRequest struct {
	Conversation []Message
	Latest       string
}

// PlanningRequest is the context for choosing the next atomic instruction.
type PlanningRequest struct {
	Objective    Objective
	Snapshot     *Snapshot
	ActionLog    []Instruction
	LastOutcome  *ExecutionOutcome
	Conversation []Message
}
