package agent

// Router holds the routing policy. Its methods are pure functions of the
// record and never mutate it.
type Router struct {
	// MaxConsecutiveErrors is the error streak length in one phase that routes to end.
	MaxConsecutiveErrors int
}

// DefaultMaxConsecutiveErrors allows one automatic retry per phase.
const DefaultMaxConsecutiveErrors = 2

func (r Router) limit() int {
	if r.MaxConsecutiveErrors < 1 {
		return DefaultMaxConsecutiveErrors
	}
	return r.MaxConsecutiveErrors
}

// TerminalFault reports whether the phase has exhausted its retries.
func (r Router) TerminalFault(s *TaskState, node Node) bool {
	return s.ErrorStreak(node) >= r.limit()
}

// AfterInitialize always hands over to intake.
func (r Router) AfterInitialize(*TaskState) Node {
	return NodeIntake
}

// AfterIntake loops on intake until the objective is ready or the run ends.
func (r Router) AfterIntake(s *TaskState) Node {
	switch {
	case s.Terminal():
		return NodeEnd
	case r.TerminalFault(s, NodeIntake):
		return NodeEnd
	case s.ReadyToPlan && !s.AwaitingHumanInput:
		return NodePlanning
	default:
		return NodeIntake
	}
}

// AfterPlanning routes to the human, to execution, or back to planning for a
// bounded retry.
func (r Router) AfterPlanning(s *TaskState) Node {
	switch {
	case s.Terminal():
		return NodeEnd
	case r.TerminalFault(s, NodePlanning):
		return NodeEnd
	case s.AwaitingHumanInput:
		return NodeIntake
	case s.Status == StatusExecuting:
		return NodeExecution
	default:
		return NodePlanning
	}
}

// AfterExecution always returns to planning unless the run is over.
func (r Router) AfterExecution(s *TaskState) Node {
	switch {
	case s.Terminal():
		return NodeEnd
	case r.TerminalFault(s, NodeExecution):
		return NodeEnd
	default:
		// A question raised by execution reaches the human through planning,
		// which stands still while awaiting_human_input is set.
		return NodePlanning
	}
}
