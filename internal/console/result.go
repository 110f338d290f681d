package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

// PrintResult renders the outcome of a finished run.
func (c *Console) PrintResult(result *agent.RunResult) {
	if result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.out)
	switch result.Outcome {
	case agent.OutcomeSucceeded:
		c.success.Fprintln(c.out, "Task completed.")
		if result.FinalResult != "" {
			fmt.Fprintf(c.out, "Result: %s\n", result.FinalResult)
		}
	case agent.OutcomeExited:
		c.secondary.Fprintln(c.out, "Goodbye.")
	default:
		c.failure.Fprintln(c.out, "Task failed.")
		if result.FailureReason != "" {
			fmt.Fprintf(c.out, "Reason: %s\n", result.FailureReason)
		}
	}

	if result.State != nil && result.State.Objective != nil {
		fmt.Fprintf(c.out, "Objective: %s\n", result.State.Objective.Summary())
	}
	if result.State != nil && len(result.State.ActionLog) > 0 {
		steps := make([]string, len(result.State.ActionLog))
		for i, instr := range result.State.ActionLog {
			steps[i] = fmt.Sprintf("  %d. %s", i+1, instr)
		}
		fmt.Fprintf(c.out, "Actions:\n%s\n", strings.Join(steps, "\n"))
	}
	c.secondary.Fprintf(c.out, "Run %s: %d steps in %s\n", result.RunID, result.Steps, result.Duration.Round(time.Millisecond))
}
