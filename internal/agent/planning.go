// internal/agent/planning.go
package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPlannerQuestion = "I need more information to continue. What should I do next?"
	defaultPlannerResult   = "Email sent successfully"
)

// Planning chooses exactly one next instruction per invocation.
type Planning struct {
	decider       DecisionService
	logger        *zap.Logger
	timeout       time.Duration
	historyWindow int
}

// NewPlanning creates the planning phase. historyWindow bounds how many recent
// conversation messages are passed to the decision service; zero passes none.
func NewPlanning(decider DecisionService, logger *zap.Logger, timeout time.Duration, historyWindow int) *Planning {
	return &Planning{
		decider:       decider,
		logger:        logger.Named("planning"),
		timeout:       timeout,
		historyWindow: historyWindow,
	}
}

// Run executes one planning step. The lease is owned by the orchestrator.
func (p *Planning) Run(ctx context.Context, s *TaskState, lease *environmentLease) {
	if s.ExitRequested || !s.ReadyToPlan || s.Objective == nil || s.AwaitingHumanInput {
		return
	}
	if s.PendingInstruction != nil {
		// The previous instruction has not been executed yet.
		return
	}

	if !s.Snapshot.Usable() {
		snap, err := lease.Observe(ctx)
		if err != nil {
			s.Snapshot = &Snapshot{Error: err.Error(), CapturedAt: nowFunc()}
			escalateUnready(s, NodePlanning, err)
			p.logger.Warn("Environment not ready for planning.", zap.Error(err))
			return
		}
		s.Snapshot = snap
	}

	decision, err := p.decide(ctx, s)
	if err != nil {
		reason := fmt.Sprintf("decision service failed: %v", err)
		s.markError(NodePlanning, ErrCodeDecisionFailure, reason)
		s.say("Planning failed: %s", reason)
		return
	}
	if err := decision.Validate(); err != nil {
		reason := fmt.Sprintf("planner returned an unusable decision: %v", err)
		s.markError(NodePlanning, ErrCodeMalformedDecision, reason)
		s.say("Planning failed: %s", reason)
		return
	}

	switch decision.Kind {
	case DecisionProceed:
		instr := *decision.Instruction
		s.PendingInstruction = &instr
		s.ActionLog = append(s.ActionLog, instr)
		s.markProgress(NodePlanning, StatusExecuting)
		if decision.Message != "" {
			s.say("Next step: %s. %s", instr, decision.Message)
		} else {
			s.say("Next step: %s.", instr)
		}
		p.logger.Debug("Instruction planned.", zap.String("kind", string(instr.Kind)), zap.String("target", instr.Target))
	case DecisionAskUser:
		question := orDefault(decision.Message, defaultPlannerQuestion)
		s.askHuman(question)
		s.markProgress(NodePlanning, StatusCollecting)
		s.say(question)
	case DecisionFinalize:
		result := orDefault(decision.Message, defaultPlannerResult)
		s.finish(NodePlanning, result)
		s.say(result)
	case DecisionError:
		reason := orDefault(decision.Message, "the planner could not determine a next step")
		s.markError(NodePlanning, ErrCodeDecisionError, reason)
		s.say("Planning error: %s", reason)
	}
}

func (p *Planning) decide(ctx context.Context, s *TaskState) (Decision, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	snap := *s.Snapshot
	req := PlanningRequest{
		Objective:    *s.Objective,
		Snapshot:     &snap,
		ActionLog:    append([]Instruction(nil), s.ActionLog...),
		Conversation: recentMessages(s.Conversation, p.historyWindow),
	}
	if s.LastOutcome != nil {
		outcome := *s.LastOutcome
		req.LastOutcome = &outcome
	}
	return p.decider.Plan(ctx, req)
}

// escalateUnready turns an initialization or observation failure into a
// question for the human.
func escalateUnready(s *TaskState, node Node, err error) {
	reason := fmt.Sprintf("The mail client is not ready: %v", err)
	s.markError(node, ErrCodeEnvironmentUnready, reason)
	question := reason + ". Please make sure you are signed in and the inbox is visible, then reply to continue."
	s.askHuman(question)
	s.say(question)
}

func recentMessages(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...)
}
