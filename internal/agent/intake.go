// internal/agent/intake.go
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fixed conversation texts used by the intake phase.
const (
	DefaultPrompt      = "What would you like to do with mailpilot?"
	ClarifyPrompt      = "I had trouble understanding your request. Could you please clarify what you'd like to do with email?"
	RecipientPrompt    = "Who should receive this email? Please give me their email address."
	ObjectiveReady     = "Great! I have the information needed. Ready to proceed with planning."
	ResumeMessage      = "Thanks, continuing with the task."
	DefaultFinalResult = "Task completed successfully"
)

// exitTokens end the run when typed instead of an answer.
var exitTokens = map[string]struct{}{
	"exit": {},
	"quit": {},
	"bye":  {},
}

// IsExitToken reports whether the input is a reserved exit keyword.
func IsExitToken(input string) bool {
	_, ok := exitTokens[strings.ToLower(strings.TrimSpace(input))]
	return ok
}

// Intake turns human input into either a question or a structured objective.
type Intake struct {
	decider DecisionService
	human   Human
	logger  *zap.Logger
	timeout time.Duration
}

// NewIntake creates the intake phase. A zero timeout leaves decision calls unbounded.
func NewIntake(decider DecisionService, human Human, logger *zap.Logger, timeout time.Duration) *Intake {
	return &Intake{
		decider: decider,
		human:   human,
		logger:  logger.Named("intake"),
		timeout: timeout,
	}
}

// Run executes one intake step against the record.
func (p *Intake) Run(ctx context.Context, s *TaskState) {
	prompt := s.PendingQuestion
	if prompt == "" {
		prompt = DefaultPrompt
	}

	answer, err := p.human.Ask(ctx, prompt)
	if err != nil {
		// EOF, interrupt and cancellation all mean the human has left.
		p.logger.Info("Human input unavailable, ending the run.", zap.Error(err))
		s.ExitRequested = true
		return
	}
	answer = strings.TrimSpace(answer)
	if IsExitToken(answer) {
		s.ExitRequested = true
		return
	}
	if answer == "" {
		s.askHuman(prompt)
		s.say("I didn't get any input. %s", prompt)
		s.markProgress(NodeIntake, StatusCollecting)
		return
	}

	if s.Objective != nil {
		// The human answered a question raised after the objective was fixed.
		s.consumeAnswer(answer)
		s.markProgress(NodeIntake, StatusPlanning)
		s.say(ResumeMessage)
		return
	}

	s.consumeAnswer(answer)
	decision, err := p.classify(ctx, s, answer)
	if err != nil {
		p.logger.Warn("Intent classification failed, asking the human to clarify.", zap.Error(err))
		p.needMoreInfo(s, ClarifyPrompt)
		return
	}

	switch decision.Kind {
	case DecisionAskUser:
		p.needMoreInfo(s, orDefault(decision.Message, ClarifyPrompt))
	case DecisionProceed:
		p.extract(ctx, s)
	case DecisionFinalize:
		result := orDefault(decision.Message, DefaultFinalResult)
		s.finish(NodeIntake, result)
		s.say(result)
	case DecisionError:
		p.fail(s, ErrCodeDecisionError, orDefault(decision.Message, "I encountered an error processing your request."))
	default:
		p.fail(s, ErrCodeMalformedDecision, "I received an unrecognized decision while processing your request.")
	}
}

func (p *Intake) classify(ctx context.Context, s *TaskState, latest string) (Decision, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.decider.Classify(ctx, IntakeRequest{
		Conversation: append([]Message(nil), s.Conversation...),
		Latest:       latest,
	})
}

// extract runs the second decision call that turns the conversation into an objective.
func (p *Intake) extract(ctx context.Context, s *TaskState) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	obj, err := p.decider.ExtractObjective(ctx, append([]Message(nil), s.Conversation...))
	if err != nil || obj == nil {
		p.logger.Warn("Objective extraction failed.", zap.Error(err))
		p.needMoreInfo(s, ClarifyPrompt)
		return
	}
	if strings.TrimSpace(obj.Recipient) == "" {
		p.needMoreInfo(s, RecipientPrompt)
		return
	}
	if err := s.SetObjective(*obj); err != nil {
		if errors.Is(err, ErrObjectiveAlreadySet) {
			p.fail(s, ErrCodeDecisionError, err.Error())
			return
		}
		p.needMoreInfo(s, "I couldn't use those details ("+err.Error()+"). "+RecipientPrompt)
		return
	}

	p.logger.Info("Objective captured.", zap.String("objective", s.Objective.Summary()))
	s.markProgress(NodeIntake, StatusPlanning)
	s.say(ObjectiveReady)
}

func (p *Intake) needMoreInfo(s *TaskState, question string) {
	s.askHuman(question)
	s.markProgress(NodeIntake, StatusCollecting)
	s.say(question)
}

// fail records an intake error and surfaces the reason as the next question.
func (p *Intake) fail(s *TaskState, code ErrorCode, reason string) {
	s.markError(NodeIntake, code, reason)
	question := reason + " Could you rephrase your request?"
	s.askHuman(question)
	s.say(question)
}

func (p *Intake) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
