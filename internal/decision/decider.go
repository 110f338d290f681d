// Package decision implements the agent's decision service on top of an LLM.
package decision

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/api/schemas"
	"github.com/xkilldash9x/mailpilot/internal/agent"
	"github.com/xkilldash9x/mailpilot/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	classifyTemperature = 0.1
	extractTemperature  = 0.0
	planTemperature     = 0.2

	// maxSnapshotChars bounds the page inventory embedded in a planning prompt.
	maxSnapshotChars = 30000
)

// actionAliases maps the spellings models produce to decision kinds.
var actionAliases = map[string]agent.DecisionKind{
	"proceed":        agent.DecisionProceed,
	"execute":        agent.DecisionProceed,
	"ask_user":       agent.DecisionAskUser,
	"ask":            agent.DecisionAskUser,
	"need_more_info": agent.DecisionAskUser,
	"clarify":        agent.DecisionAskUser,
	"finalize":       agent.DecisionFinalize,
	"complete":       agent.DecisionFinalize,
	"done":           agent.DecisionFinalize,
	"error":          agent.DecisionError,
	"fail":           agent.DecisionError,
}

// kindAliases maps instruction spellings to instruction kinds.
var kindAliases = map[string]agent.InstructionKind{
	"click":      agent.InstructionClick,
	"fill":       agent.InstructionFill,
	"input":      agent.InstructionFill,
	"type":       agent.InstructionType,
	"press":      agent.InstructionPress,
	"key":        agent.InstructionPress,
	"keypress":   agent.InstructionPress,
	"wait":       agent.InstructionWait,
	"sleep":      agent.InstructionWait,
	"snapshot":   agent.InstructionSnapshot,
	"screenshot": agent.InstructionSnapshot,
}

// LLMDecider implements agent.DecisionService with prompts against a tiered LLM client.
type LLMDecider struct {
	llm      schemas.LLMClient
	provider string
	logger   *zap.Logger
}

// NewLLMDecider creates a decider. provider names the mail client for the planner prompt.
func NewLLMDecider(llm schemas.LLMClient, provider string, logger *zap.Logger) *LLMDecider {
	return &LLMDecider{
		llm:      llm,
		provider: provider,
		logger:   logger.Named("decision"),
	}
}

var _ agent.DecisionService = (*LLMDecider)(nil)

// Classify decides what the intake phase should do with the latest human message.
// Output the model gets wrong comes back as an error-kind decision.
func (d *LLMDecider) Classify(ctx context.Context, req agent.IntakeRequest) (agent.Decision, error) {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	writeConversation(&b, req.Conversation)
	fmt.Fprintf(&b, "\nLatest user message: %s\n", req.Latest)

	raw, err := d.generate(ctx, schemas.TierFast, intakeSystemPrompt, b.String(), classifyTemperature)
	if err != nil {
		return agent.Decision{}, err
	}
	parsed, err := llmutil.ParseJSONResponse[rawDecision](raw)
	if err != nil {
		return d.malformed("intent classifier", err), nil
	}
	decision := agent.Decision{
		Kind:    normalizeAction(parsed.Action),
		Message: strings.TrimSpace(parsed.Message),
	}
	if !knownKind(decision.Kind) {
		return d.malformed("intent classifier", fmt.Errorf("unknown action %q", parsed.Action)), nil
	}
	d.logger.Debug("Intake decision.", zap.String("kind", string(decision.Kind)), zap.String("message", decision.Message))
	return decision, nil
}

// ExtractObjective turns the conversation into a structured email objective.
func (d *LLMDecider) ExtractObjective(ctx context.Context, conversation []agent.Message) (*agent.Objective, error) {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	writeConversation(&b, conversation)

	raw, err := d.generate(ctx, schemas.TierFast, extractionSystemPrompt, b.String(), extractTemperature)
	if err != nil {
		return nil, err
	}
	parsed, err := llmutil.ParseJSONResponse[rawObjective](raw)
	if err != nil {
		return nil, err
	}

	obj := &agent.Objective{
		Recipient: strings.TrimSpace(parsed.Recipient),
		Subject:   parsed.Subject,
		Body:      parsed.Body,
		Priority:  parsed.Priority,
	}
	for _, a := range parsed.Attachments {
		if a = strings.TrimSpace(a); a != "" {
			obj.Attachments = append(obj.Attachments, a)
		}
	}
	obj.Normalize()
	return obj, nil
}

// Plan chooses the next single step against the current page. The result is
// always a valid decision; Go errors are reserved for failed LLM requests.
func (d *LLMDecider) Plan(ctx context.Context, req agent.PlanningRequest) (agent.Decision, error) {
	prompt, err := buildPlanningPrompt(req)
	if err != nil {
		return agent.Decision{}, err
	}
	system := fmt.Sprintf(plannerSystemPrompt, orUnknown(d.provider))

	raw, err := d.generate(ctx, schemas.TierPowerful, system, prompt, planTemperature)
	if err != nil {
		return agent.Decision{}, err
	}
	parsed, err := llmutil.ParseJSONResponse[rawDecision](raw)
	if err != nil {
		return d.malformed("planner", err), nil
	}

	decision := agent.Decision{
		Kind:    normalizeAction(parsed.Action),
		Message: strings.TrimSpace(parsed.Message),
	}
	if decision.Kind == agent.DecisionProceed {
		instr, err := parseInstruction(parsed.Instruction)
		if err != nil {
			return d.malformed("planner", err), nil
		}
		decision.Instruction = instr
	}
	if err := decision.Validate(); err != nil {
		return d.malformed("planner", err), nil
	}
	fields := []zap.Field{zap.String("kind", string(decision.Kind))}
	if decision.Instruction != nil {
		fields = append(fields, zap.String("instruction", decision.Instruction.String()))
	}
	d.logger.Debug("Planner decision.", fields...)
	return decision, nil
}

// malformed reports unusable model output as an error-kind decision.
func (d *LLMDecider) malformed(source string, err error) agent.Decision {
	d.logger.Warn("Discarding malformed model output.", zap.String("source", source), zap.Error(err))
	return agent.ErrorDecision("the %s returned an unusable response: %v", source, err)
}

func (d *LLMDecider) generate(ctx context.Context, tier schemas.ModelTier, system, user string, temperature float64) (string, error) {
	raw, err := d.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Tier:         tier,
		Options: schemas.GenerationOptions{
			Temperature:     temperature,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("LLM %s tier request failed: %w", tier, err)
	}
	return raw, nil
}

// -- Wire formats --

type rawDecision struct {
	Action      string              `json:"action"`
	Message     string              `json:"message"`
	Instruction jsoniter.RawMessage `json:"instruction"`
}

type rawInstruction struct {
	Kind     string              `json:"kind"`
	Type     string              `json:"type"`
	Target   string              `json:"target"`
	Selector string              `json:"selector"`
	Value    jsoniter.RawMessage `json:"value"`
	Label    string              `json:"label"`
	Step     string              `json:"step"`
}

type rawObjective struct {
	Recipient   string   `json:"recipient"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	Priority    string   `json:"priority"`
}

func knownKind(k agent.DecisionKind) bool {
	switch k {
	case agent.DecisionAskUser, agent.DecisionProceed, agent.DecisionFinalize, agent.DecisionError:
		return true
	}
	return false
}

func normalizeAction(action string) agent.DecisionKind {
	key := strings.ToLower(strings.TrimSpace(action))
	if kind, ok := actionAliases[key]; ok {
		return kind
	}
	return agent.DecisionKind(key)
}

// parseInstruction accepts an instruction object, or the same object encoded
// as a JSON string. A nil result means the decision carried no instruction.
func parseInstruction(raw jsoniter.RawMessage) (*agent.Instruction, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.UnmarshalFromString(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("decoding instruction string: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			return nil, nil
		}
		parsed, err := llmutil.ParseJSONResponse[rawInstruction](inner)
		if err != nil {
			return nil, fmt.Errorf("instruction is not a JSON object: %w", err)
		}
		return parsed.normalize(), nil
	}

	var ri rawInstruction
	if err := json.UnmarshalFromString(trimmed, &ri); err != nil {
		return nil, fmt.Errorf("decoding instruction: %w", err)
	}
	return ri.normalize(), nil
}

func (r rawInstruction) normalize() *agent.Instruction {
	kind := strings.ToLower(strings.TrimSpace(r.Kind))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(r.Type))
	}
	instr := &agent.Instruction{
		Kind:   agent.InstructionKind(kind),
		Target: strings.TrimSpace(r.Target),
		Value:  scalarString(r.Value),
		Label:  strings.TrimSpace(r.Label),
	}
	if mapped, ok := kindAliases[kind]; ok {
		instr.Kind = mapped
	}
	if instr.Target == "" {
		instr.Target = strings.TrimSpace(r.Selector)
	}
	if instr.Label == "" {
		instr.Label = strings.TrimSpace(r.Step)
	}
	return instr
}

// scalarString renders a JSON scalar as text; wait durations often arrive as numbers.
func scalarString(raw jsoniter.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		if unquoted, err := strconv.Unquote(s); err == nil {
			return unquoted
		}
		var v string
		if err := json.UnmarshalFromString(s, &v); err == nil {
			return v
		}
	}
	return s
}

// -- Prompt rendering --

func buildPlanningPrompt(req agent.PlanningRequest) (string, error) {
	var b strings.Builder

	objective, err := json.MarshalToString(req.Objective)
	if err != nil {
		return "", fmt.Errorf("encoding objective: %w", err)
	}
	fmt.Fprintf(&b, "Current objective (email details): %s\n\n", objective)

	b.WriteString("Current page snapshot:\n")
	if req.Snapshot == nil {
		b.WriteString("(none)\n")
	} else {
		fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", req.Snapshot.URL, req.Snapshot.Title)
		if req.Snapshot.Error != "" {
			fmt.Fprintf(&b, "Observation error: %s\n", req.Snapshot.Error)
		}
		if len(req.Snapshot.Content) > 0 {
			fmt.Fprintf(&b, "Elements: %s\n", truncate(string(req.Snapshot.Content), maxSnapshotChars))
		}
	}

	b.WriteString("\nPrevious steps taken:\n")
	if len(req.ActionLog) == 0 {
		b.WriteString("(none)\n")
	}
	for i, instr := range req.ActionLog {
		fmt.Fprintf(&b, "%d. %s\n", i+1, instr)
	}

	b.WriteString("\nOutcome of the last step: ")
	switch o := req.LastOutcome; {
	case o == nil:
		b.WriteString("(none)\n")
	case o.Success:
		fmt.Fprintf(&b, "success. %s\n", o.Detail)
	default:
		fmt.Fprintf(&b, "FAILED (%s): %s\n", o.ErrorCode, o.Reason)
	}

	if len(req.Conversation) > 0 {
		b.WriteString("\nRecent conversation:\n")
		writeConversation(&b, req.Conversation)
	}
	return b.String(), nil
}

func writeConversation(b *strings.Builder, msgs []agent.Message) {
	if len(msgs) == 0 {
		b.WriteString("(empty)\n")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(b, "%s: %s\n", m.Role, m.Content)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown provider"
	}
	return s
}
