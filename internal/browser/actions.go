package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

// keyNames maps the key names a planner uses to chromedp key codes.
var keyNames = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"space":      " ",
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

var modifierNames = map[string]input.Modifier{
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"shift":   input.ModifierShift,
}

// keyChord is a parsed key press such as "Control+Enter".
type keyChord struct {
	Key       string
	Modifiers []input.Modifier
}

// parseKey parses a press value. Modifiers and the key are joined by '+';
// single characters are sent as typed.
func parseKey(value string) (keyChord, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return keyChord{}, errors.New("empty key")
	}
	parts := strings.Split(value, "+")
	if value == "+" || strings.HasSuffix(value, "++") {
		parts = append(parts[:len(parts)-2], "+")
	}

	var chord keyChord
	for _, part := range parts[:len(parts)-1] {
		mod, ok := modifierNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return keyChord{}, fmt.Errorf("unknown modifier %q in %q", part, value)
		}
		chord.Modifiers = append(chord.Modifiers, mod)
	}

	last := parts[len(parts)-1]
	if k, ok := keyNames[strings.ToLower(strings.TrimSpace(last))]; ok {
		chord.Key = k
	} else if len([]rune(last)) == 1 {
		chord.Key = last
	} else {
		return keyChord{}, fmt.Errorf("unknown key %q", last)
	}
	return chord, nil
}

func (c keyChord) action() chromedp.Action {
	if len(c.Modifiers) == 0 {
		return chromedp.KeyEvent(c.Key)
	}
	return chromedp.KeyEvent(c.Key, chromedp.KeyModifiers(c.Modifiers...))
}

// Apply performs one instruction on the page. Element lookups that time out
// are reported as ELEMENT_NOT_FOUND; only a canceled run is returned as an error.
func (e *Environment) Apply(ctx context.Context, instr agent.Instruction) (*agent.ExecutionOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tabCtx == nil {
		return nil, ErrNotStarted
	}

	opCtx, cancel := CombineContext(e.tabCtx, ctx)
	defer cancel()

	e.logger.Debug("Executing instruction.",
		zap.String("kind", string(instr.Kind)),
		zap.String("target", instr.Target),
		zap.Int("value_length", len(instr.Value)))

	detail, err := e.apply(opCtx, instr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		outcome := failureOutcome(instr, err)
		e.logger.Info("Instruction failed.", zap.String("instruction", instr.String()),
			zap.String("code", string(outcome.ErrorCode)), zap.Error(err))
		return outcome, nil
	}
	return &agent.ExecutionOutcome{Success: true, Detail: detail}, nil
}

// errUnknownInstruction marks instruction kinds the browser cannot perform.
var errUnknownInstruction = errors.New("unknown instruction")

func (e *Environment) apply(ctx context.Context, instr agent.Instruction) (string, error) {
	switch instr.Kind {
	case agent.InstructionClick:
		err := e.run(ctx, e.cfg.ActionTimeout, e.clickTasks(instr.Target))
		if err != nil {
			return "", err
		}
		if e.cfg.SettleDelay > 0 {
			if err := chromedp.Run(ctx, chromedp.Sleep(e.cfg.SettleDelay)); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Clicked %s", instr.Target), nil

	case agent.InstructionFill:
		clearJS, err := clearFieldScript(instr.Target)
		if err != nil {
			return "", err
		}
		tasks := append(e.clickTasks(instr.Target),
			chromedp.Evaluate(clearJS, nil),
			chromedp.SendKeys(instr.Target, instr.Value, chromedp.ByQuery),
		)
		if err := e.run(ctx, typingTimeout(e.cfg.ActionTimeout, 0, instr.Value), tasks); err != nil {
			return "", err
		}
		return fmt.Sprintf("Filled %s with %s", instr.Target, instr.Value), nil

	case agent.InstructionType:
		tasks := e.clickTasks(instr.Target)
		for _, r := range instr.Value {
			tasks = append(tasks, chromedp.KeyEvent(string(r)))
			if e.cfg.KeyDelay > 0 {
				tasks = append(tasks, chromedp.Sleep(e.cfg.KeyDelay))
			}
		}
		if err := e.run(ctx, typingTimeout(e.cfg.ActionTimeout, e.cfg.KeyDelay, instr.Value), tasks); err != nil {
			return "", err
		}
		return fmt.Sprintf("Typed %s into %s", instr.Value, instr.Target), nil

	case agent.InstructionPress:
		chord, err := parseKey(instr.Value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errUnknownInstruction, err)
		}
		var tasks chromedp.Tasks
		if instr.Target != "" {
			tasks = append(tasks, chromedp.Focus(instr.Target, chromedp.ByQuery))
		}
		tasks = append(tasks, chord.action())
		if err := e.run(ctx, e.cfg.ActionTimeout, tasks); err != nil {
			return "", err
		}
		return fmt.Sprintf("Pressed %s", instr.Value), nil

	case agent.InstructionWait:
		d, err := instr.WaitDuration()
		if err != nil {
			return "", err
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(d)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Waited %dms", d.Milliseconds()), nil

	case agent.InstructionSnapshot:
		e.screenshots++
		path, err := e.capture(ctx, screenshotName(instr, e.screenshots))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Screenshot saved to %s", path), nil

	default:
		return "", fmt.Errorf("%w: %q", errUnknownInstruction, instr.Kind)
	}
}

func (e *Environment) clickTasks(selector string) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
}

func (e *Environment) run(ctx context.Context, timeout time.Duration, tasks chromedp.Tasks) error {
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return chromedp.Run(actCtx, tasks)
}

// typingTimeout extends the base timeout by the time spent between keys.
func typingTimeout(base, perKey time.Duration, text string) time.Duration {
	n := time.Duration(len([]rune(text)))
	timeout := base + n*perKey + n*2*time.Millisecond
	if timeout > 3*time.Minute {
		timeout = 3 * time.Minute
	}
	return timeout
}

// screenshotName names snapshot files after the step number in the
// instruction label ("4", "step 4"), otherwise after the running screenshot count.
func screenshotName(instr agent.Instruction, seq int) string {
	label := strings.ToLower(strings.TrimSpace(instr.Label))
	label = strings.Trim(strings.TrimPrefix(label, "step"), " _-#")
	if label != "" && strings.IndexFunc(label, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
		return "step_" + label + ".png"
	}
	return fmt.Sprintf("step_%d.png", seq)
}

// failureOutcome classifies an action error.
func failureOutcome(instr agent.Instruction, err error) *agent.ExecutionOutcome {
	code := agent.ErrCodeExecutionFailure
	switch {
	case errors.Is(err, errUnknownInstruction):
		code = agent.ErrCodeUnknownInstruction
	case errors.Is(err, context.DeadlineExceeded):
		if instr.Target != "" {
			code = agent.ErrCodeElementNotFound
		} else {
			code = agent.ErrCodeTimeoutError
		}
	case instr.Kind == agent.InstructionWait:
		code = agent.ErrCodeInvalidInstruction
	}
	return &agent.ExecutionOutcome{
		Success:   false,
		Reason:    fmt.Sprintf("%s failed: %v", instr, err),
		ErrorCode: code,
	}
}
