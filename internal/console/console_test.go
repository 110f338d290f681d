package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAsk_ReadsLines(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("email bob@x.com\r\nexit\n"), &out, false)

	first, err := c.Ask(context.Background(), "Who should I email?")
	require.NoError(t, err)
	assert.Equal(t, "email bob@x.com", first)

	second, err := c.Ask(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "exit", second)

	assert.Contains(t, out.String(), "Who should I email?\n> ")
	assert.Contains(t, out.String(), agent.DefaultPrompt, "empty prompts fall back to the default question")
	assert.NotContains(t, out.String(), "\x1b[", "colors are disabled")
}

func TestAsk_FinalLineWithoutNewline(t *testing.T) {
	c := New(strings.NewReader("yes"), io.Discard, false)

	answer, err := c.Ask(context.Background(), "Ready?")
	require.NoError(t, err)
	assert.Equal(t, "yes", answer)

	_, err = c.Ask(context.Background(), "Anything else?")
	assert.ErrorIs(t, err, io.EOF)
}

func TestAsk_ContextCancelledWhileBlocked(t *testing.T) {
	pr, pw := io.Pipe()
	c := New(pr, io.Discard, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Ask(ctx, "Waiting...")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The in-flight read is handed to the next question.
	go func() {
		_, _ = pw.Write([]byte("late answer\n"))
	}()
	answer, err := c.Ask(context.Background(), "Still there?")
	require.NoError(t, err)
	assert.Equal(t, "late answer", answer)
	require.NoError(t, pw.Close())
}

func TestWaitForEnter(t *testing.T) {
	c := New(strings.NewReader("\n"), io.Discard, false)
	assert.NoError(t, c.WaitForEnter(context.Background(), "Press Enter"))

	c = New(strings.NewReader(""), io.Discard, false)
	assert.NoError(t, c.WaitForEnter(context.Background(), "Press Enter"), "closed input counts as Enter")
}

func TestProgressAndColors(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, true)

	c.Progress(agent.Message{Role: agent.RoleAssistant, Content: "Next step: Open compose (click)."})

	assert.Contains(t, out.String(), "Next step: Open compose (click).")
	assert.Contains(t, out.String(), "\x1b[", "colors are forced on")
}

func TestPrintResult(t *testing.T) {
	tests := []struct {
		name   string
		result *agent.RunResult
		want   []string
	}{
		{
			name: "succeeded",
			result: &agent.RunResult{
				RunID:       "run-1",
				Outcome:     agent.OutcomeSucceeded,
				FinalResult: "Email sent successfully",
				Steps:       7,
				State: &agent.TaskState{
					Objective: &agent.Objective{Recipient: "bob@x.com", Subject: "Hi"},
					ActionLog: []agent.Instruction{{Kind: agent.InstructionClick, Target: "[aria-label='Compose']"}},
				},
			},
			want: []string{"Task completed.", "Result: Email sent successfully", `Objective: email to bob@x.com with subject "Hi"`, "1. click [aria-label='Compose']", "Run run-1: 7 steps"},
		},
		{
			name:   "failed",
			result: &agent.RunResult{RunID: "run-2", Outcome: agent.OutcomeFailed, FailureReason: "element not found"},
			want:   []string{"Task failed.", "Reason: element not found"},
		},
		{
			name:   "exited",
			result: &agent.RunResult{RunID: "run-3", Outcome: agent.OutcomeExited},
			want:   []string{"Goodbye."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			New(strings.NewReader(""), &out, false).PrintResult(tt.result)
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}
}
