package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/observability"
)

func executingState(t *testing.T, instr Instruction) *TaskState {
	t.Helper()
	s := readyState(t)
	s.Snapshot = inboxSnapshot()
	s.PendingInstruction = &instr
	s.ActionLog = append(s.ActionLog, instr)
	s.Status = StatusExecuting
	return s
}

// Scenario C: a failed instruction records the environment's reason and clears the instruction.
func TestExecutionFailureRecordsReason(t *testing.T) {
	env := new(MockEnvironment)
	click := Instruction{Kind: InstructionClick, Target: "[aria-label='Send']"}
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Apply", mock.Anything, click).Return(&ExecutionOutcome{
		Success:   false,
		Reason:    "element not found",
		ErrorCode: ErrCodeElementNotFound,
	}, nil).Once()

	s := executingState(t, click)
	NewExecution(zap.NewNop(), nil).Run(context.Background(), s, newEnvironmentLease(env))

	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, "element not found", s.FailureReason)
	assert.Equal(t, ErrCodeElementNotFound, s.FailureCode)
	assert.Nil(t, s.PendingInstruction)
	require.NotNil(t, s.LastOutcome)
	assert.False(t, s.LastOutcome.Success)
	assert.Equal(t, 1, s.ErrorStreak(NodeExecution))
	assert.Equal(t, NodePlanning, Router{}.AfterExecution(s), "one failure gets a retry through planning")
	assert.NoError(t, s.CheckInvariants())
	env.AssertNotCalled(t, "Observe", mock.Anything)
}

func TestExecutionSuccessRefreshesSnapshot(t *testing.T) {
	env := new(MockEnvironment)
	fill := Instruction{Kind: InstructionFill, Target: "input[name='to']", Value: "bob@x.com"}
	compose := &Snapshot{URL: "https://mail.google.com/mail/u/0/#inbox?compose=new", Title: "Compose"}
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Apply", mock.Anything, fill).Return(&ExecutionOutcome{Success: true, Detail: "filled"}, nil).Once()
	env.On("Observe", mock.Anything).Return(compose, nil).Once()

	s := executingState(t, fill)
	s.markError(NodeExecution, ErrCodeElementNotFound, "earlier failure")
	NewExecution(zap.NewNop(), nil).Run(context.Background(), s, newEnvironmentLease(env))

	assert.Equal(t, StatusPlanning, s.Status)
	assert.Nil(t, s.PendingInstruction)
	assert.Equal(t, "Compose", s.Snapshot.Title)
	assert.True(t, s.LastOutcome.Success)
	assert.Equal(t, 0, s.ErrorStreak(NodeExecution), "success resets the streak")
	assert.Equal(t, "Executed: fill input[name='to']. filled", s.Conversation[len(s.Conversation)-1].Content)
	env.AssertExpectations(t)
}

func TestExecutionObserveFailureAfterSuccess(t *testing.T) {
	env := new(MockEnvironment)
	press := Instruction{Kind: InstructionPress, Value: "Enter"}
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Apply", mock.Anything, press).Return(&ExecutionOutcome{Success: true}, nil).Once()
	env.On("Observe", mock.Anything).Return(nil, errors.New("target closed")).Once()

	s := executingState(t, press)
	NewExecution(zap.NewNop(), nil).Run(context.Background(), s, newEnvironmentLease(env))

	assert.Equal(t, StatusPlanning, s.Status)
	require.NotNil(t, s.Snapshot)
	assert.False(t, s.Snapshot.Usable(), "planning will re-observe")
	assert.Equal(t, "target closed", s.Snapshot.Error)
}

func TestExecutionApplyErrors(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *ExecutionOutcome
		err      error
		wantText string
	}{
		{"transport error", nil, errors.New("websocket closed"), "websocket closed"},
		{"nil outcome", nil, nil, "environment returned no outcome"},
		{"failure without reason", &ExecutionOutcome{Success: false}, nil, "instruction failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := new(MockEnvironment)
			snap := Instruction{Kind: InstructionSnapshot}
			env.On("Initialize", mock.Anything).Return(nil).Once()
			env.On("Apply", mock.Anything, snap).Return(tt.outcome, tt.err).Once()

			s := executingState(t, snap)
			NewExecution(zap.NewNop(), nil).Run(context.Background(), s, newEnvironmentLease(env))

			assert.Equal(t, StatusError, s.Status)
			assert.Equal(t, tt.wantText, s.FailureReason)
			assert.Equal(t, ErrCodeExecutionFailure, s.FailureCode)
			assert.Nil(t, s.PendingInstruction)
		})
	}
}

func TestExecutionEnvironmentUnready(t *testing.T) {
	env := new(MockEnvironment)
	env.On("Initialize", mock.Anything).Return(errors.New("no display")).Once()

	s := executingState(t, Instruction{Kind: InstructionSnapshot})
	NewExecution(zap.NewNop(), nil).Run(context.Background(), s, newEnvironmentLease(env))

	assert.Nil(t, s.PendingInstruction)
	assert.Equal(t, ErrCodeEnvironmentUnready, s.FailureCode)
	assert.True(t, s.AwaitingHumanInput)
	assert.NoError(t, s.CheckInvariants(), "the instruction is cleared before the question is raised")
	assert.Equal(t, NodePlanning, Router{}.AfterExecution(s))
	assert.Equal(t, NodeIntake, Router{}.AfterPlanning(s))
	env.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestExecutionNoOps(t *testing.T) {
	env := new(MockEnvironment)

	s := readyState(t)
	NewExecution(zap.NewNop(), nil).Run(context.Background(), s, newEnvironmentLease(env))

	exiting := executingState(t, Instruction{Kind: InstructionSnapshot})
	exiting.ExitRequested = true
	NewExecution(zap.NewNop(), nil).Run(context.Background(), exiting, newEnvironmentLease(env))

	assert.NotNil(t, exiting.PendingInstruction)
	env.AssertNotCalled(t, "Initialize", mock.Anything)
}

func TestExecutionRecordsInstructionMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	env := new(MockEnvironment)
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Apply", mock.Anything, mock.Anything).Return(&ExecutionOutcome{Success: false, Reason: "element not found"}, nil).Once()

	s := executingState(t, Instruction{Kind: InstructionClick, Target: "#send"})
	NewExecution(zap.NewNop(), metrics).Run(context.Background(), s, newEnvironmentLease(env))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Instructions.WithLabelValues("click", "failure")))
}
