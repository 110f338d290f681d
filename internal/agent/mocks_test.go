package agent

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// -- Decision Service Mock --

// MockDecisionService mocks the DecisionService interface.
type MockDecisionService struct {
	mock.Mock
}

func (m *MockDecisionService) Classify(ctx context.Context, req IntakeRequest) (Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Decision), args.Error(1)
}

func (m *MockDecisionService) ExtractObjective(ctx context.Context, conversation []Message) (*Objective, error) {
	args := m.Called(ctx, conversation)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Objective), args.Error(1)
}

func (m *MockDecisionService) Plan(ctx context.Context, req PlanningRequest) (Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Decision), args.Error(1)
}

// -- Environment Mock --

// MockEnvironment mocks the Environment interface.
type MockEnvironment struct {
	mock.Mock
}

func (m *MockEnvironment) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockEnvironment) Observe(ctx context.Context) (*Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Snapshot), args.Error(1)
}

func (m *MockEnvironment) Apply(ctx context.Context, instr Instruction) (*ExecutionOutcome, error) {
	args := m.Called(ctx, instr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ExecutionOutcome), args.Error(1)
}

func (m *MockEnvironment) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Human Mock --

// MockHuman mocks the Human interface.
type MockHuman struct {
	mock.Mock
}

func (m *MockHuman) Ask(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

// -- Journal Mock --

// MockJournal mocks the Journal interface.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, state *TaskState) error {
	return m.Called(ctx, state).Error(0)
}
