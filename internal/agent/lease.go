package agent

import (
	"context"
	"fmt"
)

// environmentLease owns the environment for one run: it is acquired lazily on
// first need and released at most once, and only if acquisition was attempted.
type environmentLease struct {
	env       Environment
	attempted bool
	ready     bool
	released  bool
}

func newEnvironmentLease(env Environment) *environmentLease {
	return &environmentLease{env: env}
}

// Ensure initializes the environment if it is not ready yet. A failed attempt
// is retried on the next call.
func (l *environmentLease) Ensure(ctx context.Context) error {
	if l.released {
		return fmt.Errorf("%w: lease already released", ErrEnvironmentUnready)
	}
	if l.ready {
		return nil
	}
	l.attempted = true
	if err := l.env.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironmentUnready, err)
	}
	l.ready = true
	return nil
}

// Observe captures a snapshot from an initialized environment.
func (l *environmentLease) Observe(ctx context.Context) (*Snapshot, error) {
	if err := l.Ensure(ctx); err != nil {
		return nil, err
	}
	snap, err := l.env.Observe(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("environment returned an empty observation")
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = nowFunc()
	}
	return snap, nil
}

// Apply dispatches one instruction to an initialized environment.
func (l *environmentLease) Apply(ctx context.Context, instr Instruction) (*ExecutionOutcome, error) {
	if err := l.Ensure(ctx); err != nil {
		return nil, err
	}
	return l.env.Apply(ctx, instr)
}

// Release hands the environment back. Calls after the first are no-ops.
func (l *environmentLease) Release(ctx context.Context) error {
	if !l.attempted || l.released {
		return nil
	}
	l.released = true
	l.ready = false
	return l.env.Release(ctx)
}
