package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLeaseReleaseWithoutAttemptIsNoop(t *testing.T) {
	env := new(MockEnvironment)
	lease := newEnvironmentLease(env)

	require.NoError(t, lease.Release(context.Background()))
	env.AssertNotCalled(t, "Release", mock.Anything)
}

func TestLeaseInitializesOnceAndReleasesOnce(t *testing.T) {
	env := new(MockEnvironment)
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Observe", mock.Anything).Return(&Snapshot{URL: "https://outlook.live.com/mail/0/"}, nil).Twice()
	env.On("Release", mock.Anything).Return(nil).Once()
	lease := newEnvironmentLease(env)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		snap, err := lease.Observe(ctx)
		require.NoError(t, err)
		assert.False(t, snap.CapturedAt.IsZero())
	}
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	_, err := lease.Observe(ctx)
	assert.ErrorIs(t, err, ErrEnvironmentUnready, "a released lease is never re-acquired")
	env.AssertExpectations(t)
}

func TestLeaseRetriesFailedInitialization(t *testing.T) {
	env := new(MockEnvironment)
	env.On("Initialize", mock.Anything).Return(errors.New("chrome crashed")).Once()
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Release", mock.Anything).Return(nil).Once()
	lease := newEnvironmentLease(env)
	ctx := context.Background()

	err := lease.Ensure(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvironmentUnready)
	assert.Contains(t, err.Error(), "chrome crashed")

	require.NoError(t, lease.Ensure(ctx))
	require.NoError(t, lease.Release(ctx))
	env.AssertExpectations(t)
}

func TestLeaseReleasesAfterFailedAttempt(t *testing.T) {
	env := new(MockEnvironment)
	env.On("Initialize", mock.Anything).Return(errors.New("profile locked")).Once()
	env.On("Release", mock.Anything).Return(errors.New("nothing to close")).Once()
	lease := newEnvironmentLease(env)

	require.Error(t, lease.Ensure(context.Background()))
	assert.EqualError(t, lease.Release(context.Background()), "nothing to close")
	env.AssertExpectations(t)
}

func TestLeaseRejectsEmptyObservation(t *testing.T) {
	env := new(MockEnvironment)
	env.On("Initialize", mock.Anything).Return(nil).Once()
	env.On("Observe", mock.Anything).Return(nil, nil).Once()

	_, err := newEnvironmentLease(env).Observe(context.Background())
	assert.ErrorContains(t, err, "empty observation")
}
