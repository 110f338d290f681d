package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "testKey"
	const value = "testValue"

	t.Run("InheritsValuesFromPrimary", func(t *testing.T) {
		ctx1 := context.WithValue(context.Background(), key, value)
		ctx2 := context.WithValue(context.Background(), key, "other")

		combinedCtx, cancel := CombineContext(ctx1, ctx2)
		defer cancel()

		assert.Equal(t, value, combinedCtx.Value(key))
		assert.Nil(t, combinedCtx.Err())
	})

	t.Run("CancelledByPrimary", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		combinedCtx, cancelCombined := CombineContext(ctx1, context.Background())
		defer cancelCombined()

		cancel1()

		assert.Eventually(t, func() bool {
			return combinedCtx.Err() != nil
		}, 100*time.Millisecond, 10*time.Millisecond)
		assert.ErrorIs(t, combinedCtx.Err(), context.Canceled)
	})

	t.Run("CancelledBySecondary", func(t *testing.T) {
		ctx2, cancel2 := context.WithCancel(context.Background())
		combinedCtx, cancelCombined := CombineContext(context.Background(), ctx2)
		defer cancelCombined()

		cancel2()

		assert.Eventually(t, func() bool {
			return combinedCtx.Err() != nil
		}, 100*time.Millisecond, 10*time.Millisecond)
		assert.ErrorIs(t, combinedCtx.Err(), context.Canceled)
	})

	t.Run("DeadlineFromPrimary", func(t *testing.T) {
		deadline := time.Now().Add(50 * time.Millisecond)
		ctx1, cancel1 := context.WithDeadline(context.Background(), deadline)
		defer cancel1()

		combinedCtx, cancelCombined := CombineContext(ctx1, context.Background())
		defer cancelCombined()

		got, ok := combinedCtx.Deadline()
		require.True(t, ok)
		assert.True(t, got.Equal(deadline))
		<-combinedCtx.Done()
		assert.ErrorIs(t, combinedCtx.Err(), context.DeadlineExceeded)
	})

	t.Run("SecondaryDeadlineCancels", func(t *testing.T) {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel2()

		combinedCtx, cancelCombined := CombineContext(context.Background(), ctx2)
		defer cancelCombined()

		<-combinedCtx.Done()
		// The secondary only cancels; its deadline is not inherited.
		assert.ErrorIs(t, combinedCtx.Err(), context.Canceled)
	})
}

func TestDetach(t *testing.T) {
	type ctxKey string
	const key ctxKey = "testKey"

	parentCtx, cancelParent := context.WithTimeout(context.WithValue(context.Background(), key, "v"), 20*time.Millisecond)
	detachedCtx := Detach(parentCtx)
	cancelParent()

	assert.ErrorIs(t, parentCtx.Err(), context.Canceled)
	assert.Equal(t, "v", detachedCtx.Value(key))
	assert.Nil(t, detachedCtx.Err())
	assert.Nil(t, detachedCtx.Done())
	_, ok := detachedCtx.Deadline()
	assert.False(t, ok)

	derivedCtx, cancelDerived := context.WithTimeout(detachedCtx, 20*time.Millisecond)
	defer cancelDerived()
	<-derivedCtx.Done()
	assert.ErrorIs(t, derivedCtx.Err(), context.DeadlineExceeded)
}
