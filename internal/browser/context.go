package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from ctx1 that is also canceled
// when ctx2 is. Values come from ctx1 only, which is where chromedp keeps the
// target connection; ctx2 typically carries the caller's deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext keeps its parent's values but drops its deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                    { return nil }
func (valueOnlyContext) Err() error                               { return nil }

// Detach returns a context with the values of ctx that is never canceled.
// Release uses it so session state is still saved after the run is interrupted.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
