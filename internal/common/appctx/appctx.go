// Package appctx provides context helpers for work that outlives a request.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context independent of any request-scoped cancellation,
// bounded by timeout and released when stopCh closes. Worker teardown uses it
// so a dropped HTTP client cannot interrupt a graceful stop.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
