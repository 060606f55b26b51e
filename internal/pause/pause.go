// Package pause provides the context-aware waits used between requests.
package pause

import (
	"context"
	"math/rand"
	"time"
)

// Func parks the caller for d or until ctx is done.
type Func func(ctx context.Context, d time.Duration) error

// Sleep is the production Func.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Between returns a uniformly random duration in [min, max].
func Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
