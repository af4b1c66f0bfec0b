package health

import (
	"context"
	"fmt"
	"time"
)

// PoolStatus is the subset of a tuner's state WaitForPool needs; satisfied
// by manager.Status.
type PoolStatus struct {
	ID    int
	State string
}

// WaitForPool polls statusFn until at least one tuner reports a non-STOPPED,
// non-ERROR state, or deadline elapses. Startup fails fatally (§7) if every
// tuner is still down when the deadline is reached, since a gateway with no
// usable tuner can serve no stream.
func WaitForPool(ctx context.Context, deadline time.Duration, statusFn func() []PoolStatus) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, s := range statusFn() {
			if s.State != "STOPPED" && s.State != "ERROR" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("health: no tuner left STOPPED/ERROR within %s", deadline)
		case <-ticker.C:
		}
	}
}
