package health

import (
	"context"
	"testing"
	"time"
)

func TestWaitForPool_succeedsWhenATunerComesUp(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := WaitForPool(ctx, time.Second, func() []PoolStatus {
		calls++
		if calls < 2 {
			return []PoolStatus{{ID: 0, State: "STOPPED"}}
		}
		return []PoolStatus{{ID: 0, State: "FREE"}}
	})
	if err != nil {
		t.Fatalf("WaitForPool: %v", err)
	}
}

func TestWaitForPool_timesOutWhenAllDown(t *testing.T) {
	ctx := context.Background()
	err := WaitForPool(ctx, 300*time.Millisecond, func() []PoolStatus {
		return []PoolStatus{{ID: 0, State: "ERROR"}, {ID: 1, State: "STOPPED"}}
	})
	if err == nil {
		t.Fatal("expected timeout error when every tuner is down")
	}
}
