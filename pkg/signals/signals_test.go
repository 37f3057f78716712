package signals

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWithShutdownStop(t *testing.T) {
	ctx, stop := WithShutdown(context.Background())
	stop()
	stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by stop")
	}
}

func TestWithShutdownParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := WithShutdown(parent)
	defer stop()
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with its parent")
	}
}

func TestTriggerShutdownOnce(t *testing.T) {
	var once sync.Once
	calls := 0
	cancel := func() { calls++ }
	for i := 0; i < 3; i++ {
		TriggerShutdown(&once, cancel)
	}
	if calls != 1 {
		t.Errorf("cancel called %d times, want 1", calls)
	}
	TriggerShutdown(&sync.Once{}, nil)
}
