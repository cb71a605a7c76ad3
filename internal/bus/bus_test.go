package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"spindle/internal/command"
)

func TestLocalBus_DeliversInOrder(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	b.Subscribe(func(hash string, env command.Envelope) {
		mu.Lock()
		got = append(got, env.ID)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	envs := []command.Envelope{
		command.NewSetLatency(100),
		command.NewSetLatency(200),
		command.NewTerminate("x"),
	}
	for _, env := range envs {
		if err := b.Publish(context.Background(), "h", env); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, env := range envs {
		if got[i] != env.ID {
			t.Errorf("delivery %d out of order: got %s want %s", i, got[i], env.ID)
		}
	}
}

func TestLocalBus_NoHandlerDoesNotBlock(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	// Publishing without a subscriber must not block or panic
	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), "h", command.NewSetLatency(i)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLocalBus_HealthyAndPresence(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	ctx := context.Background()
	if err := b.Healthy(ctx); err != nil {
		t.Errorf("local bus should always be healthy: %v", err)
	}
	if err := b.SetPresence(ctx, "h"); err != nil {
		t.Errorf("presence set failed: %v", err)
	}
	if err := b.ClearPresence(ctx, "h"); err != nil {
		t.Errorf("presence clear failed: %v", err)
	}
}
