package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"cryptobots/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSchedulerImmediateUnderLimit(t *testing.T) {
	t.Parallel()
	s := NewScheduler("test", testLogger())
	s.RegisterWindow("request", time.Second, 100)

	for i := 0; i < 10; i++ {
		start := time.Now()
		if err := s.Wait(context.Background(), Weights{"request": 10}); err != nil {
			t.Fatalf("Wait(%d): %v", i, err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait(%d) took %v, expected immediate", i, elapsed)
		}
	}
}

func TestSchedulerBlocksUntilWindowFrees(t *testing.T) {
	t.Parallel()
	// 100 weight per 200ms window; 11 requests of weight 10 exhaust it,
	// so the 11th must wait for the oldest spend to slide out.
	s := NewScheduler("test", testLogger())
	s.RegisterWindow("request", 200*time.Millisecond, 100)

	start := time.Now()
	for i := 0; i < 11; i++ {
		if err := s.Wait(context.Background(), Weights{"request": 10}); err != nil {
			t.Fatalf("Wait(%d): %v", i, err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 150*time.Millisecond {
		t.Errorf("11 requests finished in %v, expected to block ~200ms", elapsed)
	}
	if elapsed > 600*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestSchedulerWeightExceedsLimit(t *testing.T) {
	t.Parallel()
	s := NewScheduler("test", testLogger())
	s.RegisterWindow("request", time.Second, 5)

	err := s.Wait(context.Background(), Weights{"request": 10})
	if !errors.Is(err, types.ErrRateLimitExhausted) {
		t.Errorf("Wait() = %v, want ErrRateLimitExhausted", err)
	}
}

func TestSchedulerContextCancelled(t *testing.T) {
	t.Parallel()
	s := NewScheduler("test", testLogger())
	s.RegisterWindow("request", 10*time.Second, 1)

	if err := s.Wait(context.Background(), Weights{"request": 1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx, Weights{"request": 1}); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestSchedulerUnregisteredKindPasses(t *testing.T) {
	t.Parallel()
	s := NewScheduler("test", testLogger())

	start := time.Now()
	if err := s.Wait(context.Background(), Weights{"unknown": 1000}); err != nil {
		t.Fatalf("Wait(): %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unmetered kind took %v, expected immediate", elapsed)
	}
}

func TestSchedulerChargesAllKinds(t *testing.T) {
	t.Parallel()
	s := NewScheduler("test", testLogger())
	s.RegisterWindow("request", time.Second, 1000)
	s.RegisterWindow("orders", time.Second, 10)

	if err := s.Wait(context.Background(), Weights{"request": 2, "orders": 3}); err != nil {
		t.Fatal(err)
	}

	spent := map[string]int{}
	for _, u := range s.Usage() {
		spent[u.Kind] = u.Spent
	}
	if spent["request"] != 2 {
		t.Errorf("request spent = %d, want 2", spent["request"])
	}
	if spent["orders"] != 3 {
		t.Errorf("orders spent = %d, want 3", spent["orders"])
	}
}

func TestSchedulerReplaceKeepsSpend(t *testing.T) {
	t.Parallel()
	s := NewScheduler("test", testLogger())
	s.RegisterWindow("request", 10*time.Second, 100)

	if err := s.Wait(context.Background(), Weights{"request": 60}); err != nil {
		t.Fatal(err)
	}

	// Re-registering on reconnect must not hand out a fresh budget.
	s.RegisterWindow("request", 10*time.Second, 70)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx, Weights{"request": 20}); err == nil {
		t.Error("expected blocked request after replace, got immediate admit")
	}
}
