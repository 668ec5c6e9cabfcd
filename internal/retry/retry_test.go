package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls before success, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Do(context.Background(), cfg, func() error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected exactly MaxAttempts=3 calls, got %d", calls)
	}
}

func TestDo_NonRetryableErrorStopsImmediately(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Do(context.Background(), cfg, func() error {
		calls++
		return NonRetryable(errors.New("do not retry me"))
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("expected NonRetryable to stop after one attempt, got %d calls", calls)
	}
	if !IsNonRetryable(err) {
		t.Errorf("expected the returned error to still be recognized as non-retryable")
	}
}

func TestDo_ContextCancelledDuringBackoffReturnsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected an error when the context is cancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the error to wrap context.Canceled, got %v", err)
	}
}

func TestDoWithResult_ReturnsFinalValue(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	result, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("not ready")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected result 42, got %d", result)
	}
}

func TestQuickAndPersistent_ProduceDistinctBudgets(t *testing.T) {
	q, p := Quick(), Persistent()
	if q.MaxAttempts >= p.MaxAttempts {
		t.Errorf("expected Persistent to allow more attempts than Quick, got Quick=%d Persistent=%d", q.MaxAttempts, p.MaxAttempts)
	}
}
