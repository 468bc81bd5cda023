package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func(int) error {
		calls++
		return nil
	})
	if result.Err != nil || result.Attempts != 1 || calls != 1 {
		t.Errorf("result = %+v, calls = %d", result, calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	var seen []int
	result := Do(context.Background(), fastConfig(5), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 || len(seen) != 3 || seen[2] != 3 {
		t.Errorf("attempts = %d, seen = %v", result.Attempts, seen)
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(int) error {
		calls++
		return errors.New("always fails")
	})
	if result.Err == nil || result.Attempts != 3 || calls != 3 {
		t.Errorf("result = %+v, calls = %d", result, calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	base := errors.New("not found")
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		return Permanent(base)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, base) || !IsPermanent(result.Err) {
		t.Errorf("result.Err = %v", result.Err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	result := Do(ctx, fastConfig(3), func(int) error {
		calls++
		return nil
	})
	if calls != 0 || !errors.Is(result.Err, context.Canceled) {
		t.Errorf("calls = %d, err = %v", calls, result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	value, result := DoWithValue(context.Background(), fastConfig(3), func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if value != "ok" || result.Err != nil || result.Attempts != 2 {
		t.Errorf("value = %q, result = %+v", value, result)
	}
}

func TestBackoff(t *testing.T) {
	config := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(config, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	config.Jitter = true
	for i := 0; i < 20; i++ {
		got := Backoff(config, 2)
		if got < 100*time.Millisecond || got >= 300*time.Millisecond {
			t.Fatalf("jittered Backoff(2) = %v out of range", got)
		}
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("plain error reported permanent")
	}
}
