package backoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func testDriver() Driver {
	return Driver{Name: "test", Logger: zerolog.Nop()}
}

func TestAsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"plain", errors.New("boom"), 0, false},
		{"direct", &RateLimitError{RetryAfter: 3 * time.Second}, 3 * time.Second, true},
		{"wrapped", fmt.Errorf("telegram: run: %w", &RateLimitError{RetryAfter: time.Second}), time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsRateLimit(tt.err)
			if ok != tt.ok || got != tt.want {
				t.Errorf("AsRateLimit() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRateLimitError_Unwrap(t *testing.T) {
	inner := errors.New("FLOOD_WAIT")
	err := &RateLimitError{RetryAfter: time.Second, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("RateLimitError does not unwrap to inner error")
	}
}

func TestRun_CleanResult(t *testing.T) {
	calls := 0
	err := testDriver().Run(context.Background(), make(chan struct{}), func(ctx context.Context, stop <-chan struct{}) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRun_FatalErrorPropagates(t *testing.T) {
	boom := errors.New("auth key unregistered")
	calls := 0
	err := testDriver().Run(context.Background(), make(chan struct{}), func(ctx context.Context, stop <-chan struct{}) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal error)", calls)
	}
}

func TestRun_WaitsRetryAfterBeforeReconnect(t *testing.T) {
	const retryAfter = 60 * time.Millisecond

	var (
		mu       sync.Mutex
		failedAt time.Time
		startAt  time.Time
		calls    int
	)
	err := testDriver().Run(context.Background(), make(chan struct{}), func(ctx context.Context, stop <-chan struct{}) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			failedAt = time.Now()
			return &RateLimitError{RetryAfter: retryAfter}
		}
		startAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if gap := startAt.Sub(failedAt); gap < retryAfter {
		t.Errorf("retry started after %v, want at least %v", gap, retryAfter)
	}
}

func TestRun_RetriesWithoutCeiling(t *testing.T) {
	calls := 0
	err := testDriver().Run(context.Background(), make(chan struct{}), func(ctx context.Context, stop <-chan struct{}) error {
		calls++
		if calls < 25 {
			return &RateLimitError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 25 {
		t.Errorf("calls = %d, want 25", calls)
	}
}

func TestRun_StopDuringPause(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- testDriver().Run(context.Background(), stop, func(ctx context.Context, stop <-chan struct{}) error {
			return &RateLimitError{RetryAfter: time.Hour}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error = %v, want nil after stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe stop during pause")
	}
}

func TestRun_CustomClassifier(t *testing.T) {
	native := errors.New("429 Too Many Requests")
	d := testDriver()
	d.Classify = func(err error) (time.Duration, bool) {
		if errors.Is(err, native) {
			return time.Millisecond, true
		}
		return 0, false
	}

	calls := 0
	err := d.Run(context.Background(), make(chan struct{}), func(ctx context.Context, stop <-chan struct{}) error {
		calls++
		if calls == 1 {
			return native
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRun_LimiterSpacesAttempts(t *testing.T) {
	d := testDriver()
	d.Limiter = rate.NewLimiter(rate.Every(30*time.Millisecond), 1)

	start := time.Now()
	calls := 0
	err := d.Run(context.Background(), make(chan struct{}), func(ctx context.Context, stop <-chan struct{}) error {
		calls++
		if calls < 3 {
			return &RateLimitError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("3 attempts took %v, want limiter spacing of at least 50ms", elapsed)
	}
}

// --- Retry ---

func TestRetry_PausesInPlace(t *testing.T) {
	const retryAfter = 40 * time.Millisecond

	var failedAt, retriedAt time.Time
	calls := 0
	err := testDriver().Retry(context.Background(), make(chan struct{}), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			failedAt = time.Now()
			return fmt.Errorf("download: %w", &RateLimitError{RetryAfter: retryAfter})
		}
		retriedAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if gap := retriedAt.Sub(failedAt); gap < retryAfter {
		t.Errorf("retried after %v, want at least %v", gap, retryAfter)
	}
}

func TestRetry_OtherErrorReturned(t *testing.T) {
	want := errors.New("FILE_REFERENCE_EXPIRED")
	calls := 0
	err := testDriver().Retry(context.Background(), make(chan struct{}), func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_StopEndsPause(t *testing.T) {
	stop := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(stop)
	}()

	start := time.Now()
	err := testDriver().Retry(context.Background(), stop, func(ctx context.Context) error {
		return &RateLimitError{RetryAfter: time.Hour}
	})
	if _, ok := AsRateLimit(err); !ok {
		t.Errorf("err = %v, want the rate-limit error", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retry took %v after stop", elapsed)
	}
}

func TestRetry_CustomClassifier(t *testing.T) {
	floodWait := errors.New("FLOOD_WAIT_1")
	d := testDriver()
	d.Classify = func(err error) (time.Duration, bool) {
		if errors.Is(err, floodWait) {
			return time.Millisecond, true
		}
		return 0, false
	}
	calls := 0
	err := d.Retry(context.Background(), make(chan struct{}), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return floodWait
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
