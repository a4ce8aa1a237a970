// Package backoff restarts a connect-and-run loop when the upstream asks the
// client to slow down, and gives up on everything else.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/metrics"
	"github.com/zulandar/kommemeorate/internal/worker"
	"golang.org/x/time/rate"
)

// RateLimitError reports that the upstream asked for a pause of RetryAfter
// before the next request.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AsRateLimit reports whether err carries a RateLimitError and, if so, how
// long the upstream asked to wait.
func AsRateLimit(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// Classifier recognizes a platform's rate-limit errors.
type Classifier func(err error) (time.Duration, bool)

// Attempt is one connect-and-run pass. It returns nil when it finished
// cleanly, including when stop was observed.
type Attempt func(ctx context.Context, stop <-chan struct{}) error

// Driver runs an Attempt until it succeeds or fails with an error that is not
// a rate limit. There is no retry ceiling.
type Driver struct {
	Name   string
	Logger zerolog.Logger
	// Classify recognizes rate limits. AsRateLimit is always consulted too.
	Classify Classifier
	// Limiter, when set, spaces out attempts so an upstream that keeps
	// answering "retry after 0" cannot spin the loop.
	Limiter *rate.Limiter
}

// Run calls attempt repeatedly as described on Driver. Closing stop ends the
// loop at the next suspension point with a nil error.
func (d Driver) Run(ctx context.Context, stop <-chan struct{}, attempt Attempt) error {
	for n := 1; ; n++ {
		if d.Limiter != nil {
			wctx, cancel := worker.StopContext(ctx, stop)
			err := d.Limiter.Wait(wctx)
			cancel()
			if err != nil {
				if worker.Stopped(stop) {
					return nil
				}
				return fmt.Errorf("backoff: %s: %w", d.Name, err)
			}
		}

		err := attempt(ctx, stop)
		if err == nil {
			return nil
		}

		wait, ok := d.classify(err)
		if !ok {
			return err
		}
		if worker.Stopped(stop) {
			return nil
		}
		if !d.pause(ctx, stop, err, n, wait, "rate limited, reconnecting after pause") {
			if worker.Stopped(stop) {
				return nil
			}
			return ctx.Err()
		}
	}
}

// Retry calls op until it succeeds or fails with an error that is not a rate
// limit, pausing in place for as long as the upstream asks. The connection
// and everything buffered on it survive the pause. If stop or ctx ends a
// pause, Retry returns the rate-limit error that caused it.
func (d Driver) Retry(ctx context.Context, stop <-chan struct{}, op func(ctx context.Context) error) error {
	for n := 1; ; n++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		wait, ok := d.classify(err)
		if !ok || worker.Stopped(stop) {
			return err
		}
		if !d.pause(ctx, stop, err, n, wait, "rate limited, retrying request after pause") {
			return err
		}
		if d.Limiter != nil {
			wctx, cancel := worker.StopContext(ctx, stop)
			werr := d.Limiter.Wait(wctx)
			cancel()
			if werr != nil {
				return err
			}
		}
	}
}

// pause logs and counts a rate-limit wait, then sleeps it out. It reports
// whether the full duration elapsed.
func (d Driver) pause(ctx context.Context, stop <-chan struct{}, err error, n int, wait time.Duration, msg string) bool {
	d.Logger.Warn().Err(err).Int("attempt", n).Dur("retry_after", wait).Msg(msg)
	metrics.RateLimitWaits.WithLabelValues(d.Name).Inc()
	metrics.RateLimitSeconds.WithLabelValues(d.Name).Add(wait.Seconds())
	return sleep(ctx, stop, wait)
}

func (d Driver) classify(err error) (time.Duration, bool) {
	if wait, ok := AsRateLimit(err); ok {
		return wait, true
	}
	if d.Classify != nil {
		return d.Classify(err)
	}
	return 0, false
}

// sleep waits for d and reports whether the full duration elapsed.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !worker.Stopped(stop) && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
