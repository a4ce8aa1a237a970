// Package worker runs long-lived background tasks in generations that can be
// stopped, joined and restarted with new configuration while handing their
// resources (typically channel endpoints) to the next generation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/metrics"
)

var (
	// ErrRejected is returned by Reload when the next generation could not be
	// prepared. The current generation keeps running.
	ErrRejected = errors.New("worker: new generation rejected")

	// ErrStopTimeout is returned when a generation neither observed stop nor
	// cancellation of its context within the grace period.
	ErrStopTimeout = errors.New("worker: generation did not stop")
)

// Generation is one prepared run of a worker.
//
// Run blocks until stop is closed, the work finishes on its own, or a fatal
// error occurs, and returns the resources it was given so they can be handed
// to the next generation. ctx is only cancelled when a stop request overruns
// the grace period, so I/O already in flight is not pre-empted by stop.
// Close releases whatever the factory acquired and is called exactly once,
// after Run returns or when the generation is discarded without running.
type Generation[R any] interface {
	Run(ctx context.Context, stop <-chan struct{}, res R) (R, error)
	Close() error
}

// Factory prepares a generation for cfg. It runs synchronously, before the
// previous generation is stopped, so a configuration that cannot be served
// is rejected while the old generation is still working.
type Factory[C, R any] func(cfg C) (Generation[R], error)

// Options configures a worker.
type Options struct {
	Name   string
	Logger zerolog.Logger
	// Grace bounds how long Shutdown and Reload wait for a generation to
	// observe stop before its context is cancelled. Zero waits forever.
	Grace time.Duration
}

// Handle controls the running generation of a worker.
type Handle[C, R any] struct {
	opts    Options
	factory Factory[C, R]
	id      string
	log     zerolog.Logger

	stop      chan struct{}
	stopOnce  sync.Once
	requested atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	// written before done is closed
	res R
	err error
}

// Spawn prepares the first generation with cfg and starts it with res.
func Spawn[C, R any](opts Options, factory Factory[C, R], cfg C, res R) (*Handle[C, R], error) {
	gen, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("worker: %s: prepare: %w", opts.Name, err)
	}
	return start(opts, factory, gen, res), nil
}

func start[C, R any](opts Options, factory Factory[C, R], gen Generation[R], res R) *Handle[C, R] {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	h := &Handle[C, R]{
		opts:    opts,
		factory: factory,
		id:      id,
		log:     opts.Logger.With().Str("worker", opts.Name).Str("generation", id).Logger(),
		stop:    make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	metrics.WorkerGenerations.WithLabelValues(opts.Name).Inc()
	h.log.Debug().Msg("generation started")
	go h.run(ctx, gen, res)
	return h
}

func (h *Handle[C, R]) run(ctx context.Context, gen Generation[R], res R) {
	defer close(h.done)
	defer h.cancel()

	out, err := h.call(ctx, gen, res)
	if cerr := gen.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("worker: %s: close: %w", h.opts.Name, cerr))
	}
	if err != nil {
		h.log.Error().Err(err).Msg("generation failed")
	} else {
		h.log.Debug().Msg("generation finished")
	}
	h.res, h.err = out, err
}

func (h *Handle[C, R]) call(ctx context.Context, gen Generation[R], res R) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("stack", string(debug.Stack())).Msgf("panic: %v", r)
			out, err = res, fmt.Errorf("worker: %s: panic: %v", h.opts.Name, r)
		}
	}()
	return gen.Run(ctx, h.stop, res)
}

// Name returns the worker's name.
func (h *Handle[C, R]) Name() string { return h.opts.Name }

// Generation returns the id of the running generation.
func (h *Handle[C, R]) Generation() string { return h.id }

// Done is closed when the generation has exited, whether asked to or not.
func (h *Handle[C, R]) Done() <-chan struct{} { return h.done }

// Err returns the generation's result. Only valid after Done is closed.
func (h *Handle[C, R]) Err() error { return h.err }

// StopRequested reports whether Reload or Shutdown was called on this handle.
func (h *Handle[C, R]) StopRequested() bool { return h.requested.Load() }

// Reload prepares a generation for cfg, stops and joins the current one and
// starts the new one with the resources the old one returned.
//
// If preparing fails the current generation is left running and the same
// handle is returned with an error wrapping ErrRejected. If the current
// generation failed, the prepared one is discarded and a nil handle is
// returned with that failure.
func (h *Handle[C, R]) Reload(cfg C) (*Handle[C, R], error) {
	gen, err := h.factory(cfg)
	if err != nil {
		return h, fmt.Errorf("%w: %s: %w", ErrRejected, h.opts.Name, err)
	}

	res, err := h.stopAndJoin()
	if err != nil {
		if cerr := gen.Close(); cerr != nil {
			h.log.Warn().Err(cerr).Msg("discarding prepared generation")
		}
		return nil, err
	}
	return start(h.opts, h.factory, gen, res), nil
}

// Shutdown stops and joins the current generation.
func (h *Handle[C, R]) Shutdown() error {
	_, err := h.stopAndJoin()
	return err
}

func (h *Handle[C, R]) stopAndJoin() (R, error) {
	h.stopOnce.Do(func() {
		h.requested.Store(true)
		close(h.stop)
	})

	if h.opts.Grace <= 0 {
		<-h.done
		return h.res, h.err
	}

	timer := time.NewTimer(h.opts.Grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.res, h.err
	case <-timer.C:
	}

	h.log.Warn().Dur("grace", h.opts.Grace).Msg("generation ignored stop, cancelling")
	h.cancel()
	timer.Reset(h.opts.Grace)
	select {
	case <-h.done:
		return h.res, h.err
	case <-timer.C:
		var zero R
		return zero, fmt.Errorf("%w: %s", ErrStopTimeout, h.opts.Name)
	}
}

// StopContext returns a context derived from ctx that is also cancelled when
// stop is closed. Use it for operations that may be abandoned on stop, such
// as waiting for the next inbound update.
func StopContext(ctx context.Context, stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Stopped reports whether stop has been closed without blocking.
func Stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
