// Package persist applies domain events to durable storage from a single
// consumer goroutine.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/event"
	"github.com/zulandar/kommemeorate/internal/metrics"
	"github.com/zulandar/kommemeorate/internal/worker"
)

// DefaultQueueSize is the capacity of the event queue when none is configured.
const DefaultQueueSize = 32

// Config describes one consumer generation.
type Config struct {
	DatabaseURL string
	Root        string
	// Reconcile is a 5-field cron expression; empty disables scheduled passes.
	Reconcile        string
	ReconcileOnStart bool
}

// Handle controls the running consumer.
type Handle = worker.Handle[Config, <-chan event.Event]

// Spawn creates the event queue and starts the consumer draining it. The
// returned send end is shared by all source connectors.
func Spawn(opts worker.Options, cfg Config, queueSize int) (*Handle, chan<- event.Event, error) {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	events := make(chan event.Event, queueSize)
	h, err := worker.Spawn(opts, newFactory(opts.Logger), cfg, (<-chan event.Event)(events))
	if err != nil {
		return nil, nil, err
	}
	return h, events, nil
}

func newFactory(logger zerolog.Logger) worker.Factory[Config, <-chan event.Event] {
	return func(cfg Config) (worker.Generation[<-chan event.Event], error) {
		sched, err := ParseSchedule(cfg.Reconcile)
		if err != nil {
			return nil, err
		}
		st, err := OpenStorage(cfg)
		if err != nil {
			return nil, err
		}
		return &consumer{
			cfg:      cfg,
			st:       st,
			schedule: sched,
			log:      logger.With().Str("component", "persist").Str("root", cfg.Root).Logger(),
		}, nil
	}
}

// consumer is one generation of the persistence consumer.
type consumer struct {
	cfg      Config
	st       *Storage
	schedule cron.Schedule
	log      zerolog.Logger
}

func (c *consumer) Close() error { return c.st.Close() }

func (c *consumer) Run(ctx context.Context, stop <-chan struct{}, events <-chan event.Event) (<-chan event.Event, error) {
	if c.cfg.ReconcileOnStart {
		if err := c.reconcile(ctx); err != nil {
			return events, err
		}
	}

	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	if c.schedule != nil {
		timer = time.NewTimer(untilNext(c.schedule, time.Now()))
		defer timer.Stop()
		tick = timer.C
		c.log.Debug().Time("next", c.schedule.Next(time.Now())).Msg("reconcile scheduled")
	}

	for {
		select {
		case <-stop:
			return events, c.drain(ctx, events)
		case ev := <-events:
			if err := c.apply(ctx, ev, len(events)); err != nil {
				return events, err
			}
		case <-tick:
			if err := c.reconcile(ctx); err != nil {
				return events, err
			}
			timer.Reset(untilNext(c.schedule, time.Now()))
		}
	}
}

// drain applies the events buffered at the time stop was observed. With
// producers already stopped this empties the queue; during a reload the
// remainder is left for the next generation.
func (c *consumer) drain(ctx context.Context, events <-chan event.Event) error {
	n := len(events)
	if n > 0 {
		c.log.Info().Int("events", n).Msg("draining queue before stop")
	}
	for ; n > 0; n-- {
		select {
		case ev := <-events:
			if err := c.apply(ctx, ev, len(events)); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (c *consumer) apply(ctx context.Context, ev event.Event, depth int) error {
	metrics.QueueDepth.Set(float64(depth))
	log := c.log.With().Str("kind", ev.Kind()).Object("source", ev.Ref()).Logger()
	if err := c.st.Apply(ctx, log, ev); err != nil {
		metrics.StorageFailures.Inc()
		event.Log(c.log.Error(), ev).Err(err).Msg("failed to persist event")
		return fmt.Errorf("persist: apply %s: %w", ev.Kind(), err)
	}
	metrics.EventsApplied.WithLabelValues(ev.Kind()).Inc()
	return nil
}

func (c *consumer) reconcile(ctx context.Context) error {
	rep, err := c.st.Reconcile(ctx, false)
	if err != nil {
		metrics.StorageFailures.Inc()
		return err
	}
	metrics.Reconciled.WithLabelValues("record").Add(float64(len(rep.OrphanRecords)))
	metrics.Reconciled.WithLabelValues("blob").Add(float64(len(rep.OrphanBlobs)))
	if rep.Clean() {
		c.log.Debug().Msg("reconcile found nothing to repair")
		return nil
	}
	c.log.Warn().
		Int("orphan_records", len(rep.OrphanRecords)).
		Strs("orphan_blobs", rep.OrphanBlobs).
		Int("temp_files", rep.TempFiles).
		Msg("reconcile repaired storage")
	return nil
}
