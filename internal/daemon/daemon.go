// Package daemon owns the lifecycle of the pipeline: it starts the
// persistence consumer and one connector per configured source, reloads them
// on request and shuts them down in order.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/config"
	"github.com/zulandar/kommemeorate/internal/event"
	"github.com/zulandar/kommemeorate/internal/persist"
	"github.com/zulandar/kommemeorate/internal/service"
	"github.com/zulandar/kommemeorate/internal/source"
	"github.com/zulandar/kommemeorate/internal/status"
	"github.com/zulandar/kommemeorate/internal/worker"
)

const consumerName = "consumer"

// Loader re-reads the configuration for a reload.
type Loader func() (*config.Config, error)

// watched is the part of a worker handle the daemon supervises.
type watched interface {
	Name() string
	Generation() string
	Done() <-chan struct{}
	Err() error
	StopRequested() bool
}

// Daemon runs the pipeline until shutdown is requested or a worker fails.
type Daemon struct {
	cfg      *config.Config
	load     Loader
	sources  SourceBuilder
	notifier service.Notifier
	requests <-chan service.Request
	tracker  *status.Tracker
	log      zerolog.Logger

	consumer   *persist.Handle
	queue      chan<- event.Event
	connectors map[string]*source.Handle
	exits      chan watched
	quit       chan struct{}
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config   *config.Config
	Load     Loader
	Sources  SourceBuilder    // defaults to BuildSources
	Notifier service.Notifier // defaults to service.Nop
	Requests <-chan service.Request
	Tracker  *status.Tracker // optional
	Logger   zerolog.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	if opts.Load == nil {
		return nil, fmt.Errorf("daemon: loader is required")
	}
	if opts.Requests == nil {
		return nil, fmt.Errorf("daemon: request channel is required")
	}
	if opts.Sources == nil {
		opts.Sources = BuildSources
	}
	if opts.Notifier == nil {
		opts.Notifier = service.Nop{}
	}
	if opts.Tracker == nil {
		opts.Tracker = &status.Tracker{}
	}
	return &Daemon{
		cfg:        opts.Config,
		load:       opts.Load,
		sources:    opts.Sources,
		notifier:   opts.Notifier,
		requests:   opts.Requests,
		tracker:    opts.Tracker,
		log:        opts.Logger.With().Str("component", "daemon").Logger(),
		connectors: make(map[string]*source.Handle),
		exits:      make(chan watched),
		quit:       make(chan struct{}),
	}, nil
}

// Run starts every worker and blocks until shutdown is requested, ctx is
// cancelled or a worker fails on its own. A failing worker makes Run return
// its error after the remaining workers have been stopped.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.quit)

	d.notifier.Starting()
	d.tracker.Set(status.Starting, "")

	if d.cfg.Status.Listen != "" {
		srv, err := status.Listen(status.ServerOpts{
			Listen:  d.cfg.Status.Listen,
			Tracker: d.tracker,
			Logger:  d.log,
		})
		if err != nil {
			d.fail(err)
			return err
		}
		serveCtx, stopServing := context.WithCancel(context.Background())
		defer stopServing()
		go func() {
			if err := srv.Serve(serveCtx); err != nil {
				d.log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	if err := d.start(); err != nil {
		d.fail(err)
		return errors.Join(err, d.shutdown())
	}
	d.ready("")

	for {
		select {
		case req := <-d.requests:
			switch req {
			case service.Reload:
				if err := d.reload(); err != nil {
					d.fail(err)
					return errors.Join(err, d.shutdown())
				}
			case service.Shutdown:
				d.log.Info().Msg("shutdown requested")
				return d.shutdown()
			}
		case <-ctx.Done():
			d.log.Info().Msg("context cancelled, shutting down")
			return d.shutdown()
		case w := <-d.exits:
			if err := d.exited(w); err != nil {
				d.fail(err)
				return errors.Join(err, d.shutdown())
			}
		}
	}
}

func (d *Daemon) start() error {
	cfg := d.cfg
	srcs, err := d.sources(cfg, d.log)
	if err != nil {
		return fmt.Errorf("daemon: sources: %w", err)
	}

	consumer, queue, err := persist.Spawn(d.workerOpts(consumerName), PersistConfig(cfg), cfg.Pipeline.QueueSize)
	if err != nil {
		return fmt.Errorf("daemon: start consumer: %w", err)
	}
	d.consumer, d.queue = consumer, queue
	d.watch(consumer)

	for _, sc := range srcs {
		if err := d.spawnConnector(sc); err != nil {
			return err
		}
	}
	d.log.Info().Int("sources", len(srcs)).Int("queue", cap(queue)).Msg("pipeline started")
	return nil
}

func (d *Daemon) spawnConnector(sc source.Config) error {
	h, err := source.Spawn(d.workerOpts(sc.Name), sc, d.queue)
	if err != nil {
		return fmt.Errorf("daemon: start %s: %w", sc.Name, err)
	}
	d.connectors[sc.Name] = h
	d.watch(h)
	return nil
}

func (d *Daemon) workerOpts(name string) worker.Options {
	return worker.Options{
		Name:   name,
		Logger: d.log,
		Grace:  d.cfg.Pipeline.ShutdownTimeout,
	}
}

// watch reports w on d.exits once it has exited. Exits after Run returned
// are discarded.
func (d *Daemon) watch(w watched) {
	d.tracker.SetWorker(w.Name(), w.Generation())
	go func() {
		<-w.Done()
		select {
		case d.exits <- w:
		case <-d.quit:
		}
	}()
}

// exited handles a generation that finished. Generations that were asked to
// stop are expected to exit. Anything else is fatal, except a connector
// whose upstream closed cleanly: it stays down until the next reload.
func (d *Daemon) exited(w watched) error {
	if w.StopRequested() {
		return nil
	}
	log := d.log.With().Str("worker", w.Name()).Str("generation", w.Generation()).Logger()

	if w.Name() == consumerName {
		if d.consumer == nil || watched(d.consumer) != w {
			return nil
		}
		err := w.Err()
		if err == nil {
			err = errors.New("exited without being asked to")
		}
		d.consumer = nil
		d.tracker.RemoveWorker(consumerName)
		return fmt.Errorf("daemon: consumer: %w", err)
	}

	h, ok := d.connectors[w.Name()]
	if !ok || watched(h) != w {
		return nil
	}
	delete(d.connectors, w.Name())
	d.tracker.RemoveWorker(w.Name())
	if err := w.Err(); err != nil {
		return fmt.Errorf("daemon: source %s: %w", w.Name(), err)
	}
	log.Warn().Msg("source finished on its own, it stays down until the next reload")
	return nil
}

// reload applies a freshly loaded configuration. A configuration that
// cannot be loaded or prepared is rejected and the running generations keep
// going. The returned error is fatal and only set when a running generation
// turned out to have failed.
func (d *Daemon) reload() error {
	d.log.Info().Msg("reload requested")
	d.notifier.Reloading()
	d.tracker.Set(status.Reloading, "")

	cfg, err := d.load()
	if err != nil {
		d.reject(err)
		return nil
	}
	srcs, err := d.sources(cfg, d.log)
	if err != nil {
		d.reject(fmt.Errorf("daemon: sources: %w", err))
		return nil
	}
	if cfg.Pipeline.QueueSize != d.cfg.Pipeline.QueueSize {
		d.log.Warn().Int("queue_size", cap(d.queue)).Msg("pipeline.queue_size only applies at startup")
	}
	if cfg.Status.Listen != d.cfg.Status.Listen {
		d.log.Warn().Msg("status.listen only applies at startup")
	}

	consumer, err := d.consumer.Reload(PersistConfig(cfg))
	switch {
	case errors.Is(err, worker.ErrRejected):
		d.reject(err)
		return nil
	case err != nil:
		d.consumer = nil
		return fmt.Errorf("daemon: reload consumer: %w", err)
	}
	d.consumer = consumer
	d.watch(consumer)
	d.log.Info().Str("worker", consumerName).Str("generation", consumer.Generation()).Msg("worker reloaded")

	var rejected []error
	wanted := make(map[string]source.Config, len(srcs))
	for _, sc := range srcs {
		wanted[sc.Name] = sc
	}

	for _, name := range sortedNames(d.connectors) {
		sc, keep := wanted[name]
		if !keep {
			continue
		}
		h, err := d.connectors[name].Reload(sc)
		switch {
		case errors.Is(err, worker.ErrRejected):
			rejected = append(rejected, err)
			continue
		case err != nil:
			delete(d.connectors, name)
			return fmt.Errorf("daemon: reload %s: %w", name, err)
		}
		d.connectors[name] = h
		d.watch(h)
		d.log.Info().Str("worker", name).Str("generation", h.Generation()).Msg("worker reloaded")
	}

	for _, sc := range srcs {
		if _, running := d.connectors[sc.Name]; running {
			continue
		}
		if err := d.spawnConnector(sc); err != nil {
			rejected = append(rejected, err)
			continue
		}
		d.log.Info().Str("worker", sc.Name).Msg("source started")
	}

	for _, name := range sortedNames(d.connectors) {
		if _, keep := wanted[name]; keep {
			continue
		}
		h := d.connectors[name]
		delete(d.connectors, name)
		d.tracker.RemoveWorker(name)
		if err := h.Shutdown(); err != nil {
			d.log.Error().Err(err).Str("worker", name).Msg("removed source failed")
			continue
		}
		d.log.Info().Str("worker", name).Msg("source removed")
	}

	d.cfg = cfg
	if len(rejected) > 0 {
		d.reject(errors.Join(rejected...))
		return nil
	}
	d.ready("")
	return nil
}

// reject reports a reload that could not be applied in full and returns
// to ready.
func (d *Daemon) reject(err error) {
	d.log.Error().Err(err).Msg("reload rejected, keeping the running configuration")
	msg := "reload rejected: " + err.Error()
	d.notifier.Status(msg)
	d.ready(msg)
}

func (d *Daemon) ready(msg string) {
	d.tracker.Set(status.Ready, msg)
	d.notifier.Ready()
}

func (d *Daemon) fail(err error) {
	d.log.Error().Err(err).Msg("pipeline failed")
	d.tracker.Set(status.Failed, err.Error())
	d.notifier.Failed(1, err.Error())
}

// shutdown stops the connectors first so nothing new is queued, then the
// consumer, which applies what is already queued before it exits.
func (d *Daemon) shutdown() error {
	d.notifier.Stopping()
	d.tracker.Set(status.Stopping, "")

	var errs []error
	for _, name := range sortedNames(d.connectors) {
		h := d.connectors[name]
		delete(d.connectors, name)
		if err := h.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		d.tracker.RemoveWorker(name)
	}
	if d.consumer != nil {
		if err := d.consumer.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		d.consumer = nil
		d.tracker.RemoveWorker(consumerName)
	}
	err := errors.Join(errs...)
	if err != nil {
		d.log.Error().Err(err).Msg("shutdown finished with errors")
	} else {
		d.log.Info().Msg("shutdown complete")
	}
	return err
}

func sortedNames(m map[string]*source.Handle) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
