package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/backoff"
	"github.com/zulandar/kommemeorate/internal/event"
	"github.com/zulandar/kommemeorate/internal/metrics"
	"github.com/zulandar/kommemeorate/internal/worker"
	"golang.org/x/time/rate"
)

const (
	// reconnectInterval and reconnectBurst floor the reconnect rate.
	reconnectInterval = time.Second
	reconnectBurst    = 3
)

// errStopped ends a session whose pending download was abandoned because
// stop arrived during a rate-limit pause.
var errStopped = errors.New("source: stopped while rate limited")

// Config describes one connector generation.
type Config struct {
	// Name identifies the connector in logs, metrics and the orchestrator.
	Name     string
	Platform event.Platform
	Dialer   Dialer
	// Classify recognizes the platform's native rate-limit errors.
	Classify backoff.Classifier
	Allow    []Entry
}

// Validate checks cfg before a generation is started with it.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("source: name is required")
	}
	if !c.Platform.Valid() {
		return fmt.Errorf("source: %s: unknown platform %q", c.Name, c.Platform)
	}
	if c.Dialer == nil {
		return fmt.Errorf("source: %s: dialer is required", c.Name)
	}
	if err := ValidateEntries(c.Allow); err != nil {
		return fmt.Errorf("source: %s: %w", c.Name, err)
	}
	return nil
}

// Handle controls a running connector.
type Handle = worker.Handle[Config, chan<- event.Event]

// Spawn starts a connector that emits onto out.
func Spawn(opts worker.Options, cfg Config, out chan<- event.Event) (*Handle, error) {
	if out == nil {
		return nil, fmt.Errorf("source: output channel is required")
	}
	logger := opts.Logger
	factory := func(cfg Config) (worker.Generation[chan<- event.Event], error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &connector{
			cfg:   cfg,
			log:   logger.With().Str("component", "source").Str("source", cfg.Name).Logger(),
			allow: NewAllowlist(cfg.Allow),
		}, nil
	}
	return worker.Spawn(opts, factory, cfg, out)
}

// connector is one generation of a source connector.
type connector struct {
	cfg    Config
	log    zerolog.Logger
	allow  *Allowlist
	driver backoff.Driver
}

func (c *connector) Close() error { return nil }

func (c *connector) Run(ctx context.Context, stop <-chan struct{}, out chan<- event.Event) (chan<- event.Event, error) {
	c.driver = backoff.Driver{
		Name:     c.cfg.Name,
		Logger:   c.log,
		Classify: c.cfg.Classify,
		Limiter:  rate.NewLimiter(rate.Every(reconnectInterval), reconnectBurst),
	}
	err := c.driver.Run(ctx, stop, func(ctx context.Context, stop <-chan struct{}) error {
		return c.session(ctx, stop, out)
	})
	return out, err
}

// session connects once and processes updates until stop, a clean end of
// the session, or an error.
func (c *connector) session(ctx context.Context, stop <-chan struct{}, out chan<- event.Event) error {
	sctx, cancel := worker.StopContext(ctx, stop)
	defer cancel()

	conn, err := c.cfg.Dialer.Dial(sctx)
	if err != nil {
		if worker.Stopped(stop) {
			return nil
		}
		return fmt.Errorf("source: %s: connect: %w", c.cfg.Name, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.log.Warn().Err(cerr).Msg("disconnect failed")
		}
	}()
	c.log.Info().Int("chats", c.allow.Len()).Msg("connected")

	for {
		upd, err := conn.NextUpdate(sctx)
		if err != nil {
			if worker.Stopped(stop) {
				c.log.Info().Msg("stop requested, disconnecting")
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.log.Info().Msg("upstream closed the session")
				return nil
			}
			return fmt.Errorf("source: %s: next update: %w", c.cfg.Name, err)
		}
		if err := c.handle(ctx, stop, conn, upd, out); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
}

func (c *connector) handle(ctx context.Context, stop <-chan struct{}, conn Connection, upd Update, out chan<- event.Event) error {
	switch u := upd.(type) {
	case NewMessage:
		return c.message(ctx, stop, conn, u.Message, false, out)
	case EditedMessage:
		return c.message(ctx, stop, conn, u.Message, true, out)
	case Deletion:
		return c.deletion(ctx, u, out)
	default:
		return fmt.Errorf("source: %s: unexpected update %T", c.cfg.Name, upd)
	}
}

func (c *connector) message(ctx context.Context, stop <-chan struct{}, conn Connection, m Message, edited bool, out chan<- event.Event) error {
	entry, ok := c.lookup(m.Chat)
	if !ok {
		return nil
	}

	log := c.log.With().Str("chat", entry.Label).Int64("message_id", m.ID).Logger()
	switch {
	case m.Media == nil:
		c.drop("no_media")
		return nil
	case !m.Media.Photo:
		log.Debug().Msg("ignoring non-photo media")
		c.drop("not_photo")
		return nil
	case m.Media.TTL > 0 || m.Media.Ephemeral:
		log.Debug().Dur("ttl", m.Media.TTL).Msg("ignoring ephemeral photo")
		c.drop("ephemeral")
		return nil
	}

	// A rate-limited download waits on the same connection so the updates
	// buffered behind this one are not lost to a reconnect.
	var data []byte
	err := c.driver.Retry(ctx, stop, func(ctx context.Context) error {
		var err error
		data, err = conn.Download(ctx, m.Media)
		return err
	})
	if err != nil {
		if worker.Stopped(stop) {
			log.Warn().Err(err).Msg("stop requested during rate-limit pause, photo not archived")
			c.drop("stopped")
			return errStopped
		}
		return fmt.Errorf("source: %s: download message %d: %w", c.cfg.Name, m.ID, err)
	}

	img := event.Image{
		Data:      data,
		Spoiler:   m.Media.Spoiler,
		Caption:   m.Text,
		Timestamp: m.Date,
	}
	src := event.Source{
		Platform:  c.cfg.Platform,
		Account:   m.Sender,
		Channel:   entry.Label,
		ChatID:    m.Chat.ID,
		MessageID: m.ID,
	}

	var ev event.Event = event.Created{Image: img, Source: src}
	if edited {
		ev = event.Updated{Image: img, Source: src}
	}
	return c.emit(ctx, ev, out)
}

func (c *connector) deletion(ctx context.Context, d Deletion, out chan<- event.Event) error {
	if d.Ambiguous {
		chat := ""
		if d.Chat != nil {
			chat = d.Chat.ID
		}
		c.log.Info().Str("chat_id", chat).Ints64("message_ids", d.MessageIDs).
			Msg("dropping channel-scoped deletion")
		c.drop("ambiguous_deletion")
		return nil
	}

	src := event.Source{Platform: c.cfg.Platform}
	if d.Chat != nil {
		entry, ok := c.lookup(*d.Chat)
		if !ok {
			return nil
		}
		src.Channel = entry.Label
		src.ChatID = d.Chat.ID
	}

	for _, id := range d.MessageIDs {
		src.MessageID = id
		if err := c.emit(ctx, event.Deleted{Source: src}, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *connector) lookup(chat ChatIdentity) (Entry, bool) {
	entry, first, ok := c.allow.Lookup(chat)
	if !ok {
		c.log.Debug().Str("chat_id", chat.ID).Str("title", chat.Title).Msg("ignoring update from unknown chat")
		c.drop("unknown_chat")
		return Entry{}, false
	}
	if first {
		c.log.Info().Str("chat_id", chat.ID).Str("title", chat.Title).Str("label", entry.Label).
			Msg("watching chat")
	}
	return entry, true
}

// emit blocks until the consumer has room. Only hard cancellation of ctx
// abandons the send.
func (c *connector) emit(ctx context.Context, ev event.Event, out chan<- event.Event) error {
	event.Log(c.log.Debug(), ev).Msg("emitting event")
	select {
	case out <- ev:
	case <-ctx.Done():
		return fmt.Errorf("source: %s: emit %s: %w", c.cfg.Name, ev.Kind(), ctx.Err())
	}
	metrics.EventsEmitted.WithLabelValues(c.cfg.Name, ev.Kind()).Inc()
	metrics.QueueDepth.Set(float64(len(out)))
	return nil
}

func (c *connector) drop(reason string) {
	metrics.UpdatesDropped.WithLabelValues(c.cfg.Name, reason).Inc()
}
