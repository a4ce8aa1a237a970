// Package telegram connects the source connector to Telegram as a bot over
// MTProto.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/source"
)

// Options configures a Dialer.
type Options struct {
	APIID    int
	APIHash  string
	BotToken string
	// SessionFile persists the MTProto session between connections. Empty
	// keeps it in memory.
	SessionFile string
	InboxSize   int
	Logger      zerolog.Logger
}

// Dialer signs in to Telegram as a bot.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for opts.
func NewDialer(opts Options) (*Dialer, error) {
	if opts.APIID <= 0 || opts.APIHash == "" {
		return nil, fmt.Errorf("telegram: api id and api hash are required")
	}
	if opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Dialer{opts: opts}, nil
}

// Classify recognizes FLOOD_WAIT errors.
func Classify(err error) (time.Duration, bool) {
	return tgerr.AsFloodWait(err)
}

// Dial starts a client, signs in and returns once updates flow. The client
// runs in its own goroutine until the connection is closed. Updates pass
// through an updates.Manager, which orders them by pts and fetches gaps, so
// the inbox sees them in the order Telegram produced them.
func (d *Dialer) Dial(ctx context.Context) (source.Connection, error) {
	inbox := source.NewInbox(d.opts.InboxSize)
	gaps := newGaps(inbox)

	var storage telegram.SessionStorage
	if d.opts.SessionFile != "" {
		storage = &session.FileStorage{Path: d.opts.SessionFile}
	}
	client := telegram.NewClient(d.opts.APIID, d.opts.APIHash, telegram.Options{
		UpdateHandler:  gaps,
		SessionStorage: storage,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client: client,
		inbox:  inbox,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ready := make(chan error, 1)
	go func() {
		defer close(c.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			if err := d.signIn(ctx, client); err != nil {
				return err
			}
			self, err := client.Self(ctx)
			if err != nil {
				return err
			}
			return gaps.Run(ctx, client.API(), self.ID, updates.AuthOptions{
				IsBot:   true,
				OnStart: func(context.Context) { ready <- nil },
			})
		})
		switch {
		case runCtx.Err() != nil:
			inbox.Close()
		case err != nil:
			inbox.Fail(err)
		default:
			inbox.Close()
			err = errors.New("client stopped")
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("telegram: sign in: %w", err)
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// newGaps returns the update chain feeding inbox: gap recovery, then the
// dispatcher, then translation.
func newGaps(inbox *source.Inbox) *updates.Manager {
	dispatcher := tg.NewUpdateDispatcher()
	handlers{push: func(ctx context.Context, u source.Update) { inbox.PushContext(ctx, u) }}.register(dispatcher)
	return updates.New(updates.Config{Handler: dispatcher})
}

func (d *Dialer) signIn(ctx context.Context, client *telegram.Client) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return err
	}
	if status.Authorized {
		return nil
	}
	if _, err := client.Auth().Bot(ctx, d.opts.BotToken); err != nil {
		return err
	}
	d.opts.Logger.Info().Msg("signed in as bot")
	return nil
}

type conn struct {
	client *telegram.Client
	inbox  *source.Inbox
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *conn) NextUpdate(ctx context.Context) (source.Update, error) {
	return c.inbox.Next(ctx)
}

func (c *conn) Download(ctx context.Context, m *source.Media) ([]byte, error) {
	ref, ok := m.Handle.(photoRef)
	if !ok {
		return nil, errors.New("telegram: media has no photo location")
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(c.client.API(), ref.loc).Stream(ctx, &buf); err != nil {
		return nil, fmt.Errorf("telegram: download photo %d: %w", ref.loc.ID, err)
	}
	return buf.Bytes(), nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.cancel()
		// Release callbacks blocked on a full inbox first; the client does
		// not return until its handlers have.
		c.inbox.Close()
		<-c.done
	})
	return nil
}
