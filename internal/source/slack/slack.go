// Package slack connects the source connector to Slack using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/kommemeorate/internal/source"
)

const (
	subtypeFileShare = "file_share"
	subtypeChanged   = "message_changed"
	subtypeDeleted   = "message_deleted"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Options configures a Dialer.
type Options struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	InboxSize int
	Logger    zerolog.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// Dialer opens Socket Mode connections.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for opts.
func NewDialer(opts Options) (*Dialer, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Dialer{opts: opts}, nil
}

// Classify recognizes Slack rate-limit errors.
func Classify(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// Dial authenticates and starts the Socket Mode event pump.
func (d *Dialer) Dial(ctx context.Context) (source.Connection, error) {
	client, socket := d.opts.Client, d.opts.Socket
	if client == nil {
		api := slackapi.New(d.opts.BotToken, slackapi.OptionAppLevelToken(d.opts.AppToken))
		client = api
		socket = &realSocketClient{client: socketmode.New(api)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	auth, err := client.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client:    client,
		socket:    socket,
		inbox:     source.NewInbox(d.opts.InboxSize),
		log:       d.opts.Logger,
		botUserID: auth.UserID,
		cancel:    cancel,
		titles:    make(map[string]string),
		users:     make(map[string]string),
	}
	c.wg.Add(2)
	go c.run(runCtx)
	go c.pumpEvents(runCtx)
	c.log.Info().Str("team", auth.Team).Str("user_id", auth.UserID).Msg("authenticated")
	return c, nil
}

type conn struct {
	client    slackClient
	socket    socketClient
	inbox     *source.Inbox
	log       zerolog.Logger
	botUserID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Lookups happen on the pump goroutine only.
	titles map[string]string
	users  map[string]string
}

func (c *conn) NextUpdate(ctx context.Context) (source.Update, error) {
	return c.inbox.Next(ctx)
}

func (c *conn) Download(ctx context.Context, m *source.Media) ([]byte, error) {
	f, ok := m.Handle.(slackevents.File)
	if !ok {
		return nil, errors.New("slack: media has no file")
	}
	url := f.URLPrivateDownload
	if url == "" {
		url = f.URLPrivate
	}
	var buf bytes.Buffer
	if err := c.client.GetFileContext(ctx, url, &buf); err != nil {
		return nil, fmt.Errorf("slack: download file %s: %w", f.ID, err)
	}
	return buf.Bytes(), nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.inbox.Close()
		c.wg.Wait()
	})
	return nil
}

// run keeps the Socket Mode client running. socketmode reconnects on its
// own; an error return ends the session and the connector redials.
func (c *conn) run(ctx context.Context) {
	defer c.wg.Done()
	err := c.socket.RunContext(ctx)
	switch {
	case ctx.Err() != nil:
	case err != nil:
		c.inbox.Fail(fmt.Errorf("slack: socket mode: %w", err))
	default:
		c.inbox.Close()
	}
}

// pumpEvents reads Socket Mode events and converts them to updates.
func (c *conn) pumpEvents(ctx context.Context) {
	defer c.wg.Done()
	events := c.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (c *conn) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		c.handleEventsAPI(eventsAPIEvent)
	case socketmode.EventTypeConnecting:
		c.log.Debug().Msg("connecting to Socket Mode")
	case socketmode.EventTypeConnected:
		c.log.Info().Msg("connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		c.log.Warn().Interface("data", evt.Data).Msg("socket mode connection error")
	case socketmode.EventTypeDisconnect:
		c.log.Info().Msg("server requested disconnect, socketmode will reconnect")
	}
}

func (c *conn) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		c.handleMessage(ev)
	}
}

func (c *conn) handleMessage(ev *slackevents.MessageEvent) {
	switch ev.SubType {
	case "", subtypeFileShare:
		if msg, ok := c.translate(ev.Channel, ev, ev.TimeStamp); ok {
			c.inbox.Push(source.NewMessage{Message: msg})
		}
	case subtypeChanged:
		if ev.Message == nil {
			return
		}
		edited := ev.EventTimeStamp
		if edited == "" {
			edited = ev.TimeStamp
		}
		if msg, ok := c.translate(ev.Channel, ev.Message, edited); ok {
			c.inbox.Push(source.EditedMessage{Message: msg})
		}
	case subtypeDeleted:
		if ev.PreviousMessage == nil {
			return
		}
		id, err := messageID(ev.PreviousMessage.TimeStamp)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring deletion with bad timestamp")
			return
		}
		chat := c.chat(ev.Channel)
		c.inbox.Push(source.Deletion{Chat: &chat, MessageIDs: []int64{id}})
	}
}

// translate converts a message posted in channel. date is the post
// timestamp, or the event timestamp for edits.
func (c *conn) translate(channel string, m *slackevents.MessageEvent, date string) (source.Message, bool) {
	if m.User != "" && m.User == c.botUserID {
		return source.Message{}, false
	}
	id, err := messageID(m.TimeStamp)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring message with bad timestamp")
		return source.Message{}, false
	}
	sender := m.Username
	if m.User != "" {
		sender = c.userName(m.User)
	}
	return source.Message{
		Chat:   c.chat(channel),
		Sender: sender,
		ID:     id,
		Text:   m.Text,
		Date:   parseSlackTimestamp(date),
		Media:  media(m.Files),
	}, true
}

// media picks the first image file. Slack has no spoilers or expiring
// uploads.
func media(files []slackevents.File) *source.Media {
	if len(files) == 0 {
		return nil
	}
	for _, f := range files {
		if strings.HasPrefix(f.Mimetype, "image/") {
			return &source.Media{Photo: true, Handle: f}
		}
	}
	return &source.Media{}
}

func (c *conn) chat(channel string) source.ChatIdentity {
	title, ok := c.titles[channel]
	if !ok {
		if ch, err := c.client.GetConversationInfo(&slackapi.GetConversationInfoInput{ChannelID: channel}); err == nil && ch != nil {
			title = ch.Name
			c.titles[channel] = title
		}
	}
	return source.ChatIdentity{ID: channel, Title: title}
}

// userName looks up a user's display name. Falls back to user ID.
func (c *conn) userName(userID string) string {
	if name, ok := c.users[userID]; ok {
		return name
	}
	user, err := c.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	c.users[userID] = name
	return name
}

// messageID turns a Slack timestamp ("1712345678.123456"), which is the
// message id within a channel, into microseconds since the epoch.
func messageID(ts string) (int64, error) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil || s < 0 {
		return 0, fmt.Errorf("slack: bad timestamp %q", ts)
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))
	us, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("slack: bad timestamp %q", ts)
	}
	return s*1_000_000 + us, nil
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	us, err := messageID(ts)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
