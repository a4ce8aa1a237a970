// Package discord connects the source connector to Discord through the
// Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/source"
)

// defaultRetryAfter is used for 429 responses that carry no usable delay.
const defaultRetryAfter = time.Second

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Fetch downloads an attachment from the Discord CDN with the session's
// HTTP client.
func (r *realSession) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Options configures a Dialer.
type Options struct {
	BotToken  string
	InboxSize int
	Logger    zerolog.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// Dialer opens Discord Gateway sessions.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for opts.
func NewDialer(opts Options) (*Dialer, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Dialer{opts: opts}, nil
}

// Classify recognizes Discord rate-limit errors.
func Classify(err error) (time.Duration, bool) {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) && rle.RateLimit != nil && rle.TooManyRequests != nil {
		return rle.RetryAfter, true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusTooManyRequests {
		if s, err := strconv.ParseFloat(restErr.Response.Header.Get("Retry-After"), 64); err == nil && s > 0 {
			return time.Duration(s * float64(time.Second)), true
		}
		return defaultRetryAfter, true
	}
	return 0, false
}

// Dial opens the gateway and starts translating events.
func (d *Dialer) Dial(ctx context.Context) (source.Connection, error) {
	sess := d.opts.Session
	if sess == nil {
		dg, err := discordgo.New("Bot " + d.opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		sess = &realSession{s: dg}
	}

	c := &conn{
		sess:  sess,
		inbox: source.NewInbox(d.opts.InboxSize),
		log:   d.opts.Logger,
	}
	c.removers = []func(){
		sess.AddHandler(c.onReady),
		sess.AddHandler(c.onDisconnect),
		sess.AddHandler(c.onMessageCreate),
		sess.AddHandler(c.onMessageUpdate),
		sess.AddHandler(c.onMessageDelete),
		sess.AddHandler(c.onMessageDeleteBulk),
	}

	if err := ctx.Err(); err != nil {
		c.removeHandlers()
		return nil, err
	}
	if err := sess.Open(); err != nil {
		c.removeHandlers()
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return c, nil
}

type conn struct {
	sess     session
	inbox    *source.Inbox
	log      zerolog.Logger
	removers []func()

	mu        sync.Mutex
	botUserID string
	closeOnce sync.Once
	closeErr  error
}

func (c *conn) NextUpdate(ctx context.Context) (source.Update, error) {
	return c.inbox.Next(ctx)
}

func (c *conn) Download(ctx context.Context, m *source.Media) ([]byte, error) {
	att, ok := m.Handle.(*discordgo.MessageAttachment)
	if !ok {
		return nil, errors.New("discord: media has no attachment")
	}
	data, err := c.sess.Fetch(ctx, att.URL)
	if err != nil {
		return nil, fmt.Errorf("discord: download attachment %s: %w", att.ID, err)
	}
	return data, nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.removeHandlers()
		c.inbox.Close()
		c.closeErr = c.sess.Close()
	})
	return c.closeErr
}

func (c *conn) removeHandlers() {
	for _, remove := range c.removers {
		if remove != nil {
			remove()
		}
	}
}

func (c *conn) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	c.mu.Lock()
	c.botUserID = r.User.ID
	c.mu.Unlock()
	c.log.Info().Str("user", r.User.Username).Str("user_id", r.User.ID).Msg("gateway ready")
}

// onDisconnect only logs: discordgo reconnects the gateway on its own.
func (c *conn) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.log.Warn().Msg("gateway disconnected, discordgo will reconnect")
}

func (c *conn) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if msg, ok := c.translate(m.Message, false); ok {
		c.inbox.Push(source.NewMessage{Message: msg})
	}
}

func (c *conn) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if msg, ok := c.translate(m.Message, true); ok {
		c.inbox.Push(source.EditedMessage{Message: msg})
	}
}

func (c *conn) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	id, err := parseID(m.ID)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring deletion with bad id")
		return
	}
	chat := c.chat(m.ChannelID)
	c.inbox.Push(source.Deletion{Chat: &chat, MessageIDs: []int64{id}})
}

func (c *conn) onMessageDeleteBulk(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	ids := make([]int64, 0, len(m.Messages))
	for _, raw := range m.Messages {
		id, err := parseID(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring deletion with bad id")
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	chat := c.chat(m.ChannelID)
	c.inbox.Push(source.Deletion{Chat: &chat, MessageIDs: ids})
}

// translate converts a gateway message. Messages from the bot itself and
// updates that are not user edits, such as embed unfurls, are skipped.
func (c *conn) translate(m *discordgo.Message, edited bool) (source.Message, bool) {
	if m == nil || m.Author == nil {
		return source.Message{}, false
	}
	c.mu.Lock()
	self := m.Author.ID != "" && m.Author.ID == c.botUserID
	c.mu.Unlock()
	if self {
		return source.Message{}, false
	}

	id, err := parseID(m.ID)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring message with bad id")
		return source.Message{}, false
	}

	date := m.Timestamp
	if edited {
		if m.EditedTimestamp == nil {
			return source.Message{}, false
		}
		date = *m.EditedTimestamp
	}
	if date.IsZero() {
		date, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	return source.Message{
		Chat:   c.chat(m.ChannelID),
		Sender: m.Author.Username,
		ID:     id,
		Text:   m.Content,
		Date:   date,
		Media:  media(m),
	}, true
}

func (c *conn) chat(channelID string) source.ChatIdentity {
	chat := source.ChatIdentity{ID: channelID}
	if ch, err := c.sess.Channel(channelID); err == nil && ch != nil {
		chat.Title = ch.Name
	}
	return chat
}

// media picks the first image attachment of m. Attachments whose file name
// starts with SPOILER_ are hidden behind a spoiler in Discord clients.
func media(m *discordgo.Message) *source.Media {
	if len(m.Attachments) == 0 {
		return nil
	}
	ephemeral := m.Flags&discordgo.MessageFlagsEphemeral != 0
	for _, att := range m.Attachments {
		if att == nil || !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		return &source.Media{
			Photo:     true,
			Ephemeral: ephemeral,
			Spoiler:   strings.HasPrefix(att.Filename, "SPOILER_"),
			Handle:    att,
		}
	}
	return &source.Media{Ephemeral: ephemeral}
}

// parseID converts a snowflake to the int64 message id used in storage.
func parseID(snowflake string) (int64, error) {
	id, err := strconv.ParseInt(snowflake, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("discord: parse snowflake %q: %w", snowflake, err)
	}
	return id, nil
}
