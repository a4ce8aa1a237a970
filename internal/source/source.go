// Package source turns updates from chat platforms into domain events.
//
// Each platform implements Dialer and Connection; the connector worker in
// this package owns the allow-list, media filtering, reconnect policy and
// emission onto the consumer queue so every platform behaves the same way.
package source

import (
	"context"
	"time"
)

// ChatIdentity is a platform chat identifier plus its display title, when
// the platform provided one.
type ChatIdentity struct {
	ID    string
	Title string
}

// Media describes an attachment on a message. Handle is opaque to the
// connector and passed back to Connection.Download.
type Media struct {
	// Photo is set for still images. Other media kinds are ignored.
	Photo bool
	// TTL is non-zero for self-destructing media.
	TTL time.Duration
	// Ephemeral marks content the platform flags as transient without a TTL.
	Ephemeral bool
	Spoiler   bool
	Handle    any
}

// Message is a posted or edited message.
type Message struct {
	Chat   ChatIdentity
	Sender string
	ID     int64
	Text   string
	// Date is the post time, or the edit time for an EditedMessage.
	Date  time.Time
	Media *Media
}

// Update is one of NewMessage, EditedMessage or Deletion.
type Update interface{ isUpdate() }

// NewMessage is a freshly posted message.
type NewMessage struct{ Message }

// EditedMessage is an edit of an earlier message.
type EditedMessage struct{ Message }

// Deletion reports removed messages.
type Deletion struct {
	// Chat is set when the platform says which chat the messages were in.
	Chat *ChatIdentity
	// Ambiguous marks deletions whose ids cannot be matched to stored
	// records, such as Telegram channel deletions.
	Ambiguous  bool
	MessageIDs []int64
}

func (NewMessage) isUpdate()    {}
func (EditedMessage) isUpdate() {}
func (Deletion) isUpdate()      {}

// Connection is an authenticated session with a platform.
type Connection interface {
	// NextUpdate blocks until an update arrives, ctx is done or the session
	// ends. io.EOF means the upstream closed the session cleanly.
	NextUpdate(ctx context.Context) (Update, error)
	// Download fetches the bytes of m.
	Download(ctx context.Context, m *Media) ([]byte, error)
	// Close disconnects. It is safe to call more than once.
	Close() error
}

// Dialer connects and authenticates to a platform.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}
