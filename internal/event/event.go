// Package event defines the values that flow from source connectors to the
// persistence consumer.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Platform identifies the chat platform a piece of media came from.
type Platform string

const (
	Telegram Platform = "telegram"
	Discord  Platform = "discord"
	Slack    Platform = "slack"
)

// Valid reports whether p is a platform the pipeline knows about.
func (p Platform) Valid() bool {
	switch p {
	case Telegram, Discord, Slack:
		return true
	}
	return false
}

// Source identifies where a piece of media originated. Account and Channel
// are best effort labels and may be empty. ChatID is the platform's chat
// identifier when known; it scopes MessageID on platforms whose message ids
// are only unique per chat.
type Source struct {
	Platform  Platform
	Account   string
	Channel   string
	ChatID    string
	MessageID int64
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%s/%s#%d", s.Platform, s.Channel, s.Account, s.MessageID)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (s Source) MarshalZerologObject(e *zerolog.Event) {
	e.Str("platform", string(s.Platform)).
		Str("channel", s.Channel).
		Str("account", s.Account).
		Str("chat_id", s.ChatID).
		Int64("message_id", s.MessageID)
}

// Image is a downloaded media artifact. The bytes are never logged.
type Image struct {
	Data      []byte
	Spoiler   bool
	Caption   string
	Timestamp time.Time
}

func (i Image) String() string {
	return fmt.Sprintf("Image{%d bytes, spoiler=%t, caption=%q, timestamp=%s}",
		len(i.Data), i.Spoiler, i.Caption, i.Timestamp.Format(time.RFC3339))
}

// GoString keeps %#v from dumping the blob.
func (i Image) GoString() string { return i.String() }

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (i Image) MarshalZerologObject(e *zerolog.Event) {
	e.Int("bytes", len(i.Data)).
		Bool("spoiler", i.Spoiler).
		Str("caption", i.Caption).
		Time("timestamp", i.Timestamp)
}

// Event is one of Created, Updated or Deleted. Consumers switch on the
// concrete type and must treat any other value as an error.
type Event interface {
	// Ref returns the source the event refers to.
	Ref() Source
	// Kind returns a short lowercase name used in logs and metrics.
	Kind() string
	isEvent()
}

// Created announces a newly posted image.
type Created struct {
	Image  Image
	Source Source
}

// Updated announces that a previously posted image was edited. Its
// timestamp is the edit time.
type Updated struct {
	Image  Image
	Source Source
}

// Deleted announces that the message carrying an image was removed.
type Deleted struct {
	Source Source
}

func (e Created) Ref() Source { return e.Source }
func (e Updated) Ref() Source { return e.Source }
func (e Deleted) Ref() Source { return e.Source }

func (Created) Kind() string { return "created" }
func (Updated) Kind() string { return "updated" }
func (Deleted) Kind() string { return "deleted" }

func (Created) isEvent() {}
func (Updated) isEvent() {}
func (Deleted) isEvent() {}

// Log attaches the event's loggable fields to a zerolog event.
func Log(e *zerolog.Event, ev Event) *zerolog.Event {
	e = e.Str("kind", ev.Kind()).Object("source", ev.Ref())
	switch v := ev.(type) {
	case Created:
		e = e.Object("image", v.Image)
	case Updated:
		e = e.Object("image", v.Image)
	}
	return e
}

// SafeName keeps letters, digits, dot, underscore and dash and replaces
// everything else with an underscore. Blob names are built from it, so two
// labels with the same SafeName share files.
func SafeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
