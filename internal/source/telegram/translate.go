package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/zulandar/kommemeorate/internal/source"
)

// channelIDOffset turns a channel id into the negative id clients and the
// Bot API show for channels and supergroups.
const channelIDOffset = 1_000_000_000_000

// photoRef is the Media.Handle of a Telegram photo.
type photoRef struct {
	loc *tg.InputPhotoFileLocation
}

// handlers translates dispatcher callbacks into source updates.
type handlers struct {
	push func(context.Context, source.Update)
}

func (h handlers) register(d tg.UpdateDispatcher) {
	d.OnNewMessage(h.onNewMessage)
	d.OnEditMessage(h.onEditMessage)
	d.OnNewChannelMessage(h.onNewChannelMessage)
	d.OnEditChannelMessage(h.onEditChannelMessage)
	d.OnDeleteMessages(h.onDeleteMessages)
	d.OnDeleteChannelMessages(h.onDeleteChannelMessages)
}

func (h handlers) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	if m, ok := translateMessage(e, u.Message, false); ok {
		h.push(ctx, source.NewMessage{Message: m})
	}
	return nil
}

func (h handlers) onEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	if m, ok := translateMessage(e, u.Message, true); ok {
		h.push(ctx, source.EditedMessage{Message: m})
	}
	return nil
}

func (h handlers) onNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	if m, ok := translateMessage(e, u.Message, false); ok {
		h.push(ctx, source.NewMessage{Message: m})
	}
	return nil
}

func (h handlers) onEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	if m, ok := translateMessage(e, u.Message, true); ok {
		h.push(ctx, source.EditedMessage{Message: m})
	}
	return nil
}

// onDeleteMessages handles deletions in private chats and basic groups.
// Telegram does not say which chat they belong to.
func (h handlers) onDeleteMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
	h.push(ctx, source.Deletion{MessageIDs: int64s(u.Messages)})
	return nil
}

// onDeleteChannelMessages handles deletions in channels and supergroups.
// They are reported as ambiguous and not applied.
func (h handlers) onDeleteChannelMessages(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	chat := chatIdentity(&tg.PeerChannel{ChannelID: u.ChannelID}, e)
	h.push(ctx, source.Deletion{Chat: &chat, Ambiguous: true, MessageIDs: int64s(u.Messages)})
	return nil
}

// translateMessage converts msg. ok is false for service and empty
// messages.
func translateMessage(e tg.Entities, msg tg.MessageClass, edited bool) (source.Message, bool) {
	m, ok := msg.(*tg.Message)
	if !ok {
		return source.Message{}, false
	}
	date := time.Unix(int64(m.Date), 0).UTC()
	if edited && m.EditDate != 0 {
		date = time.Unix(int64(m.EditDate), 0).UTC()
	}
	chat := chatIdentity(m.PeerID, e)
	sender := chat.Title
	if m.FromID != nil {
		sender = senderName(m.FromID, e)
	}
	return source.Message{
		Chat:   chat,
		Sender: sender,
		ID:     int64(m.ID),
		Text:   m.Message,
		Date:   date,
		Media:  media(m.Media),
	}, true
}

// media describes an attachment. Only photos carry a download handle.
func media(mm tg.MessageMediaClass) *source.Media {
	if mm == nil {
		return nil
	}
	mp, ok := mm.(*tg.MessageMediaPhoto)
	if !ok {
		return &source.Media{}
	}
	out := &source.Media{
		Spoiler: mp.Spoiler,
		TTL:     time.Duration(mp.TTLSeconds) * time.Second,
	}
	photo, ok := mp.Photo.(*tg.Photo)
	if !ok {
		return out
	}
	size := largestSize(photo.Sizes)
	if size == "" {
		return out
	}
	out.Photo = true
	out.Handle = photoRef{loc: &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     size,
	}}
	return out
}

// largestSize returns the type of the biggest downloadable size of a photo.
func largestSize(sizes []tg.PhotoSizeClass) string {
	var best string
	var bestArea int
	for _, s := range sizes {
		var typ string
		var area int
		switch s := s.(type) {
		case *tg.PhotoSize:
			typ, area = s.Type, s.W*s.H
		case *tg.PhotoSizeProgressive:
			typ, area = s.Type, s.W*s.H
		default:
			continue
		}
		if best == "" || area > bestArea {
			best, bestArea = typ, area
		}
	}
	return best
}

// chatIdentity returns the id and title of the chat a peer refers to. Ids
// use the signed form shown by Telegram clients, which is also what the
// configuration lists.
func chatIdentity(peer tg.PeerClass, e tg.Entities) source.ChatIdentity {
	switch p := peer.(type) {
	case *tg.PeerUser:
		id := source.ChatIdentity{ID: strconv.FormatInt(p.UserID, 10)}
		if u, ok := e.Users[p.UserID]; ok {
			id.Title = userName(u)
		}
		return id
	case *tg.PeerChat:
		id := source.ChatIdentity{ID: strconv.FormatInt(-p.ChatID, 10)}
		if c, ok := e.Chats[p.ChatID]; ok {
			id.Title = c.Title
		}
		return id
	case *tg.PeerChannel:
		id := source.ChatIdentity{ID: strconv.FormatInt(-(channelIDOffset + p.ChannelID), 10)}
		if c, ok := e.Channels[p.ChannelID]; ok {
			id.Title = c.Title
		}
		return id
	default:
		return source.ChatIdentity{}
	}
}

func senderName(peer tg.PeerClass, e tg.Entities) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[p.UserID]; ok {
			return userName(u)
		}
		return strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChannel:
		if c, ok := e.Channels[p.ChannelID]; ok {
			if c.Username != "" {
				return c.Username
			}
			return c.Title
		}
	}
	return chatIdentity(peer, e).ID
}

func userName(u *tg.User) string {
	if u.Username != "" {
		return u.Username
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return strconv.FormatInt(u.ID, 10)
}

func int64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
