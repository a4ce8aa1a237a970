package source

import (
	"fmt"
	"strings"

	"github.com/zulandar/kommemeorate/internal/event"
)

// Entry is a configured chat whose images are captured, with the label used
// as the channel name of stored memes.
type Entry struct {
	ID    string
	Label string
}

// ValidateEntries checks that entries is a usable allow-list.
func ValidateEntries(entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("allow-list is empty")
	}
	seen := make(map[string]bool, len(entries))
	labels := make(map[string]string, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return fmt.Errorf("allow-list entry %d: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("allow-list entry %d: duplicate id %q", i, id)
		}
		seen[id] = true
		// Labels name the blob files, so two chats must not share one.
		key := event.SafeName(e.Label)
		if prev, ok := labels[key]; ok {
			return fmt.Errorf("allow-list entry %d: label %q collides with %q", i, e.Label, prev)
		}
		labels[key] = e.Label
	}
	return nil
}

// Allowlist matches chats against the configured entries and remembers the
// identity of each chat the first time it is seen. It belongs to a single
// connector generation and is not safe for concurrent use.
type Allowlist struct {
	entries map[string]Entry
	seen    map[string]ChatIdentity
}

// NewAllowlist indexes entries by id.
func NewAllowlist(entries []Entry) *Allowlist {
	a := &Allowlist{
		entries: make(map[string]Entry, len(entries)),
		seen:    make(map[string]ChatIdentity),
	}
	for _, e := range entries {
		a.entries[strings.TrimSpace(e.ID)] = e
	}
	return a
}

// Lookup returns the entry for chat. first is true the first time a known
// chat is looked up.
func (a *Allowlist) Lookup(chat ChatIdentity) (e Entry, first, ok bool) {
	e, ok = a.entries[chat.ID]
	if !ok {
		return Entry{}, false, false
	}
	if _, cached := a.seen[chat.ID]; !cached {
		a.seen[chat.ID] = chat
		first = true
	}
	return e, first, true
}

// Identity returns the cached identity of a chat seen earlier.
func (a *Allowlist) Identity(id string) (ChatIdentity, bool) {
	c, ok := a.seen[id]
	return c, ok
}

// Len returns the number of configured entries.
func (a *Allowlist) Len() int { return len(a.entries) }
